package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/alanredmond23-bit/gmail-intelligence-platform/internal/mail"
	"github.com/alanredmond23-bit/gmail-intelligence-platform/internal/source"
)

// Persister is the storage contract the pipeline consumes. Upsert must be
// idempotent keyed on the message's provider ID. Any error from these methods
// is a per-message failure, never fatal to the run.
type Persister interface {
	Upsert(ctx context.Context, msg *mail.Message) (int64, error)
	InsertAttachment(ctx context.Context, localID int64, filename, path string) (int64, error)
	InsertEntities(ctx context.Context, localID int64, entities []mail.Entity) error
}

// AttachmentStore writes attachment bytes somewhere durable and returns the
// path for the persistence record.
type AttachmentStore interface {
	Save(localID int64, att mail.Attachment) (string, error)
}

// CredentialProvider is the lazy authentication contract. Authenticate must
// be idempotent and safe to call when already ready; the pipeline calls it at
// most once per run, and only when IsReady reports false.
type CredentialProvider interface {
	IsReady() bool
	Authenticate(ctx context.Context) error
}

// Progress is the per-message summary handed to the observer.
type Progress struct {
	ID          string
	Subject     string
	FromAddress string
}

// ProgressFunc observes successfully processed messages, invoked in fetch
// order on the pipeline's own control flow, never concurrently. Observers
// that block stall the run.
type ProgressFunc func(current, total int, msg Progress)

type backend struct {
	src   source.Source
	creds CredentialProvider
}

// Pipeline drives fetch → normalize → persist across the registered
// backends. One instance processes one run at a time; concurrent Extract*
// calls on the same instance are not supported, callers serialize them or
// use separate instances.
type Pipeline struct {
	backends  map[source.Kind]backend
	persister Persister
	files     AttachmentStore
	log       *zap.SugaredLogger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger replaces the no-op default logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithAttachmentStore enables attachment extraction. Without it attachments
// are ignored and attachments_saved stays zero.
func WithAttachmentStore(files AttachmentStore) Option {
	return func(p *Pipeline) { p.files = files }
}

func New(persister Persister, opts ...Option) *Pipeline {
	p := &Pipeline{
		backends:  make(map[source.Kind]backend),
		persister: persister,
		log:       zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register attaches a backend and its credential provider. creds may be nil
// for sources that need no authentication step (tests, pre-authorized
// clients).
func (p *Pipeline) Register(src source.Source, creds CredentialProvider) {
	p.backends[src.Kind()] = backend{src: src, creds: creds}
}

// ExtractAll runs a full extraction: translate the canonical query for the
// backend, page through matches, normalize and persist each message. The cap
// is strict: exactly maxResults messages are processed when the source has
// that many.
//
// Failure scoping: a bad message increments failed and the run continues; a
// page fetch failure or cancellation ends the run early. Every path,
// including those, returns a finalized summary.
func (p *Pipeline) ExtractAll(ctx context.Context, q source.Query, maxResults int64, kind source.Kind, progress ProgressFunc) (summary RunSummary, err error) {
	stats := newRunStats(maxResults)
	defer func() {
		stats.finalize()
		summary = stats.summary()
	}()

	b, ok := p.backends[kind]
	if !ok {
		err = fmt.Errorf("no %s backend registered", kind)
		return
	}
	if maxResults <= 0 {
		err = fmt.Errorf("max results must be positive, got %d", maxResults)
		return
	}
	if err = p.ensureAuth(ctx, b); err != nil {
		p.log.Errorw("run aborted before first page", "backend", kind, "err", err)
		return
	}

	native := source.Translate(q, kind)
	p.log.Infow("starting extraction", "backend", kind, "query", native, "max", maxResults)

	var processed int64
	token := ""
	for processed < maxResults {
		// Cancellation is only honored between pages so a page is never left
		// half-normalized.
		if cerr := ctx.Err(); cerr != nil {
			p.log.Warnw("extraction cancelled", "backend", kind, "processed", processed)
			err = cerr
			return
		}

		size := b.src.PageMax()
		if rem := maxResults - processed; rem < size {
			size = rem
		}

		page, ferr := b.src.FetchPage(ctx, native, size, token)
		if ferr != nil {
			p.log.Errorw("page fetch failed, ending run with partial results",
				"backend", kind, "processed", processed, "err", ferr)
			err = ferr
			return
		}

		if len(page.Messages) == 0 && page.NextToken == "" {
			break
		}

		total := len(page.Messages)
		for i, raw := range page.Messages {
			if processed >= maxResults {
				break
			}
			p.processMessage(ctx, stats, raw, i+1, total, progress)
			processed++
		}

		if page.NextToken == "" {
			// No token retained: the run is complete even if the cap math
			// skipped part of the last page. A later call starts fresh.
			break
		}
		token = page.NextToken
	}

	p.log.Infow("extraction complete", "backend", kind, "processed", processed)
	return
}

// ExtractIncremental pulls only changes recorded after the cursor. The input
// cursor is returned unchanged unless the backend advanced it; a token the
// backend no longer recognizes surfaces as *source.StaleCursorError, which
// tells the caller to fall back to ExtractAll. Backends without a change log
// report source.ErrUnsupported.
func (p *Pipeline) ExtractIncremental(ctx context.Context, cursor SyncCursor) (summary RunSummary, next SyncCursor, err error) {
	stats := newRunStats(0)
	next = cursor
	defer func() {
		stats.finalize()
		summary = stats.summary()
	}()

	if cursor.Absent() {
		err = fmt.Errorf("cursor absent: run a full extraction first")
		return
	}
	b, ok := p.backends[cursor.Backend]
	if !ok {
		err = fmt.Errorf("no %s backend registered", cursor.Backend)
		return
	}
	if err = p.ensureAuth(ctx, b); err != nil {
		return
	}

	raws, newToken, ferr := b.src.FetchChanges(ctx, cursor.Token)
	if ferr != nil {
		err = ferr
		return
	}

	total := len(raws)
	for i, raw := range raws {
		p.processMessage(ctx, stats, raw, i+1, total, nil)
	}

	next = SyncCursor{Backend: cursor.Backend, Token: newToken}
	p.log.Infow("incremental sync complete", "backend", cursor.Backend,
		"changes", total, "cursor", newToken)
	return
}

// ExtractSingle fetches and stores exactly one message. It reports failure
// with ok=false instead of an error; the cause is logged.
func (p *Pipeline) ExtractSingle(ctx context.Context, kind source.Kind, providerID string) (localID int64, ok bool) {
	b, registered := p.backends[kind]
	if !registered {
		p.log.Errorw("no backend registered", "backend", kind)
		return 0, false
	}
	if err := p.ensureAuth(ctx, b); err != nil {
		p.log.Errorw("authentication failed", "backend", kind, "err", err)
		return 0, false
	}

	raw, err := b.src.FetchOne(ctx, providerID)
	if err != nil {
		p.log.Errorw("single message fetch failed", "id", providerID, "err", err)
		return 0, false
	}
	if raw == nil {
		p.log.Warnw("message not found", "backend", kind, "id", providerID)
		return 0, false
	}

	msg, err := mail.Normalize(*raw)
	if err != nil {
		p.log.Errorw("single message normalization failed", "id", providerID, "err", err)
		return 0, false
	}

	localID, err = p.persister.Upsert(ctx, msg)
	if err != nil {
		p.log.Errorw("single message persistence failed", "id", providerID, "err", err)
		return 0, false
	}
	p.saveAttachments(ctx, localID, msg)
	return localID, true
}

// CurrentCursor reads the backend's present change-log position, used to
// seed incremental mode right after a full extraction.
func (p *Pipeline) CurrentCursor(ctx context.Context, kind source.Kind) (SyncCursor, error) {
	b, ok := p.backends[kind]
	if !ok {
		return SyncCursor{}, fmt.Errorf("no %s backend registered", kind)
	}
	token, err := b.src.LatestCursor(ctx)
	if err != nil {
		return SyncCursor{}, err
	}
	return SyncCursor{Backend: kind, Token: token}, nil
}

// processMessage normalizes and persists one raw message, isolating its
// failures to the failed counter so the rest of the page keeps going.
func (p *Pipeline) processMessage(ctx context.Context, stats *runStats, raw source.Raw, current, total int, progress ProgressFunc) {
	stats.addProcessed()

	msg, err := mail.Normalize(raw)
	if err != nil {
		p.log.Errorw("normalization failed", "backend", raw.Backend, "err", err)
		stats.addFailed()
		return
	}

	localID, err := p.persister.Upsert(ctx, msg)
	if err != nil {
		p.log.Errorw("persistence failed", "id", msg.ProviderID, "err", err)
		stats.addFailed()
		return
	}

	stats.addAttachments(p.saveAttachments(ctx, localID, msg))
	stats.addStored()

	if progress != nil {
		progress(current, total, Progress{
			ID:          msg.ProviderID,
			Subject:     msg.Subject,
			FromAddress: msg.FromAddress,
		})
	}
	p.log.Debugw("stored", "id", msg.ProviderID, "subject", msg.Subject)
}

// saveAttachments writes attachment content through the file store and
// records each file. Attachment trouble never fails the message.
func (p *Pipeline) saveAttachments(ctx context.Context, localID int64, msg *mail.Message) int {
	if p.files == nil {
		return 0
	}
	saved := 0
	for _, att := range msg.Attachments {
		if len(att.Content) == 0 {
			continue
		}
		path, err := p.files.Save(localID, att)
		if err != nil {
			p.log.Warnw("attachment save failed", "email", localID, "file", att.Filename, "err", err)
			continue
		}
		if _, err := p.persister.InsertAttachment(ctx, localID, att.Filename, path); err != nil {
			p.log.Warnw("attachment record failed", "email", localID, "file", att.Filename, "err", err)
			continue
		}
		saved++
	}
	return saved
}

// ensureAuth runs the lazy, at-most-once-per-run authentication step.
func (p *Pipeline) ensureAuth(ctx context.Context, b backend) error {
	if b.creds == nil || b.creds.IsReady() {
		return nil
	}
	if err := b.creds.Authenticate(ctx); err != nil {
		var authErr *source.AuthError
		if errors.As(err, &authErr) {
			return err
		}
		return &source.AuthError{Backend: b.src.Kind(), Err: err}
	}
	return nil
}
