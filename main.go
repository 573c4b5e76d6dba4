package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/alanredmond23-bit/gmail-intelligence-platform/internal/auth"
	"github.com/alanredmond23-bit/gmail-intelligence-platform/internal/config"
	"github.com/alanredmond23-bit/gmail-intelligence-platform/internal/events"
	"github.com/alanredmond23-bit/gmail-intelligence-platform/internal/pipeline"
	"github.com/alanredmond23-bit/gmail-intelligence-platform/internal/source"
	"github.com/alanredmond23-bit/gmail-intelligence-platform/internal/source/gmailapi"
	imapsrc "github.com/alanredmond23-bit/gmail-intelligence-platform/internal/source/imap"
	"github.com/alanredmond23-bit/gmail-intelligence-platform/internal/store"
)

func main() {
	zl, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer zl.Sync()
	log := zl.Sugar()

	configPath := os.Getenv("GMAILINTEL_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalw("loading config", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalw("opening store", "err", err)
	}
	defer st.Close()

	files, err := store.NewFileStore(cfg.AttachmentDir)
	if err != nil {
		log.Fatalw("opening attachment store", "err", err)
	}

	pipe := pipeline.New(st,
		pipeline.WithLogger(log),
		pipeline.WithAttachmentStore(files),
	)

	backend := source.Kind(cfg.Backend)
	switch backend {
	case source.KindGmailAPI:
		ts, err := auth.GmailTokenSource(ctx, cfg.Gmail.CredentialsPath, cfg.Gmail.TokenPath)
		if err != nil {
			log.Fatalw("building gmail token source", "err", err)
		}
		creds := auth.NewGmailCredentials(ts)
		src, err := gmailapi.New(ctx, ts, cfg.Gmail.User, log)
		if err != nil {
			log.Fatalw("building gmail source", "err", err)
		}
		pipe.Register(src, creds)
	case source.KindIMAP:
		src := imapsrc.New(cfg.IMAP.Addr, cfg.IMAP.Username, cfg.IMAP.Password, cfg.IMAP.Mailbox, log)
		defer src.Close()
		pipe.Register(src, auth.NewIMAPCredentials(src))
	default:
		log.Fatalw("unknown backend", "backend", cfg.Backend)
	}

	if cfg.NATSURL != "" {
		pub, err := events.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.Fatalw("connecting to NATS", "err", err)
		}
		defer pub.Close()
		if err := pub.EnsureStream(); err != nil {
			log.Fatalw("ensuring event stream", "err", err)
		}
		go events.NewDispatcher(st, pub, log).Run(ctx)
	}

	if err := run(ctx, log, cfg, pipe, st, backend); err != nil {
		log.Fatalw("extraction failed", "err", err)
	}
}

// run executes one extraction: incremental from the saved cursor when one
// exists, otherwise a full extraction that seeds the cursor. A stale cursor
// falls back to a fresh full extraction, per the cursor lifecycle.
func run(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config, pipe *pipeline.Pipeline, st *store.Store, backend source.Kind) error {
	token, err := st.LoadCursor(ctx, backend)
	if err != nil {
		return err
	}

	if token != "" {
		summary, next, err := pipe.ExtractIncremental(ctx, pipeline.SyncCursor{Backend: backend, Token: token})
		var stale *source.StaleCursorError
		switch {
		case err == nil:
			logSummary(log, "incremental run", summary)
			return st.SaveCursor(ctx, backend, next.Token)
		case errors.As(err, &stale):
			log.Warnw("cursor stale, falling back to full extraction", "backend", backend)
		case errors.Is(err, source.ErrUnsupported):
			log.Warnw("backend has no change log, running full extraction", "backend", backend)
		default:
			logSummary(log, "incremental run (failed)", summary)
			return err
		}
	}

	query := make(source.Query, 0, len(cfg.Extract.Query))
	for _, p := range cfg.Extract.Query {
		query = append(query, source.Predicate{Field: source.Field(p.Field), Value: p.Value})
	}

	progress := func(current, total int, msg pipeline.Progress) {
		log.Infow("processed", "current", current, "total", total, "subject", msg.Subject, "from", msg.FromAddress)
	}

	summary, err := pipe.ExtractAll(ctx, query, cfg.Extract.MaxResults, backend, progress)
	logSummary(log, "full run", summary)
	if err != nil {
		return err
	}

	cursor, err := pipe.CurrentCursor(ctx, backend)
	if err != nil {
		if errors.Is(err, source.ErrUnsupported) {
			return nil
		}
		return err
	}
	return st.SaveCursor(ctx, backend, cursor.Token)
}

func logSummary(log *zap.SugaredLogger, label string, s pipeline.RunSummary) {
	log.Infow(label,
		"processed", s.Processed,
		"stored", s.Stored,
		"failed", s.Failed,
		"attachments", s.AttachmentsSaved,
		"duration", s.Duration,
		"rate", s.MessagesPerSecond,
	)
}
