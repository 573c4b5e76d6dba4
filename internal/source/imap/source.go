package imap

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	_imap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"

	"github.com/alanredmond23-bit/gmail-intelligence-platform/internal/source"
)

// Body hydration over a single session connection is the bottleneck, so pages
// stay smaller than the API backend's.
const pageMax = 50

// Source fetches messages over an IMAP session. The protocol has no
// server-side continuation token, so FetchPage re-issues the UID SEARCH on
// every call and slices the ascending UID list at an offset carried in the
// token. That makes resumption best-effort: a mailbox that changes between
// pages can shift the slice. Callers that need strict resume semantics use
// the API backend.
//
// IMAP has no change-log either; FetchChanges and LatestCursor report
// ErrUnsupported instead of emulating a delta with a full scan.
type Source struct {
	addr     string
	username string
	password string
	mailbox  string
	log      *zap.SugaredLogger

	c *client.Client
}

// New builds an unconnected Source; Connect establishes the session.
func New(addr, username, password, mailbox string, log *zap.SugaredLogger) *Source {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Source{addr: addr, username: username, password: password, mailbox: mailbox, log: log}
}

func (s *Source) Kind() source.Kind { return source.KindIMAP }

func (s *Source) PageMax() int64 { return pageMax }

// Connected reports whether a logged-in session exists.
func (s *Source) Connected() bool { return s.c != nil }

// Connect dials the server over TLS, logs in and selects the mailbox
// read-only.
func (s *Source) Connect(ctx context.Context) error {
	c, err := client.DialTLS(s.addr, nil)
	if err != nil {
		return &source.AuthError{Backend: source.KindIMAP, Err: fmt.Errorf("dialing %s: %w", s.addr, err)}
	}
	if err := c.Login(s.username, s.password); err != nil {
		_ = c.Logout()
		return &source.AuthError{Backend: source.KindIMAP, Err: fmt.Errorf("login as %s: %w", s.username, err)}
	}
	if _, err := c.Select(s.mailbox, true); err != nil {
		_ = c.Logout()
		return &source.AuthError{Backend: source.KindIMAP, Err: fmt.Errorf("selecting %s: %w", s.mailbox, err)}
	}
	s.c = c
	s.log.Infow("imap session established", "addr", s.addr, "mailbox", s.mailbox)
	return nil
}

// Close logs out and drops the session.
func (s *Source) Close() error {
	if s.c == nil {
		return nil
	}
	err := s.c.Logout()
	s.c = nil
	return err
}

func (s *Source) FetchPage(ctx context.Context, nativeQuery string, pageSize int64, token string) (*source.Page, error) {
	if s.c == nil {
		return nil, &source.FetchError{Backend: source.KindIMAP, Err: fmt.Errorf("not connected")}
	}

	offset := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 {
			return nil, &source.FetchError{Backend: source.KindIMAP, Err: fmt.Errorf("bad continuation token %q", token)}
		}
		offset = n
	}

	criteria, err := parseSearch(nativeQuery)
	if err != nil {
		return nil, &source.FetchError{Backend: source.KindIMAP, Err: err}
	}

	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, &source.FetchError{Backend: source.KindIMAP, Err: fmt.Errorf("uid search: %w", err)}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	if offset >= len(uids) {
		return &source.Page{}, nil
	}
	end := offset + int(pageSize)
	if end > len(uids) {
		end = len(uids)
	}
	window := uids[offset:end]

	raws, err := s.fetchUIDs(ctx, window)
	if err != nil {
		return nil, err
	}

	page := &source.Page{Messages: raws}
	if end < len(uids) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

// fetchUIDs pulls full RFC822 bodies for the given UIDs, returning them in
// UID order regardless of the order the server streams them.
func (s *Source) fetchUIDs(ctx context.Context, uids []uint32) ([]source.Raw, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(_imap.SeqSet)
	seqset.AddNum(uids...)

	section := &_imap.BodySectionName{Peek: true}
	items := []_imap.FetchItem{section.FetchItem(), _imap.FetchFlags, _imap.FetchUid}

	ch := make(chan *_imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- s.c.UidFetch(seqset, items, ch)
	}()

	byUID := make(map[uint32]source.Raw, len(uids))
	for msg := range ch {
		r := msg.GetBody(section)
		if r == nil {
			continue
		}
		body, err := io.ReadAll(r)
		if err != nil {
			s.log.Warnw("reading message body", "uid", msg.Uid, "err", err)
			continue
		}
		flags := make([]string, len(msg.Flags))
		copy(flags, msg.Flags)
		byUID[msg.Uid] = source.Raw{
			Backend: source.KindIMAP,
			IMAP: &source.IMAPMessage{
				Mailbox: s.mailbox,
				UID:     msg.Uid,
				Flags:   flags,
				Body:    body,
			},
		}
	}

	if err := <-done; err != nil {
		return nil, &source.FetchError{Backend: source.KindIMAP, Err: fmt.Errorf("uid fetch: %w", err)}
	}
	if err := ctx.Err(); err != nil {
		return nil, &source.FetchError{Backend: source.KindIMAP, Err: err}
	}

	raws := make([]source.Raw, 0, len(byUID))
	for _, uid := range uids {
		if raw, ok := byUID[uid]; ok {
			raws = append(raws, raw)
		}
	}
	return raws, nil
}

// FetchOne resolves either provider ID form the normalizer produces: a bare
// Message-ID, or "mailbox/uid" for messages that had none.
func (s *Source) FetchOne(ctx context.Context, providerID string) (*source.Raw, error) {
	if s.c == nil {
		return nil, &source.FetchError{Backend: source.KindIMAP, Err: fmt.Errorf("not connected")}
	}

	var uids []uint32
	if mb, uid, ok := splitUIDProviderID(providerID); ok && mb == s.mailbox {
		uids = []uint32{uid}
	} else {
		criteria := _imap.NewSearchCriteria()
		criteria.Header.Add("Message-Id", providerID)
		found, err := s.c.UidSearch(criteria)
		if err != nil {
			return nil, &source.FetchError{Backend: source.KindIMAP, Err: fmt.Errorf("uid search: %w", err)}
		}
		uids = found
	}

	if len(uids) == 0 {
		return nil, nil
	}

	raws, err := s.fetchUIDs(ctx, uids[:1])
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, nil
	}
	return &raws[0], nil
}

func (s *Source) FetchChanges(ctx context.Context, cursorToken string) ([]source.Raw, string, error) {
	return nil, "", source.ErrUnsupported
}

func (s *Source) LatestCursor(ctx context.Context) (string, error) {
	return "", source.ErrUnsupported
}

func splitUIDProviderID(id string) (mailbox string, uid uint32, ok bool) {
	i := strings.LastIndex(id, "/")
	if i <= 0 || i == len(id)-1 {
		return "", 0, false
	}
	n, err := strconv.ParseUint(id[i+1:], 10, 32)
	if err != nil {
		return "", 0, false
	}
	return id[:i], uint32(n), true
}

// parseSearch converts the translated native query (pairs of KEY "value",
// or ALL) into go-imap search criteria. Keys outside the canonical field set
// become header criteria of the same name, so unmapped predicates still
// filter instead of being dropped.
func parseSearch(q string) (*_imap.SearchCriteria, error) {
	criteria := _imap.NewSearchCriteria()

	tokens, err := tokenize(q)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 || (len(tokens) == 1 && strings.EqualFold(tokens[0], "ALL")) {
		return criteria, nil
	}
	if len(tokens)%2 != 0 {
		return nil, fmt.Errorf("unbalanced search query %q", q)
	}

	for i := 0; i < len(tokens); i += 2 {
		key, value := tokens[i], tokens[i+1]
		switch strings.ToUpper(key) {
		case "FROM":
			criteria.Header.Add("From", value)
		case "TO":
			criteria.Header.Add("To", value)
		case "CC":
			criteria.Header.Add("Cc", value)
		case "BCC":
			criteria.Header.Add("Bcc", value)
		case "SUBJECT":
			criteria.Header.Add("Subject", value)
		default:
			criteria.Header.Add(key, value)
		}
	}
	return criteria, nil
}

// tokenize splits a search query into words, honoring double-quoted strings.
func tokenize(q string) ([]string, error) {
	var tokens []string
	for rest := strings.TrimSpace(q); rest != ""; rest = strings.TrimSpace(rest) {
		if rest[0] == '"' {
			end := -1
			for i := 1; i < len(rest); i++ {
				if rest[i] == '\\' {
					i++
					continue
				}
				if rest[i] == '"' {
					end = i
					break
				}
			}
			if end < 0 {
				return nil, fmt.Errorf("unterminated quote in %q", q)
			}
			tok, err := strconv.Unquote(rest[:end+1])
			if err != nil {
				return nil, fmt.Errorf("bad quoted token in %q: %w", q, err)
			}
			tokens = append(tokens, tok)
			rest = rest[end+1:]
			continue
		}
		i := strings.IndexAny(rest, " \t")
		if i < 0 {
			tokens = append(tokens, rest)
			break
		}
		tokens = append(tokens, rest[:i])
		rest = rest[i:]
	}
	return tokens, nil
}
