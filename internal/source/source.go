package source

import (
	"context"

	"google.golang.org/api/gmail/v1"
)

// Kind identifies a mail backend.
type Kind string

const (
	KindGmailAPI Kind = "GMAIL_API"
	KindIMAP     Kind = "IMAP"
)

// Raw is a provider-native message representation. Exactly one of the
// backend-specific fields is set, matching Backend.
type Raw struct {
	Backend Kind
	Gmail   *gmail.Message
	IMAP    *IMAPMessage
}

// IMAPMessage carries what a session fetch returns for one message: the
// mailbox and UID that located it, its flags, and the full RFC822 bytes.
type IMAPMessage struct {
	Mailbox string
	UID     uint32
	Flags   []string
	Body    []byte
}

// Page is one fetch result. NextToken is the opaque continuation token for
// the following page, empty when the backend has nothing more to return.
type Page struct {
	Messages  []Raw
	NextToken string
}

// Source is the capability interface both backends implement.
//
// FetchPage must return the same messages for the same token where the
// backend can guarantee it; implementations that cannot (stateful session
// protocols with no server-side token) document their best-effort semantics.
//
// FetchChanges is the change-log capability. Backends without one return
// ErrUnsupported rather than emulating it with a full scan.
type Source interface {
	Kind() Kind

	// FetchPage fetches up to pageSize messages matching the native query,
	// starting at the given continuation token ("" for the first page).
	FetchPage(ctx context.Context, nativeQuery string, pageSize int64, token string) (*Page, error)

	// FetchOne fetches a single message by provider ID. Returns (nil, nil)
	// when the backend has no such message.
	FetchOne(ctx context.Context, providerID string) (*Raw, error)

	// FetchChanges returns messages added since the cursor token, plus the
	// advanced token. An expired or unrecognized token yields *StaleCursorError.
	FetchChanges(ctx context.Context, cursorToken string) ([]Raw, string, error)

	// LatestCursor returns the backend's current change-log position, used to
	// seed incremental mode after a full extraction.
	LatestCursor(ctx context.Context) (string, error)

	// PageMax is the largest page the backend will serve per fetch.
	PageMax() int64
}
