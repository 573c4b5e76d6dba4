package mail

import (
	"time"

	"github.com/alanredmond23-bit/gmail-intelligence-platform/internal/source"
)

// NoSubject is the sentinel used when a message carries no Subject header.
const NoSubject = "(no subject)"

// Message is the canonical record produced by normalization, independent of
// which backend the raw message came from. ProviderID is the idempotency key
// for persistence and is immutable once assigned.
type Message struct {
	ProviderID  string
	Backend     source.Kind
	ThreadID    string
	FromAddress string
	FromName    string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	SentAt      time.Time
	// SentAtRaw keeps the original date header when it could not be parsed.
	SentAtRaw   string
	BodyText    string
	BodyHTML    string
	Labels      []string
	SizeBytes   int64
	Attachments []Attachment
}

// Attachment is an extracted attachment part. Content is held in memory until
// the file store writes it out; it may be empty when the backend reported the
// part without inlining its bytes.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
}

// Entity is a downstream-analysis annotation persisted alongside a message.
// The extraction pipeline never produces entities itself.
type Entity struct {
	Type       string
	Value      string
	Confidence float64
}
