package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanredmond23-bit/gmail-intelligence-platform/internal/mail"
	"github.com/alanredmond23-bit/gmail-intelligence-platform/internal/source"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(providerID string) *mail.Message {
	return &mail.Message{
		ProviderID:  providerID,
		Backend:     source.KindGmailAPI,
		ThreadID:    "t1",
		FromAddress: "alice@example.com",
		FromName:    "Alice",
		To:          []string{"bob@example.com"},
		Subject:     "hello",
		SentAt:      time.Unix(1700000000, 0),
		BodyText:    "body",
		Labels:      []string{"INBOX"},
		SizeBytes:   512,
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, err := s.Upsert(ctx, testMessage("p-1"))
	require.NoError(t, err)
	assert.Greater(t, first, int64(0))

	msg := testMessage("p-1")
	msg.Subject = "hello (edited)"
	second, err := s.Upsert(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, first, second, "replays keep the local row id stable")

	n, err := s.CountEmails(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestUpsertEnqueuesEventOnFirstInsertOnly(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, testMessage("p-1"))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, testMessage("p-1"))
	require.NoError(t, err)

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "mail.stored.GMAIL_API", pending[0].Subject)
	assert.Equal(t, "mail.stored|GMAIL_API|p-1", pending[0].MsgID)
	assert.Contains(t, string(pending[0].Payload), `"provider_id":"p-1"`)
}

func TestOutboxPublishAndRetry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, testMessage("p-1"))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, testMessage("p-2"))
	require.NoError(t, err)

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, s.MarkPublished(ctx, pending[0].ID))
	require.NoError(t, s.MarkOutboxRetry(ctx, pending[1].ID, time.Hour))

	// Published and retry-scheduled rows are both off the queue for now.
	remaining, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	require.NoError(t, s.MarkOutboxRetry(ctx, pending[1].ID, -time.Second))
	due, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, pending[1].ID, due[0].ID)
}

func TestCursorRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cursor, err := s.LoadCursor(ctx, source.KindGmailAPI)
	require.NoError(t, err)
	assert.Empty(t, cursor, "no cursor before the first sync")

	require.NoError(t, s.SaveCursor(ctx, source.KindGmailAPI, "12345"))
	require.NoError(t, s.SaveCursor(ctx, source.KindGmailAPI, "12399"))

	cursor, err = s.LoadCursor(ctx, source.KindGmailAPI)
	require.NoError(t, err)
	assert.Equal(t, "12399", cursor)

	// Backends keep independent cursors.
	other, err := s.LoadCursor(ctx, source.KindIMAP)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestInsertAttachmentAndEntities(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	localID, err := s.Upsert(ctx, testMessage("p-1"))
	require.NoError(t, err)

	attID, err := s.InsertAttachment(ctx, localID, "report.pdf", "/tmp/report.pdf")
	require.NoError(t, err)
	assert.Greater(t, attID, int64(0))

	err = s.InsertEntities(ctx, localID, []mail.Entity{
		{Type: "person", Value: "Alice", Confidence: 0.9},
		{Type: "org", Value: "Acme", Confidence: 0.7},
	})
	require.NoError(t, err)

	require.NoError(t, s.InsertEntities(ctx, localID, nil))
}

func TestFileStoreSave(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	att := mail.Attachment{Filename: "notes.txt", Content: []byte("hello world")}
	path, err := fs.Save(7, att)
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))
	assert.Contains(t, path, "email_7")
	assert.Equal(t, "notes.txt", filepath.Base(path))

	// Re-saving identical content returns the same path without error.
	again, err := fs.Save(7, att)
	require.NoError(t, err)
	assert.Equal(t, path, again)

	// Changed content replaces the file.
	att.Content = []byte("updated")
	_, err = fs.Save(7, att)
	require.NoError(t, err)
	content, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "updated", string(content))
}

func TestFileStoreRejectsNamelessAttachment(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Save(1, mail.Attachment{Content: []byte("x")})
	require.Error(t, err)
}
