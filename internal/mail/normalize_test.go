package mail

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"

	"github.com/alanredmond23-bit/gmail-intelligence-platform/internal/source"
)

func b64(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func gmailRaw(m *gmail.Message) source.Raw {
	return source.Raw{Backend: source.KindGmailAPI, Gmail: m}
}

func TestNormalizeGmailFullMessage(t *testing.T) {
	m := &gmail.Message{
		Id:           "msg-1",
		ThreadId:     "thread-1",
		InternalDate: 1700000000000,
		SizeEstimate: 2048,
		LabelIds:     []string{"INBOX", "IMPORTANT"},
		Payload: &gmail.MessagePart{
			MimeType: "multipart/alternative",
			Headers: []*gmail.MessagePartHeader{
				{Name: "From", Value: "Alice Smith <alice@example.com>"},
				{Name: "To", Value: "bob@example.com, Carol <carol@example.com>"},
				{Name: "Cc", Value: "dan@example.com"},
				{Name: "Subject", Value: "Quarterly review"},
			},
			Parts: []*gmail.MessagePart{
				{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("plain body")}},
				{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64("<p>html body</p>")}},
			},
		},
	}

	msg, err := Normalize(gmailRaw(m))
	require.NoError(t, err)

	assert.Equal(t, "msg-1", msg.ProviderID)
	assert.Equal(t, source.KindGmailAPI, msg.Backend)
	assert.Equal(t, "thread-1", msg.ThreadID)
	assert.Equal(t, "alice@example.com", msg.FromAddress)
	assert.Equal(t, "Alice Smith", msg.FromName)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, msg.To)
	assert.Equal(t, []string{"dan@example.com"}, msg.Cc)
	assert.Empty(t, msg.Bcc)
	assert.Equal(t, "Quarterly review", msg.Subject)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), msg.SentAt)
	assert.Equal(t, "plain body", msg.BodyText)
	assert.Equal(t, "<p>html body</p>", msg.BodyHTML)
	assert.Equal(t, []string{"INBOX", "IMPORTANT"}, msg.Labels)
	assert.EqualValues(t, 2048, msg.SizeBytes)
}

func TestNormalizeGmailFirstBodyPartWins(t *testing.T) {
	m := &gmail.Message{
		Id: "msg-2",
		Payload: &gmail.MessagePart{
			Parts: []*gmail.MessagePart{
				{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("first text")}},
				{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("quoted alternative")}},
				{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64("<p>first html</p>")}},
				{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64("<p>second html</p>")}},
			},
		},
	}

	msg, err := Normalize(gmailRaw(m))
	require.NoError(t, err)
	assert.Equal(t, "first text", msg.BodyText)
	assert.Equal(t, "<p>first html</p>", msg.BodyHTML)
}

func TestNormalizeGmailDefaults(t *testing.T) {
	msg, err := Normalize(gmailRaw(&gmail.Message{Id: "bare"}))
	require.NoError(t, err)

	assert.Equal(t, "bare", msg.ProviderID)
	assert.Equal(t, NoSubject, msg.Subject)
	assert.True(t, msg.SentAt.IsZero())
	assert.Empty(t, msg.BodyText)
	assert.Empty(t, msg.To)
}

func TestNormalizeGmailUnparsableDateRetained(t *testing.T) {
	m := &gmail.Message{
		Id: "msg-3",
		Payload: &gmail.MessagePart{
			Headers: []*gmail.MessagePartHeader{
				{Name: "Date", Value: "sometime last tuesday"},
			},
		},
	}

	msg, err := Normalize(gmailRaw(m))
	require.NoError(t, err)
	assert.True(t, msg.SentAt.IsZero())
	assert.Equal(t, "sometime last tuesday", msg.SentAtRaw)
}

func TestNormalizeGmailMissingIDIsMalformed(t *testing.T) {
	_, err := Normalize(gmailRaw(&gmail.Message{}))
	var malformed *source.MalformedMessageError
	require.ErrorAs(t, err, &malformed)
}

func TestNormalizeGmailAttachment(t *testing.T) {
	m := &gmail.Message{
		Id: "msg-4",
		Payload: &gmail.MessagePart{
			Parts: []*gmail.MessagePart{
				{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("body")}},
				{
					MimeType: "application/pdf",
					Filename: "contract.pdf",
					Body:     &gmail.MessagePartBody{Data: b64("pdf-bytes")},
				},
			},
		},
	}

	msg, err := Normalize(gmailRaw(m))
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "contract.pdf", msg.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", msg.Attachments[0].ContentType)
	assert.Equal(t, []byte("pdf-bytes"), msg.Attachments[0].Content)
}

const imapFixture = "Message-Id: <abc123@example.com>\r\n" +
	"From: Alice Smith <alice@example.com>\r\n" +
	"To: bob@example.com, Carol <carol@example.com>\r\n" +
	"Subject: Hello there\r\n" +
	"Date: Mon, 02 Jan 2023 15:04:05 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"first plain part\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"second plain part\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html\r\n" +
	"\r\n" +
	"<p>html part</p>\r\n" +
	"--b1\r\n" +
	"Content-Type: application/octet-stream\r\n" +
	"Content-Disposition: attachment; filename=\"notes.txt\"\r\n" +
	"\r\n" +
	"attached bytes\r\n" +
	"--b1--\r\n"

func imapRaw(body string, uid uint32) source.Raw {
	return source.Raw{
		Backend: source.KindIMAP,
		IMAP: &source.IMAPMessage{
			Mailbox: "INBOX",
			UID:     uid,
			Flags:   []string{"\\Seen"},
			Body:    []byte(body),
		},
	}
}

func TestNormalizeIMAPFullMessage(t *testing.T) {
	msg, err := Normalize(imapRaw(imapFixture, 42))
	require.NoError(t, err)

	assert.Equal(t, "abc123@example.com", msg.ProviderID)
	assert.Equal(t, source.KindIMAP, msg.Backend)
	assert.Equal(t, "alice@example.com", msg.FromAddress)
	assert.Equal(t, "Alice Smith", msg.FromName)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, msg.To)
	assert.Equal(t, "Hello there", msg.Subject)
	assert.Equal(t, 2023, msg.SentAt.Year())
	assert.Equal(t, "first plain part", strings.TrimRight(msg.BodyText, "\r\n"))
	assert.Equal(t, "<p>html part</p>", strings.TrimRight(msg.BodyHTML, "\r\n"))
	assert.Contains(t, msg.Labels, "INBOX")
	assert.Contains(t, msg.Labels, "\\Seen")
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "notes.txt", msg.Attachments[0].Filename)
	assert.Equal(t, "attached bytes", strings.TrimRight(string(msg.Attachments[0].Content), "\r\n"))
	assert.EqualValues(t, len(imapFixture), msg.SizeBytes)
}

func TestNormalizeIMAPWithoutMessageIDUsesUID(t *testing.T) {
	body := "From: x@y.com\r\nSubject: no id\r\n\r\nbody\r\n"
	msg, err := Normalize(imapRaw(body, 7))
	require.NoError(t, err)
	assert.Equal(t, "INBOX/7", msg.ProviderID)
}

func TestNormalizeIMAPNoIdentifierIsMalformed(t *testing.T) {
	body := "From: x@y.com\r\n\r\nbody\r\n"
	_, err := Normalize(imapRaw(body, 0))
	var malformed *source.MalformedMessageError
	require.ErrorAs(t, err, &malformed)
}

func TestNormalizeMissingPayloadIsMalformed(t *testing.T) {
	_, err := Normalize(source.Raw{Backend: source.KindGmailAPI})
	var malformed *source.MalformedMessageError
	require.ErrorAs(t, err, &malformed)

	_, err = Normalize(source.Raw{Backend: source.KindIMAP})
	require.ErrorAs(t, err, &malformed)
}

// Re-normalizing the same raw input must always yield the same non-empty
// provider ID.
func TestProperty_NormalizationDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("gmail_provider_id_deterministic", prop.ForAll(
		func(id, subject, from string) bool {
			if id == "" {
				return true
			}
			m := &gmail.Message{
				Id: id,
				Payload: &gmail.MessagePart{
					Headers: []*gmail.MessagePartHeader{
						{Name: "Subject", Value: subject},
						{Name: "From", Value: from},
					},
				},
			}
			first, err1 := Normalize(gmailRaw(m))
			second, err2 := Normalize(gmailRaw(m))
			if err1 != nil || err2 != nil {
				return false
			}
			return first.ProviderID != "" && first.ProviderID == second.ProviderID
		},
		gen.Identifier(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("imap_provider_id_deterministic", prop.ForAll(
		func(uid uint32, subject string) bool {
			if uid == 0 {
				return true
			}
			raw := imapRaw("Subject: "+subject+"\r\n\r\nbody\r\n", uid)
			first, err1 := Normalize(raw)
			second, err2 := Normalize(raw)
			if err1 != nil || err2 != nil {
				return false
			}
			return first.ProviderID != "" && first.ProviderID == second.ProviderID
		},
		gen.UInt32(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
