package mail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	netmail "net/mail"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"google.golang.org/api/gmail/v1"

	"github.com/alanredmond23-bit/gmail-intelligence-platform/internal/source"
)

// Normalize converts a provider-native raw message into the canonical record.
// It fails only when the raw message lacks a stable provider identifier; every
// other missing field degrades to a default, since partial data is better than
// a dropped message.
//
// Normalization is deterministic: the same raw input always yields the same
// ProviderID.
func Normalize(raw source.Raw) (*Message, error) {
	switch raw.Backend {
	case source.KindGmailAPI:
		if raw.Gmail == nil {
			return nil, &source.MalformedMessageError{Backend: raw.Backend, Reason: "missing gmail payload"}
		}
		return normalizeGmail(raw.Gmail)
	case source.KindIMAP:
		if raw.IMAP == nil {
			return nil, &source.MalformedMessageError{Backend: raw.Backend, Reason: "missing imap payload"}
		}
		return normalizeIMAP(raw.IMAP)
	default:
		return nil, &source.MalformedMessageError{Backend: raw.Backend, Reason: "unknown backend"}
	}
}

func normalizeGmail(m *gmail.Message) (*Message, error) {
	if m.Id == "" {
		return nil, &source.MalformedMessageError{Backend: source.KindGmailAPI, Reason: "empty message id"}
	}

	msg := &Message{
		ProviderID: m.Id,
		Backend:    source.KindGmailAPI,
		ThreadID:   m.ThreadId,
		Subject:    NoSubject,
		Labels:     m.LabelIds,
		SizeBytes:  m.SizeEstimate,
	}

	headers := map[string]string{}
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			headers[strings.ToLower(h.Name)] = h.Value
		}
	}

	if s := headers["subject"]; s != "" {
		msg.Subject = s
	}
	msg.FromAddress, msg.FromName = parseAddress(headers["from"])
	msg.To = parseAddressList(headers["to"])
	msg.Cc = parseAddressList(headers["cc"])
	msg.Bcc = parseAddressList(headers["bcc"])

	switch {
	case m.InternalDate > 0:
		msg.SentAt = time.UnixMilli(m.InternalDate).UTC()
	case headers["date"] != "":
		if t, err := netmail.ParseDate(headers["date"]); err == nil {
			msg.SentAt = t.UTC()
		} else {
			msg.SentAtRaw = headers["date"]
		}
	}

	if m.Payload != nil {
		walkGmailParts(m.Payload, msg)
	}

	return msg, nil
}

// walkGmailParts collects the first text/plain and first text/html bodies and
// any attachment parts from the (possibly nested) MIME tree.
func walkGmailParts(p *gmail.MessagePart, msg *Message) {
	if p.Filename != "" {
		att := Attachment{
			Filename:    p.Filename,
			ContentType: p.MimeType,
		}
		if p.Body != nil {
			att.Size = p.Body.Size
			if p.Body.Data != "" {
				if data, err := decodeGmailBody(p.Body.Data); err == nil {
					att.Content = data
					att.Size = int64(len(data))
				}
			}
		}
		msg.Attachments = append(msg.Attachments, att)
	} else if p.Body != nil && p.Body.Data != "" {
		if data, err := decodeGmailBody(p.Body.Data); err == nil {
			mt := strings.ToLower(p.MimeType)
			switch {
			case strings.HasPrefix(mt, "text/plain") && msg.BodyText == "":
				msg.BodyText = string(data)
			case strings.HasPrefix(mt, "text/html") && msg.BodyHTML == "":
				msg.BodyHTML = string(data)
			}
		}
	}

	for _, child := range p.Parts {
		walkGmailParts(child, msg)
	}
}

func normalizeIMAP(m *source.IMAPMessage) (*Message, error) {
	msg := &Message{
		Backend:   source.KindIMAP,
		Subject:   NoSubject,
		SizeBytes: int64(len(m.Body)),
	}
	if m.Mailbox != "" {
		msg.Labels = append(msg.Labels, m.Mailbox)
	}
	msg.Labels = append(msg.Labels, m.Flags...)

	mr, err := gomail.CreateReader(bytes.NewReader(m.Body))
	if err != nil || mr == nil {
		// Headers unusable; the UID still identifies the message.
		if m.UID == 0 {
			return nil, &source.MalformedMessageError{Backend: source.KindIMAP, Reason: "unparsable message with no uid"}
		}
		msg.ProviderID = imapUIDProviderID(m.Mailbox, m.UID)
		return msg, nil
	}

	h := mr.Header

	if id := strings.Trim(h.Get("Message-Id"), "<> "); id != "" {
		msg.ProviderID = id
	} else if m.UID != 0 {
		msg.ProviderID = imapUIDProviderID(m.Mailbox, m.UID)
	} else {
		return nil, &source.MalformedMessageError{Backend: source.KindIMAP, Reason: "no message-id and no uid"}
	}

	if s, err := h.Subject(); err == nil && s != "" {
		msg.Subject = s
	} else if s := h.Get("Subject"); s != "" {
		msg.Subject = s
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.FromAddress = from[0].Address
		msg.FromName = from[0].Name
	} else {
		msg.FromAddress, msg.FromName = parseAddress(h.Get("From"))
	}
	msg.To = imapAddressList(h, "To")
	msg.Cc = imapAddressList(h, "Cc")
	msg.Bcc = imapAddressList(h, "Bcc")

	if t, err := h.Date(); err == nil {
		msg.SentAt = t.UTC()
	} else {
		msg.SentAtRaw = h.Get("Date")
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Leave already-collected parts in place.
			break
		}

		switch ph := p.Header.(type) {
		case *gomail.InlineHeader:
			ct, _, _ := ph.ContentType()
			body, err := io.ReadAll(p.Body)
			if err != nil {
				continue
			}
			switch {
			case ct == "text/plain" && msg.BodyText == "":
				msg.BodyText = string(body)
			case ct == "text/html" && msg.BodyHTML == "":
				msg.BodyHTML = string(body)
			}
		case *gomail.AttachmentHeader:
			filename, _ := ph.Filename()
			if filename == "" {
				continue
			}
			ct, _, _ := ph.ContentType()
			content, err := io.ReadAll(p.Body)
			if err != nil {
				continue
			}
			msg.Attachments = append(msg.Attachments, Attachment{
				Filename:    filename,
				ContentType: ct,
				Size:        int64(len(content)),
				Content:     content,
			})
		}
	}

	return msg, nil
}

func imapUIDProviderID(mailbox string, uid uint32) string {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	return fmt.Sprintf("%s/%d", mailbox, uid)
}

func imapAddressList(h gomail.Header, key string) []string {
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return parseAddressList(h.Get(key))
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}

// parseAddress splits "Name <addr>" into its address and display name,
// keeping the raw string as the address when it does not parse.
func parseAddress(s string) (address, name string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	if a, err := netmail.ParseAddress(s); err == nil {
		return a.Address, a.Name
	}
	return s, ""
}

func parseAddressList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if list, err := netmail.ParseAddressList(s); err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, a.Address)
		}
		return out
	}
	// Comma-split fallback for headers that are not RFC 5322 clean.
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// decodeGmailBody decodes the Gmail API's base64url body encoding, which is
// sometimes padded and sometimes not.
func decodeGmailBody(data string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(data)
}
