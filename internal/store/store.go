package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/alanredmond23-bit/gmail-intelligence-platform/internal/mail"
	"github.com/alanredmond23-bit/gmail-intelligence-platform/internal/source"
)

//go:embed schema.sql
var schemaSQL string

const storedEventType = "mail.stored"

// Store persists canonical messages in SQLite and keeps the outbox and sync
// cursor state alongside them. Upsert is idempotent keyed on provider_id.
type Store struct {
	db *sqlx.DB
}

// OutboxMessage is one undelivered stored-mail event.
type OutboxMessage struct {
	ID      int64  `db:"id"`
	Subject string `db:"subject"`
	Payload []byte `db:"payload"`
	MsgID   string `db:"msg_id"`
}

// Open opens or creates the database at dbPath with WAL journaling and
// applies the schema.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Upsert inserts or refreshes the message keyed on its provider ID and
// returns the stable local row ID. A stored-mail event is enqueued in the
// same transaction on first insert only; replays leave the outbox alone.
func (s *Store) Upsert(ctx context.Context, msg *mail.Message) (int64, error) {
	var sentAt int64
	if !msg.SentAt.IsZero() {
		sentAt = msg.SentAt.Unix()
	}
	now := time.Now().Unix()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	fresh := false
	err = tx.GetContext(ctx, &existing, `SELECT id FROM emails WHERE provider_id = ?`, msg.ProviderID)
	if err == sql.ErrNoRows {
		fresh = true
	} else if err != nil {
		return 0, fmt.Errorf("checking existing message: %w", err)
	}

	var id int64
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO emails
		(provider_id, backend, thread_id, from_address, from_name, to_addrs, cc_addrs, bcc_addrs,
		 subject, sent_at, sent_at_raw, body_text, body_html, labels, size_bytes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_id) DO UPDATE SET
			thread_id    = excluded.thread_id,
			from_address = excluded.from_address,
			from_name    = excluded.from_name,
			to_addrs     = excluded.to_addrs,
			cc_addrs     = excluded.cc_addrs,
			bcc_addrs    = excluded.bcc_addrs,
			subject      = excluded.subject,
			sent_at      = excluded.sent_at,
			sent_at_raw  = excluded.sent_at_raw,
			body_text    = excluded.body_text,
			body_html    = excluded.body_html,
			labels       = excluded.labels,
			size_bytes   = excluded.size_bytes,
			updated_at   = excluded.updated_at
		RETURNING id
	`, msg.ProviderID, string(msg.Backend), msg.ThreadID, msg.FromAddress, msg.FromName,
		jsonList(msg.To), jsonList(msg.Cc), jsonList(msg.Bcc), msg.Subject, sentAt, msg.SentAtRaw,
		msg.BodyText, msg.BodyHTML, jsonList(msg.Labels), msg.SizeBytes, now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upserting message %s: %w", msg.ProviderID, err)
	}

	if fresh {
		if err := enqueueStoredEvent(ctx, tx, id, msg); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing upsert: %w", err)
	}
	return id, nil
}

func enqueueStoredEvent(ctx context.Context, tx *sqlx.Tx, localID int64, msg *mail.Message) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"event_id":    uuid.NewString(),
		"email_id":    localID,
		"provider_id": msg.ProviderID,
		"backend":     msg.Backend,
		"subject":     msg.Subject,
		"from":        msg.FromAddress,
		"sent_at":     msg.SentAt.Unix(),
		"stored_at":   time.Now().Unix(),
	})
	natsSubject := fmt.Sprintf("mail.stored.%s", msg.Backend)
	msgID := fmt.Sprintf("%s|%s|%s", storedEventType, msg.Backend, msg.ProviderID)
	now := time.Now().Unix()

	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, natsSubject, storedEventType, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("enqueuing stored event: %w", err)
	}
	return nil
}

// InsertAttachment records a saved attachment file for an email.
func (s *Store) InsertAttachment(ctx context.Context, localID int64, filename, path string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (email_id, filename, file_path, created_at)
		VALUES (?, ?, ?, ?)
	`, localID, filename, path, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("inserting attachment %s: %w", filename, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading attachment id: %w", err)
	}
	return id, nil
}

// InsertEntities records downstream-analysis annotations for an email.
func (s *Store) InsertEntities(ctx context.Context, localID int64, entities []mail.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, e := range entities {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entities (email_id, type, value, confidence, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, localID, e.Type, e.Value, e.Confidence, now); err != nil {
			return fmt.Errorf("inserting entity: %w", err)
		}
	}
	return tx.Commit()
}

// LoadCursor returns the saved change-log token for a backend, empty when
// none has been established.
func (s *Store) LoadCursor(ctx context.Context, backend source.Kind) (string, error) {
	var cursor string
	err := s.db.GetContext(ctx, &cursor, `SELECT cursor FROM sync_state WHERE backend = ?`, string(backend))
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading cursor: %w", err)
	}
	return cursor, nil
}

// SaveCursor stores the change-log token for a backend.
func (s *Store) SaveCursor(ctx context.Context, backend source.Kind, cursor string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (backend, cursor, last_synced_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(backend) DO UPDATE SET
			cursor         = excluded.cursor,
			last_synced_at = excluded.last_synced_at,
			updated_at     = excluded.updated_at
	`, string(backend), cursor, now, now)
	if err != nil {
		return fmt.Errorf("saving cursor: %w", err)
	}
	return nil
}

// DequeueOutbox fetches undelivered events whose next attempt is due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var messages []OutboxMessage
	err := s.db.SelectContext(ctx, &messages, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	return messages, nil
}

// MarkPublished marks an outbox event as delivered.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("marking published: %w", err)
	}
	return nil
}

// MarkOutboxRetry schedules a failed delivery for another attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("marking retry: %w", err)
	}
	return nil
}

// CountEmails returns the number of stored messages.
func (s *Store) CountEmails(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM emails`); err != nil {
		return 0, fmt.Errorf("counting emails: %w", err)
	}
	return n, nil
}

func jsonList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}
