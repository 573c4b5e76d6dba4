package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alanredmond23-bit/gmail-intelligence-platform/internal/mail"
)

// FileStore writes attachment bytes to disk, organized by month and owning
// email: <root>/YYYY/MM/email_<id>/<filename>. A file whose content already
// matches (by SHA-256) is not rewritten, so replays are cheap.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating attachment root: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Save writes the attachment and returns its path.
func (f *FileStore) Save(localID int64, att mail.Attachment) (string, error) {
	if att.Filename == "" {
		return "", fmt.Errorf("attachment has no filename")
	}
	now := time.Now()
	dir := filepath.Join(f.root,
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("email_%d", localID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating attachment directory: %w", err)
	}

	path := filepath.Join(dir, filepath.Base(att.Filename))

	if existing, err := os.ReadFile(path); err == nil {
		if hashBytes(existing) == hashBytes(att.Content) && bytes.Equal(existing, att.Content) {
			return path, nil
		}
	}

	if err := os.WriteFile(path, att.Content, 0o644); err != nil {
		return "", fmt.Errorf("writing attachment %s: %w", att.Filename, err)
	}
	return path, nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
