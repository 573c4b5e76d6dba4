package pipeline

import (
	"github.com/alanredmond23-bit/gmail-intelligence-platform/internal/source"
)

// SyncCursor is an opaque change-log position tagged with the backend it came
// from. The token is never interpreted here, only passed through; the tag
// stops a cursor minted by one backend from being replayed against another.
//
// Lifecycle: absent until the first full extraction, advanced by each
// successful incremental run, stale once the backend stops recognizing it.
// A stale cursor is only recovered by a fresh full extraction.
type SyncCursor struct {
	Backend source.Kind
	Token   string
}

// Absent reports whether no cursor has been established yet.
func (c SyncCursor) Absent() bool { return c.Token == "" }
