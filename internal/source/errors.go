package source

import (
	"errors"
	"fmt"
)

// ErrUnsupported signals a capability the backend does not have. Callers must
// not degrade it into an emulated full scan.
var ErrUnsupported = errors.New("operation not supported by backend")

// AuthError is fatal to a run: the backend rejected or could not establish
// credentials.
type AuthError struct {
	Backend Kind
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %v", e.Backend, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// FetchError is page-scoped: the current run ends early with a partial
// summary, it is never treated as a per-message failure.
type FetchError struct {
	Backend Kind
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s fetch failed: %v", e.Backend, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// StaleCursorError means the backend no longer recognizes the change-log
// token. The only recovery is a fresh full extraction by the caller.
type StaleCursorError struct {
	Backend Kind
	Token   string
}

func (e *StaleCursorError) Error() string {
	return fmt.Sprintf("%s cursor %q is stale", e.Backend, e.Token)
}

// MalformedMessageError is message-scoped: the raw message lacks a stable
// provider identifier. Everything else degrades to defaults instead.
type MalformedMessageError struct {
	Backend Kind
	Reason  string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed %s message: %s", e.Backend, e.Reason)
}
