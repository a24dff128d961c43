package panel

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth means every login candidate was rejected.
	ErrAuth = errors.New("panel: authentication failed")
	// ErrNotFound means the inbound or client does not exist on the panel.
	ErrNotFound = errors.New("panel: not found")
	// ErrConflict means a client with the same email already exists.
	ErrConflict = errors.New("panel: duplicate client email")
	// ErrUnverified means a write was accepted but a re-read could not confirm it.
	ErrUnverified = errors.New("panel: write could not be verified")
	// ErrSessionExpired means the panel kept answering with its login page after a fresh login.
	ErrSessionExpired = errors.New("panel: session expired")
	// ErrBadResponse means the body could not be understood by any known dialect.
	ErrBadResponse = errors.New("panel: unexpected response")
)

// HTTPError carries the status of a non-success panel response.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("panel: %s %s -> %d %s", e.Method, e.Path, e.Status, e.Body)
}

// RejectedError is returned when the panel answered with success=false.
type RejectedError struct {
	Path string
	Msg  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("panel: %s rejected: %s", e.Path, e.Msg)
}

// IsRetryable reports whether a caller may attempt the same operation again.
// Only an unconfirmed write qualifies; everything else needs operator action.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnverified)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
