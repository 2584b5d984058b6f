package engine

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"parity/internal/store"
)

// ValidationError rejects a malformed request before any state is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrRunNotFound is marked as store.ErrNotFound so either sentinel matches.
var ErrRunNotFound = errors.Mark(errors.New("test run not found"), store.ErrNotFound)

// ErrUserNotFound is marked as store.ErrNotFound so either sentinel matches.
var ErrUserNotFound = errors.Mark(errors.New("user not found"), store.ErrNotFound)

// ErrClosed is returned by StartRun after Shutdown or Close.
var ErrClosed = errors.New("coordinator is shut down")

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
