// Package apperr defines the error kinds shared by every engine component.
//
// Component packages declare their own sentinel errors and wrap one of the
// kinds below with %w, so callers can classify any failure with errors.Is
// without knowing which component raised it.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input rejected before any state read.
	ErrValidation = errors.New("validation error")

	// ErrUnauthorized marks a caller lacking the role an operation requires.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInsufficientFunds marks a token movement the source cannot cover.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientShares marks a sell larger than the seller's position.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrAlreadyResolved marks an operation on a parlay in a terminal state.
	ErrAlreadyResolved = errors.New("already resolved")

	// ErrNotYetResolvable marks a resolution attempt before the parlay is due.
	ErrNotYetResolvable = errors.New("not yet resolvable")

	// ErrNotFound marks a lookup of a record that does not exist.
	ErrNotFound = errors.New("not found")
)

// Validationf returns a validation error with a formatted detail message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Kind returns a short, stable label for the kind of err. It is used for
// metric labels and log fields; unknown errors are reported as "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, ErrNotYetResolvable):
		return "not_yet_resolvable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
