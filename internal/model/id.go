package model

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/aurapoints/aura-engine/internal/apperr"
)

// MaxIDLen is the longest account or entity id accepted, in bytes.
const MaxIDLen = 128

var ErrInvalidID = fmt.Errorf("invalid id: %w", apperr.ErrValidation)

// ValidateID checks an account or entity id. Ids must be non-empty UTF-8 of
// at most MaxIDLen bytes with no control characters. Stores rely on this to
// use NUL as a key separator.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("empty: %w", ErrInvalidID)
	case len(id) > MaxIDLen:
		return fmt.Errorf("%d bytes, max %d: %w", len(id), MaxIDLen, ErrInvalidID)
	case !utf8.ValidString(id):
		return fmt.Errorf("%q is not utf-8: %w", id, ErrInvalidID)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fmt.Errorf("%q contains control character %U: %w", id, r, ErrInvalidID)
		}
	}
	return nil
}
