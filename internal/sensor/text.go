package sensor

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Column limits of the identifiers carried by an uplink, in characters.
const (
	MaxDeduplicationIDLength = 255
	MaxSerialLength          = 100
)

// Errors returned by CheckText.
var (
	ErrTextTooLong  = errors.New("text too long")
	ErrTextNUL      = errors.New("text contains a NUL character")
	ErrTextEncoding = errors.New("text is not valid UTF-8")
)

// CheckText reports whether value fits a text column of maxLen characters.
// Postgres rejects NUL bytes and invalid UTF-8 in text columns outright.
func CheckText(value string, maxLen int) error {
	if !utf8.ValidString(value) {
		return ErrTextEncoding
	}
	if strings.ContainsRune(value, 0) {
		return ErrTextNUL
	}
	if n := utf8.RuneCountInString(value); n > maxLen {
		return fmt.Errorf("%w: %d characters, at most %d allowed", ErrTextTooLong, n, maxLen)
	}
	return nil
}
