package sensor

import (
	"errors"
	"strings"
)

// ErrNotFound is returned by Store lookups that match nothing.
var ErrNotFound = errors.New("not found")

// ValidationError reports an uplink that cannot be ingested.
// It is the only error the pipeline returns for bad input.
type ValidationError struct {
	// Fields lists every missing field path.
	Fields []string
	// Reason describes a malformed (present but unusable) field.
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) > 0 {
		return "missing required field(s): " + strings.Join(e.Fields, ", ")
	}
	return e.Reason
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
