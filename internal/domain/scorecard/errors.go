package scorecard

import (
	"errors"
)

// ErrNoSigner is returned by Verify when attestation is not configured.
var ErrNoSigner = errors.New("attestation not configured")

// InputError marks a request the caller must fix.
type InputError struct {
	Err error
}

func (e *InputError) Error() string { return "invalid run request: " + e.Err.Error() }

func (e *InputError) Unwrap() error { return e.Err }

// IsInputError reports whether err is or wraps an *InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}
