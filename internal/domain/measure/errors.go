package measure

import (
	"errors"
	"fmt"
)

// ConfigurationError is fatal: the run must abort with no partial output.
type ConfigurationError struct {
	Measure string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Measure == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: measure %s: %v", e.Measure, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErr(measure string, format string, args ...interface{}) error {
	return &ConfigurationError{Measure: measure, Err: fmt.Errorf(format, args...)}
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
