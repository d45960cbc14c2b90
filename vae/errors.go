package vae

import (
	"errors"
	"fmt"
)

// ErrConfiguration matches every *ConfigurationError via errors.Is.
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError reports an architecture that cannot be built. It is
// raised at construction time, never during a forward pass.
type ConfigurationError struct {
	Field     string
	Value     int
	Suggested int // 0 when there is no single corrective value
	Reason    string
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("invalid %s %d: %s", e.Field, e.Value, e.Reason)
	if e.Suggested > 0 {
		msg += fmt.Sprintf(" (suggested %s: %d)", e.Field, e.Suggested)
	}
	return msg
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func configErr(field string, value int, reason string) *ConfigurationError {
	return &ConfigurationError{Field: field, Value: value, Reason: reason}
}
