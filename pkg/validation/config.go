package validation

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ConfigValidator provides a fluent interface for validating configuration values.
// It collects all validation errors rather than failing on the first one.
type ConfigValidator struct {
	errors []error
	name   string // config struct name for error messages
}

// NewConfigValidator creates a new config validator with the given config name.
func NewConfigValidator(configName string) *ConfigValidator {
	return &ConfigValidator{
		name:   configName,
		errors: make([]error, 0),
	}
}

func (cv *ConfigValidator) fail(field, format string, args ...any) *ConfigValidator {
	cv.errors = append(cv.errors, fmt.Errorf("%s.%s: %s", cv.name, field, fmt.Sprintf(format, args...)))
	return cv
}

// Required validates that a string field is not empty.
func (cv *ConfigValidator) Required(field, value string) *ConfigValidator {
	if value == "" {
		return cv.fail(field, "required field is empty")
	}
	return cv
}

// RequiredDuration validates that a duration field is not zero.
func (cv *ConfigValidator) RequiredDuration(field string, value time.Duration) *ConfigValidator {
	if value == 0 {
		return cv.fail(field, "required duration is zero")
	}
	return cv
}

// MinInt validates that an int field is at least the minimum value.
func (cv *ConfigValidator) MinInt(field string, value, min int) *ConfigValidator {
	if value < min {
		return cv.fail(field, "value %d is below minimum %d", value, min)
	}
	return cv
}

// Positive validates that an int field is positive (> 0).
func (cv *ConfigValidator) Positive(field string, value int) *ConfigValidator {
	if value <= 0 {
		return cv.fail(field, "value %d must be positive", value)
	}
	return cv
}

// MinDuration validates that a duration is at least the minimum.
func (cv *ConfigValidator) MinDuration(field string, value, min time.Duration) *ConfigValidator {
	if value < min {
		return cv.fail(field, "duration %v is below minimum %v", value, min)
	}
	return cv
}

// AtLeast validates that one duration is not shorter than another configured duration.
func (cv *ConfigValidator) AtLeast(field string, value time.Duration, otherField string, other time.Duration) *ConfigValidator {
	if value < other {
		return cv.fail(field, "duration %v is shorter than %s (%v)", value, otherField, other)
	}
	return cv
}

// OneOf validates that a string field is one of the allowed values.
func (cv *ConfigValidator) OneOf(field, value string, allowed []string) *ConfigValidator {
	for _, a := range allowed {
		if value == a {
			return cv
		}
	}
	return cv.fail(field, "value %q must be one of %v", value, allowed)
}

// HostPort validates a host:port listen or dial address.
func (cv *ConfigValidator) HostPort(field, value string) *ConfigValidator {
	if _, _, err := net.SplitHostPort(value); err != nil {
		return cv.fail(field, "invalid address %q: %v", value, err)
	}
	return cv
}

// TransportURL validates a socket URL such as tcp://10.0.0.1:7400 or inproc://node-a.
func (cv *ConfigValidator) TransportURL(field, value string) *ConfigValidator {
	if err := CheckTransportURL(value); err != nil {
		return cv.fail(field, "%v", err)
	}
	return cv
}

// Unique validates that a list has no duplicate entries.
func (cv *ConfigValidator) Unique(field string, values []string) *ConfigValidator {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, dup := seen[v]; dup {
			return cv.fail(field, "duplicate entry %q", v)
		}
		seen[v] = struct{}{}
	}
	return cv
}

// Custom applies a custom validation function.
func (cv *ConfigValidator) Custom(field string, fn func() error) *ConfigValidator {
	if err := fn(); err != nil {
		cv.errors = append(cv.errors, fmt.Errorf("%s.%s: %w", cv.name, field, err))
	}
	return cv
}

// When conditionally applies validations if the condition is true.
func (cv *ConfigValidator) When(condition bool, validations func(*ConfigValidator)) *ConfigValidator {
	if condition {
		validations(cv)
	}
	return cv
}

// HasErrors returns true if any validation errors occurred.
func (cv *ConfigValidator) HasErrors() bool {
	return len(cv.errors) > 0
}

// Errors returns all validation errors.
func (cv *ConfigValidator) Errors() []error {
	return cv.errors
}

// Validate returns all collected errors joined, or nil.
func (cv *ConfigValidator) Validate() error {
	switch len(cv.errors) {
	case 0:
		return nil
	case 1:
		return cv.errors[0]
	}
	return fmt.Errorf("%s validation failed with %d errors: %w", cv.name, len(cv.errors), errors.Join(cv.errors...))
}

// CheckTransportURL reports whether s is a tcp://, ipc:// or inproc:// URL with an address part.
func CheckTransportURL(s string) error {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok || rest == "" {
		return fmt.Errorf("invalid transport url %q", s)
	}
	switch scheme {
	case "tcp":
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return fmt.Errorf("invalid transport url %q: %w", s, err)
		}
	case "inproc", "ipc":
	default:
		return fmt.Errorf("unsupported transport scheme %q", scheme)
	}
	return nil
}

// DefaultOr returns the value if it's non-zero, otherwise returns the default.
func DefaultOr[T comparable](value, defaultValue T) T {
	var zero T
	if value == zero {
		return defaultValue
	}
	return value
}

// DefaultOrInt returns the value if it's positive, otherwise returns the default.
func DefaultOrInt(value, defaultValue int) int {
	if value <= 0 {
		return defaultValue
	}
	return value
}

// DefaultOrDuration returns the value if it's positive, otherwise returns the default.
func DefaultOrDuration(value, defaultValue time.Duration) time.Duration {
	if value <= 0 {
		return defaultValue
	}
	return value
}
