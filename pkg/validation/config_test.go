package validation

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestConfigValidator_Required(t *testing.T) {
	cv := NewConfigValidator("TestConfig")
	cv.Required("Name", "")

	if !cv.HasErrors() {
		t.Error("Expected error for empty required field")
	}

	cv2 := NewConfigValidator("TestConfig")
	cv2.Required("Name", "value")

	if cv2.HasErrors() {
		t.Error("Expected no error for non-empty required field")
	}
}

func TestConfigValidator_MinInt(t *testing.T) {
	cv := NewConfigValidator("TestConfig")
	cv.MinInt("FailureThreshold", 0, 1)

	if !cv.HasErrors() {
		t.Error("Expected error for value below minimum")
	}

	cv2 := NewConfigValidator("TestConfig")
	cv2.MinInt("FailureThreshold", 3, 1)

	if cv2.HasErrors() {
		t.Error("Expected no error for value at or above minimum")
	}
}

func TestConfigValidator_Durations(t *testing.T) {
	tests := []struct {
		name      string
		apply     func(*ConfigValidator)
		expectErr bool
	}{
		{"required zero", func(cv *ConfigValidator) { cv.RequiredDuration("Tick", 0) }, true},
		{"required set", func(cv *ConfigValidator) { cv.RequiredDuration("Tick", time.Second) }, false},
		{"min below", func(cv *ConfigValidator) { cv.MinDuration("Tick", time.Millisecond, 10*time.Millisecond) }, true},
		{"min equal", func(cv *ConfigValidator) { cv.MinDuration("Tick", 10*time.Millisecond, 10*time.Millisecond) }, false},
		{"at least shorter", func(cv *ConfigValidator) {
			cv.AtLeast("BackoffMax", time.Second, "BackoffInitial", 2*time.Second)
		}, true},
		{"at least longer", func(cv *ConfigValidator) {
			cv.AtLeast("BackoffMax", 30*time.Second, "BackoffInitial", 2*time.Second)
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cv := NewConfigValidator("TestConfig")
			tt.apply(cv)
			if cv.HasErrors() != tt.expectErr {
				t.Errorf("HasErrors() = %v, want %v (errors: %v)", cv.HasErrors(), tt.expectErr, cv.Errors())
			}
		})
	}
}

func TestConfigValidator_Positive(t *testing.T) {
	tests := []struct {
		value     int
		expectErr bool
	}{
		{-1, true},
		{0, true},
		{1, false},
		{100, false},
	}

	for _, tt := range tests {
		cv := NewConfigValidator("TestConfig")
		cv.Positive("Workers", tt.value)

		if cv.HasErrors() != tt.expectErr {
			t.Errorf("Positive(%d): HasErrors() = %v, want %v", tt.value, cv.HasErrors(), tt.expectErr)
		}
	}
}

func TestConfigValidator_OneOf(t *testing.T) {
	allowed := []string{"file", "s3"}

	cv := NewConfigValidator("TestConfig")
	cv.OneOf("Witness", "nfs", allowed)

	if !cv.HasErrors() {
		t.Error("Expected error for value not in allowed list")
	}

	cv2 := NewConfigValidator("TestConfig")
	cv2.OneOf("Witness", "s3", allowed)

	if cv2.HasErrors() {
		t.Error("Expected no error for value in allowed list")
	}
}

func TestConfigValidator_Addresses(t *testing.T) {
	tests := []struct {
		name      string
		apply     func(*ConfigValidator)
		expectErr bool
	}{
		{"hostport ok", func(cv *ConfigValidator) { cv.HostPort("Listen", "0.0.0.0:8080") }, false},
		{"hostport missing port", func(cv *ConfigValidator) { cv.HostPort("Listen", "localhost") }, true},
		{"tcp url", func(cv *ConfigValidator) { cv.TransportURL("Bind", "tcp://10.0.0.1:7400") }, false},
		{"inproc url", func(cv *ConfigValidator) { cv.TransportURL("Bind", "inproc://node-a") }, false},
		{"tcp url without port", func(cv *ConfigValidator) { cv.TransportURL("Bind", "tcp://10.0.0.1") }, true},
		{"unknown scheme", func(cv *ConfigValidator) { cv.TransportURL("Bind", "udp://10.0.0.1:7400") }, true},
		{"no scheme", func(cv *ConfigValidator) { cv.TransportURL("Bind", "10.0.0.1:7400") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cv := NewConfigValidator("TestConfig")
			tt.apply(cv)
			if cv.HasErrors() != tt.expectErr {
				t.Errorf("HasErrors() = %v, want %v (errors: %v)", cv.HasErrors(), tt.expectErr, cv.Errors())
			}
		})
	}
}

func TestConfigValidator_Unique(t *testing.T) {
	cv := NewConfigValidator("TestConfig")
	cv.Unique("Peers", []string{"tcp://a:1", "tcp://b:1", "tcp://a:1"})
	if !cv.HasErrors() {
		t.Error("Expected error for duplicate entries")
	}

	cv2 := NewConfigValidator("TestConfig")
	cv2.Unique("Peers", []string{"tcp://a:1", "tcp://b:1"})
	if cv2.HasErrors() {
		t.Error("Expected no error for distinct entries")
	}
}

func TestConfigValidator_Custom(t *testing.T) {
	errCustom := errors.New("custom validation failed")

	cv := NewConfigValidator("TestConfig")
	cv.Custom("Field", func() error { return errCustom })

	if !cv.HasErrors() {
		t.Fatal("Expected error from custom validation")
	}
	if !errors.Is(cv.Validate(), errCustom) {
		t.Errorf("Validate() should wrap the custom error, got %v", cv.Validate())
	}

	cv2 := NewConfigValidator("TestConfig")
	cv2.Custom("Field", func() error { return nil })

	if cv2.HasErrors() {
		t.Error("Expected no error from passing custom validation")
	}
}

func TestConfigValidator_When(t *testing.T) {
	cv := NewConfigValidator("TestConfig")
	cv.When(true, func(v *ConfigValidator) {
		v.Required("Bucket", "")
	})

	if !cv.HasErrors() {
		t.Error("Expected error when condition is true")
	}

	cv2 := NewConfigValidator("TestConfig")
	cv2.When(false, func(v *ConfigValidator) {
		v.Required("Bucket", "")
	})

	if cv2.HasErrors() {
		t.Error("Expected no error when condition is false")
	}
}

func TestConfigValidator_MultipleErrors(t *testing.T) {
	cv := NewConfigValidator("TestConfig").
		Required("Name", "").
		Positive("Workers", 0).
		RequiredDuration("Tick", 0)

	if len(cv.Errors()) != 3 {
		t.Errorf("Expected 3 errors, got %d", len(cv.Errors()))
	}

	err := cv.Validate()
	if err == nil {
		t.Fatal("Validate() should return an error")
	}
	for _, field := range []string{"TestConfig.Name", "TestConfig.Workers", "TestConfig.Tick"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("Validate() error %q should mention %s", err, field)
		}
	}
}

func TestConfigValidator_Validate(t *testing.T) {
	cv := NewConfigValidator("TestConfig")
	if err := cv.Validate(); err != nil {
		t.Errorf("Validate() with no errors should return nil, got %v", err)
	}

	cv.Required("Name", "")
	if err := cv.Validate(); err == nil {
		t.Error("Validate() with one error should return it")
	}
}

func TestDefaultOr(t *testing.T) {
	if got := DefaultOr("", "fallback"); got != "fallback" {
		t.Errorf("DefaultOr(\"\", fallback) = %q", got)
	}
	if got := DefaultOr("value", "fallback"); got != "value" {
		t.Errorf("DefaultOr(value, fallback) = %q", got)
	}
}

func TestDefaultOrInt(t *testing.T) {
	tests := []struct {
		value, def, want int
	}{
		{0, 3, 3},
		{-1, 3, 3},
		{5, 3, 5},
	}
	for _, tt := range tests {
		if got := DefaultOrInt(tt.value, tt.def); got != tt.want {
			t.Errorf("DefaultOrInt(%d, %d) = %d, want %d", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestDefaultOrDuration(t *testing.T) {
	if got := DefaultOrDuration(0, 2*time.Second); got != 2*time.Second {
		t.Errorf("DefaultOrDuration(0) = %v", got)
	}
	if got := DefaultOrDuration(time.Second, 2*time.Second); got != time.Second {
		t.Errorf("DefaultOrDuration(1s) = %v", got)
	}
}
