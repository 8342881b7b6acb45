package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mmr-tortoise/netlab/internal/backend"
)

// ValidationError is one invalid settings field.
type ValidationError struct {
	// Field is the JSON field that failed validation (e.g., "net_prefix").
	Field string

	// Message describes what is wrong with the value.
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Check returns every invalid field of s. An empty list means the settings
// are usable.
func (s *Settings) Check() []ValidationError {
	var errs []ValidationError

	switch s.Backend {
	case BackendDocker, BackendKubernetes, BackendMemory:
	default:
		errs = append(errs, ValidationError{
			Field:   "backend",
			Message: fmt.Sprintf("unknown backend %q (valid: %s, %s, %s)", s.Backend, BackendDocker, BackendKubernetes, BackendMemory),
		})
	}

	if err := backend.ValidatePrefix(s.NetPrefix); err != nil {
		errs = append(errs, ValidationError{Field: "net_prefix", Message: err.Error()})
	}
	if err := backend.ValidatePrefix(s.DevicePrefix); err != nil {
		errs = append(errs, ValidationError{Field: "device_prefix", Message: err.Error()})
	}

	if s.Workers < 1 {
		errs = append(errs, ValidationError{
			Field:   "workers",
			Message: fmt.Sprintf("must be at least 1, got %d", s.Workers),
		})
	}

	if s.Image == "" {
		errs = append(errs, ValidationError{Field: "image", Message: "must not be empty"})
	}
	if !strings.HasPrefix(s.DeviceShell, "/") {
		errs = append(errs, ValidationError{
			Field:   "device_shell",
			Message: fmt.Sprintf("must be an absolute path, got %q", s.DeviceShell),
		})
	}

	if _, err := ParseLevel(s.LogLevel); err != nil {
		errs = append(errs, ValidationError{Field: "log_level", Message: err.Error()})
	}

	return errs
}

// Validate joins the results of Check into a single error.
func (s *Settings) Validate() error {
	var joined []error
	for _, e := range s.Check() {
		joined = append(joined, &e)
	}
	return errors.Join(joined...)
}

// ParseLevel maps a log_level value to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", level)
	}
	return l, nil
}
