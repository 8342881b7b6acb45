package model

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. A LabError matches its kind with errors.Is, so callers can
// classify a failure without inspecting backend-specific error types.
var (
	// ErrValidation marks a topology that cannot be deployed: non-contiguous
	// interfaces, dependency cycles, unknown units or duplicate host ports.
	// It is always raised before any backend call.
	ErrValidation = errors.New("validation failed")

	// ErrUnitAlreadyExists marks a unit whose backend object already exists.
	ErrUnitAlreadyExists = errors.New("unit already exists")

	// ErrNetworkAlreadyExists marks a network creation that lost a race
	// with another creator.
	ErrNetworkAlreadyExists = errors.New("network already exists")

	// ErrBackendUnavailable marks an unreachable execution engine.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrResourceInUse marks a network deletion refused because units are
	// still attached.
	ErrResourceInUse = errors.New("resource in use")

	// ErrCommandFailed marks a startup or shutdown script with a non-zero
	// exit code.
	ErrCommandFailed = errors.New("command failed")

	// ErrNotFound marks a backend object that does not exist.
	ErrNotFound = errors.New("not found")
)

// LabError is an error tied to a named unit or network.
type LabError struct {
	// Kind is one of the Err* sentinels, or nil for unclassified failures.
	Kind error

	// Op is the operation that failed (e.g., "create unit").
	Op string

	// Name is the unit or network the operation was acting on.
	Name string

	// Err is the underlying error, if any.
	Err error
}

// Error renders "op name: kind: cause", skipping empty parts and a kind the
// cause already carries.
func (e *LabError) Error() string {
	parts := make([]string, 0, 3)
	head := strings.TrimSpace(e.Op + " " + e.Name)
	if head != "" {
		parts = append(parts, head)
	}
	if e.Kind != nil && (e.Err == nil || !errors.Is(e.Err, e.Kind)) {
		parts = append(parts, e.Kind.Error())
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying error.
func (e *LabError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the kind of this error.
func (e *LabError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// NewError creates a LabError of the given kind.
func NewError(kind error, op, name string, err error) *LabError {
	return &LabError{Kind: kind, Op: op, Name: name, Err: err}
}

// Wrap attaches an operation and resource name to err, keeping the kind of
// the innermost LabError. It returns nil when err is nil.
func Wrap(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &LabError{Kind: KindOf(err), Op: op, Name: name, Err: err}
}

// Validationf creates an ErrValidation error naming the offending resource.
func Validationf(op, name, format string, args ...any) *LabError {
	return &LabError{Kind: ErrValidation, Op: op, Name: name, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first LabError in err's chain that has one.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrValidation,
		ErrUnitAlreadyExists,
		ErrNetworkAlreadyExists,
		ErrBackendUnavailable,
		ErrResourceInUse,
		ErrCommandFailed,
		ErrNotFound,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// ExitCode defines the CLI exit codes. Scripts can use them to tell a bad
// topology from an unreachable engine.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitValidation indicates the lab or the settings failed validation.
	ExitValidation ExitCode = 2

	// ExitUnitAlreadyExists indicates a unit of the lab is already deployed.
	ExitUnitAlreadyExists ExitCode = 3

	// ExitBackendUnavailable indicates the execution engine is not reachable.
	ExitBackendUnavailable ExitCode = 4

	// ExitLabNotFound indicates no lab description was found.
	ExitLabNotFound ExitCode = 5
)

// ExitCodeFor maps an error to the exit code of its kind.
func ExitCodeFor(err error) ExitCode {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, ErrValidation):
		return ExitValidation
	case errors.Is(err, ErrUnitAlreadyExists):
		return ExitUnitAlreadyExists
	case errors.Is(err, ErrBackendUnavailable):
		return ExitBackendUnavailable
	default:
		return ExitGeneralError
	}
}

// CLIError is an error that carries an exit code. It lets the CLI layer
// translate domain errors into process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error returns the message, followed by the underlying error if any.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError wraps err with a message, deriving the exit code from the
// error's kind.
func WrapCLIError(message string, err error) *CLIError {
	return &CLIError{Code: ExitCodeFor(err), Message: message, Err: err}
}
