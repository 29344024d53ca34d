package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigConflict is returned when a registration contradicts an earlier one
	ErrConfigConflict = errors.New("configuration conflict")

	// ErrInvalidArgument is returned for absent or malformed required arguments
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidOperation is returned when an operation is not allowed in the current state
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrProcessing is returned when a runtime resolution fails
	ErrProcessing = errors.New("processing error")

	// ErrTransport is returned for failures of the underlying wire transport
	ErrTransport = errors.New("transport failure")

	// ErrDisposed is returned by sessions and workers used after disposal
	ErrDisposed = errors.New("disposed")
)

// ConfigError describes a rejected registration
type ConfigError struct {
	Scope   string // bounded context, transport or registry the registration targeted
	Subject string // message type, endpoint or strategy name
	Reason  string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("%s: can not register %s in %s: %s", e.kind(), e.Subject, e.Scope, e.Reason)
	}
	return fmt.Sprintf("%s: can not register %s: %s", e.kind(), e.Subject, e.Reason)
}

func (e *ConfigError) kind() string {
	if e.Err == nil {
		return ErrConfigConflict.Error()
	}
	return e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	if e.Err == nil {
		return ErrConfigConflict
	}
	return e.Err
}

// NewConfigConflict creates a ConfigError wrapping ErrConfigConflict
func NewConfigConflict(scope, subject, reason string) *ConfigError {
	return &ConfigError{Scope: scope, Subject: subject, Reason: reason, Err: ErrConfigConflict}
}

// ProcessingError describes a runtime resolution failure for a message type
type ProcessingError struct {
	Type   string
	Reason string
	Err    error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("processing error: %s for type %s: %v", e.Reason, e.Type, e.Err)
	}
	return fmt.Sprintf("processing error: %s for type %s", e.Reason, e.Type)
}

// Is makes every ProcessingError match ErrProcessing
func (e *ProcessingError) Is(target error) bool {
	return target == ErrProcessing
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// IsConfigConflict reports whether err is a configuration conflict
func IsConfigConflict(err error) bool {
	return errors.Is(err, ErrConfigConflict)
}
