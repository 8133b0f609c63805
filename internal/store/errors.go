package store

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a TicketStore or by the dispatch
// service matches exactly one of these with errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrConflict          = errors.New("concurrent update conflict")
	ErrStorage           = errors.New("storage unavailable")
)

var (
	ErrNoTicket         = fmt.Errorf("%w: no ticket waiting", ErrNotFound)
	ErrTicketNotFound   = fmt.Errorf("%w: ticket not found", ErrNotFound)
	ErrInvalidState     = fmt.Errorf("%w: ticket state does not allow this action", ErrInvalidTransition)
	ErrAlreadyCompleted = fmt.Errorf("%w: ticket already completed", ErrInvalidTransition)
	ErrCounterMismatch  = fmt.Errorf("%w: ticket assigned to different counter", ErrInvalidTransition)
	ErrCounterBusy      = fmt.Errorf("%w: counter already has a called ticket", ErrInvalidTransition)
	ErrCounterClosed    = fmt.Errorf("%w: counter is closed", ErrInvalidTransition)
)

type ValidationError struct {
	Field  string
	Reason string
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StorageError wraps a driver failure so callers can match ErrStorage
// without losing the underlying cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// Storage passes domain errors through and wraps everything else.
func Storage(op string, err error) error {
	if err == nil || IsDomain(err) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func IsDomain(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrConflict)
}
