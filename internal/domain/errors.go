package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrSchema            = errors.New("schema violation")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrBatchBusy         = errors.New("batch is already executing")

	ErrNoAccounts  = errors.New("no accounts available")
	ErrNoAssets    = errors.New("no assets available")
	ErrBatchExists = errors.New("batch already exists for date")
	ErrPastDate    = errors.New("date is in the past")
)

// GenerationError reports why no batch was produced. Kind is one of the
// ErrNoAccounts/ErrNoAssets/ErrBatchExists/ErrPastDate sentinels, so callers
// can branch with errors.Is.
type GenerationError struct {
	Kind   error
	Target Target
	Date   string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate %s/%s: %v", e.Target, e.Date, e.Kind)
}

func (e *GenerationError) Unwrap() error { return e.Kind }

// AuthError fails a whole account group.
type AuthError struct {
	Account string
	Err     error
}

func (e *AuthError) Error() string {
	name := e.Account
	if name == "" {
		name = "default"
	}
	return fmt.Sprintf("session for account %s: %v", name, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// PublishError fails a single job. Reason is kept verbatim on the job record.
type PublishError struct {
	Reason string
	Err    error
}

func (e *PublishError) Error() string {
	if e.Err != nil && e.Reason == "" {
		return e.Err.Error()
	}
	return e.Reason
}

func (e *PublishError) Unwrap() error { return e.Err }

// NewPublishError wraps err with a display reason.
func NewPublishError(reason string, err error) error {
	return &PublishError{Reason: reason, Err: err}
}

// StoreError is fatal for the execute call that hit it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError reports whether err carries a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// Reason extracts a display reason from err for the job record.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var pe *PublishError
	if errors.As(err, &pe) && pe.Reason != "" {
		return pe.Reason
	}
	return err.Error()
}
