// Package persistence defines the keyed store behind eviction and
// rehydration. Providers persist one record per machine id; the context
// blob is opaque bytes (the fsm package's JSON codec sits above this
// layer).
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Load when no record exists for an id.
var ErrNotFound = errors.New("persistence: record not found")

// Record is one persisted machine.
type Record struct {
	MachineID       string
	Context         []byte
	CurrentState    string
	LastStateChange time.Time
	IsComplete      bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Provider is the pluggable persistence backend. Save must be durable
// before returning; Load returns the last successful Save; Delete is
// idempotent.
type Provider interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, machineID string) (Record, error)
	Delete(ctx context.Context, machineID string) error
	Exists(ctx context.Context, machineID string) (bool, error)

	// ListComplete returns every record with IsComplete=true. Used by the
	// history archiver's startup scan.
	ListComplete(ctx context.Context) ([]Record, error)

	Close() error
}

// TransientError marks a retryable provider failure.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient persistence error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// FatalError marks an irrecoverable provider failure. Fatal errors trigger
// registry shutdown.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal persistence error: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as irrecoverable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err is irrecoverable.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
