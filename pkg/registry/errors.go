package registry

import (
	"errors"
	"fmt"
)

// ErrShuttingDown is returned by routing operations after Shutdown started.
var ErrShuttingDown = errors.New("registry: shutting down")

// errBindingClosed signals the routing loop to re-resolve the machine; the
// binding it found was concurrently parked or archived. Never returned to
// callers.
var errBindingClosed = errors.New("registry: binding closed")

// UnknownMachineError is returned when an event targets an id with no live
// machine and no persisted record.
type UnknownMachineError struct {
	MachineID string
}

func (e *UnknownMachineError) Error() string {
	return fmt.Sprintf("machine %s is neither live nor persisted", e.MachineID)
}

// DuplicateMachineError is returned by Create when the id already exists,
// live or persisted.
type DuplicateMachineError struct {
	MachineID string
}

func (e *DuplicateMachineError) Error() string {
	return fmt.Sprintf("machine %s already exists", e.MachineID)
}

// QueueFullError is returned when a machine's event queue is at capacity.
// The caller decides whether to retry; the registry never blocks a producer
// on a slow machine.
type QueueFullError struct {
	MachineID string
	Capacity  int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("machine %s event queue full (capacity %d)", e.MachineID, e.Capacity)
}

// MachineCompleteError is returned when an event targets a machine that
// reached a final state and is being, or has been, archived.
type MachineCompleteError struct {
	MachineID string
	State     string
}

func (e *MachineCompleteError) Error() string {
	return fmt.Sprintf("machine %s completed in state %s", e.MachineID, e.State)
}

// UnknownDefinitionError is returned when no registered definition matches.
type UnknownDefinitionError struct {
	DefinitionID string
}

func (e *UnknownDefinitionError) Error() string {
	return fmt.Sprintf("definition %s is not registered", e.DefinitionID)
}
