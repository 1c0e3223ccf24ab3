// Package fsm implements the state machine kernel: per-machine state,
// event-to-transition resolution, entry/exit actions, timeout arming and
// version-incrementing snapshot emission.
//
// A Definition describes the behavior of one machine type and is shared,
// immutable, across all instances of that type. A Machine is one live
// instance. Machines are single-threaded by construction: the registry
// serializes all Fire calls for one machine id through a per-id dispatcher,
// so the kernel never needs to take locks around a transition.
//
// Example:
//
//	def, err := fsm.NewBuilder("call-session").
//	    InitialState("IDLE").
//	    State("IDLE").
//	        On("Incoming", "RINGING").
//	        Done().
//	    State("RINGING").
//	        On("Answer", "CONNECTED").
//	        On("Hangup", "HUNGUP").
//	        Timeout(30*time.Second, "IDLE").
//	        Done().
//	    State("CONNECTED").
//	        On("Hangup", "HUNGUP").
//	        Done().
//	    State("HUNGUP").
//	        Final(true).
//	        Done().
//	    Build()
package fsm

import (
	"fmt"
	"time"

	"context"
)

// TimeoutEventType is the reserved event type carried by synthetic timeout
// events. A Definition may override it, but the default is used everywhere
// unless telecom integrations require a different wire name.
const TimeoutEventType = "__timeout__"

// Event is the envelope every consumer-facing event carries.
type Event struct {
	// Type selects the transition in the current state's transition table.
	Type string `json:"type"`

	// Payload is opaque to the kernel; handlers may read it.
	Payload map[string]interface{} `json:"payload,omitempty"`

	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`

	// TimerVersion tags synthetic timeout events with the machine version at
	// which the timer was armed. The kernel drops timers whose tag no longer
	// matches the current state's entry version.
	TimerVersion uint64 `json:"timerVersion,omitempty"`
}

// NewEvent creates an event with the current wall-clock timestamp.
func NewEvent(eventType string, payload map[string]interface{}) Event {
	return Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// NewTimeoutEvent creates a synthetic timeout event tagged with the version
// at which the corresponding timer was armed.
func NewTimeoutEvent(version uint64) Event {
	return Event{
		Type:         TimeoutEventType,
		Timestamp:    time.Now(),
		TimerVersion: version,
	}
}

// ActionContext is what entry/exit/stay actions see. Actions run on the
// machine's dispatcher goroutine; mutating State is safe and persisted,
// mutating Volatile is safe and never persisted.
type ActionContext struct {
	MachineID string
	RunID     string

	// State is the machine's persistent context.
	State *Context

	// Volatile holds transient data. It is dropped on eviction and starts
	// empty after rehydration.
	Volatile map[string]interface{}
}

// ActionFunc is a user-supplied entry, exit or stay-event action.
type ActionFunc func(ctx context.Context, ac *ActionContext, event Event) error

// TimeoutSpec arms a timer on state entry; when it fires the machine
// transitions to Target.
type TimeoutSpec struct {
	Duration time.Duration
	Target   string
}

// StateConfig describes one state of a Definition.
type StateConfig struct {
	Name string

	// Entry runs when the state is entered through a transition (never on
	// rehydration).
	Entry ActionFunc

	// Exit runs when the state is left through a transition.
	Exit ActionFunc

	// Transitions maps event type to target state.
	Transitions map[string]string

	// StayHandlers maps event type to a handler that mutates context without
	// changing state.
	StayHandlers map[string]ActionFunc

	// Timeout, when set, is armed on entry.
	Timeout *TimeoutSpec

	// Offline states are persisted and evicted from memory on entry.
	Offline bool

	// Final states terminate the machine; entry triggers history archival.
	Final bool

	// ResetTimeoutOnStay re-arms the state's timeout when a stay-event is
	// handled. Default is no reset.
	ResetTimeoutOnStay bool
}

// Definition is the immutable description of one machine type.
type Definition struct {
	ID           string
	InitialState string
	States       map[string]*StateConfig

	// TimeoutEvent overrides the reserved timeout event type. Empty means
	// TimeoutEventType.
	TimeoutEvent string
}

// TimeoutEventName returns the event type synthetic timeout events carry
// for this definition.
func (d *Definition) TimeoutEventName() string {
	if d.TimeoutEvent != "" {
		return d.TimeoutEvent
	}
	return TimeoutEventType
}

// State returns the configuration for a state name, or nil.
func (d *Definition) State(name string) *StateConfig {
	return d.States[name]
}

// Validate checks the definition for structural errors: missing initial
// state, transitions to unknown states, timeouts targeting unknown states
// and final states with outgoing transitions.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("definition ID is required")
	}
	if d.InitialState == "" {
		return fmt.Errorf("initial state is required")
	}
	if len(d.States) == 0 {
		return fmt.Errorf("at least one state is required")
	}
	if _, ok := d.States[d.InitialState]; !ok {
		return fmt.Errorf("initial state '%s' not found in states", d.InitialState)
	}

	for name, state := range d.States {
		if state.Name != name {
			return fmt.Errorf("state key '%s' does not match state name '%s'", name, state.Name)
		}
		for event, target := range state.Transitions {
			if event == "" {
				return fmt.Errorf("empty event type in state '%s'", name)
			}
			if _, ok := d.States[target]; !ok {
				return fmt.Errorf("transition target '%s' not found (from state '%s', event '%s')", target, name, event)
			}
		}
		if state.Timeout != nil {
			if state.Timeout.Duration <= 0 {
				return fmt.Errorf("timeout duration must be positive in state '%s'", name)
			}
			if _, ok := d.States[state.Timeout.Target]; !ok {
				return fmt.Errorf("timeout target '%s' not found (state '%s')", state.Timeout.Target, name)
			}
		}
		if state.Final {
			if len(state.Transitions) > 0 {
				return fmt.Errorf("final state '%s' must not have outgoing transitions", name)
			}
			if state.Timeout != nil {
				return fmt.Errorf("final state '%s' must not have a timeout", name)
			}
		}
	}

	return nil
}

// Status is the registry-visible lifecycle status of one machine instance.
type Status int32

const (
	StatusCreated Status = iota
	StatusRunning
	StatusSuspended
	StatusEvicted
	StatusArchiving
	StatusArchived
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "CREATED"
	case StatusRunning:
		return "RUNNING"
	case StatusSuspended:
		return "SUSPENDED"
	case StatusEvicted:
		return "EVICTED"
	case StatusArchiving:
		return "ARCHIVING"
	case StatusArchived:
		return "ARCHIVED"
	default:
		return fmt.Sprintf("STATUS(%d)", int32(s))
	}
}

// ResultKind classifies the outcome of one Fire call.
type ResultKind int

const (
	// ResultTransitioned means the state changed.
	ResultTransitioned ResultKind = iota

	// ResultStayed means a stay-event handler ran; the state is unchanged.
	ResultStayed

	// ResultIgnored means no transition or handler matched, or a stale
	// timeout event was dropped.
	ResultIgnored
)

// TransitionResult reports what one Fire call did.
type TransitionResult struct {
	Kind      ResultKind
	FromState string
	ToState   string
	EventType string
	Version   uint64
	Duration  time.Duration

	// ActionErr carries a user action failure. The transition is committed
	// regardless; see the kernel notes in machine.go.
	ActionErr error
}

// StoppedError is returned when firing into a machine that is suspended or
// evicted.
type StoppedError struct {
	MachineID string
	Status    Status
}

func (e *StoppedError) Error() string {
	return fmt.Sprintf("machine %s is not accepting events (status %s)", e.MachineID, e.Status)
}

// FinalStateError is returned when firing into a machine that has entered a
// final state.
type FinalStateError struct {
	MachineID string
	State     string
}

func (e *FinalStateError) Error() string {
	return fmt.Sprintf("machine %s reached final state %s", e.MachineID, e.State)
}
