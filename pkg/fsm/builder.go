package fsm

import (
	"fmt"
	"time"
)

// Builder provides a fluent API for assembling machine definitions.
type Builder struct {
	definition *Definition
	err        error
}

// StateBuilder builds a single state.
type StateBuilder struct {
	parent *Builder
	state  *StateConfig
}

// NewBuilder creates a definition builder for a machine type.
func NewBuilder(id string) *Builder {
	return &Builder{
		definition: &Definition{
			ID:     id,
			States: make(map[string]*StateConfig),
		},
	}
}

// InitialState sets the initial state name.
func (b *Builder) InitialState(state string) *Builder {
	b.definition.InitialState = state
	return b
}

// TimeoutEvent overrides the reserved timeout event type.
func (b *Builder) TimeoutEvent(eventType string) *Builder {
	b.definition.TimeoutEvent = eventType
	return b
}

// State adds a state to the definition.
func (b *Builder) State(name string) *StateBuilder {
	if _, exists := b.definition.States[name]; exists && b.err == nil {
		b.err = fmt.Errorf("state '%s' declared twice", name)
	}
	state := &StateConfig{
		Name:         name,
		Transitions:  make(map[string]string),
		StayHandlers: make(map[string]ActionFunc),
	}
	b.definition.States[name] = state
	return &StateBuilder{parent: b, state: state}
}

// Build validates and returns the definition.
func (b *Builder) Build() (*Definition, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.definition.Validate(); err != nil {
		return nil, fmt.Errorf("invalid machine definition: %w", err)
	}
	return b.definition, nil
}

// Entry sets the entry action for this state.
func (sb *StateBuilder) Entry(action ActionFunc) *StateBuilder {
	sb.state.Entry = action
	return sb
}

// Exit sets the exit action for this state.
func (sb *StateBuilder) Exit(action ActionFunc) *StateBuilder {
	sb.state.Exit = action
	return sb
}

// On adds a state-changing transition triggered by an event type.
func (sb *StateBuilder) On(eventType, target string) *StateBuilder {
	if _, dup := sb.state.Transitions[eventType]; dup && sb.parent.err == nil {
		sb.parent.err = fmt.Errorf("duplicate transition for event '%s' in state '%s'", eventType, sb.state.Name)
	}
	sb.state.Transitions[eventType] = target
	return sb
}

// OnStay adds a stay-event handler: the event mutates context but the state
// does not change.
func (sb *StateBuilder) OnStay(eventType string, handler ActionFunc) *StateBuilder {
	if _, dup := sb.state.StayHandlers[eventType]; dup && sb.parent.err == nil {
		sb.parent.err = fmt.Errorf("duplicate stay handler for event '%s' in state '%s'", eventType, sb.state.Name)
	}
	sb.state.StayHandlers[eventType] = handler
	return sb
}

// Timeout arms a timer on entry; when it fires the machine transitions to
// target.
func (sb *StateBuilder) Timeout(d time.Duration, target string) *StateBuilder {
	sb.state.Timeout = &TimeoutSpec{Duration: d, Target: target}
	return sb
}

// Offline marks the state as offline: entering it persists and evicts the
// machine.
func (sb *StateBuilder) Offline(offline bool) *StateBuilder {
	sb.state.Offline = offline
	return sb
}

// Final marks the state as final: entering it triggers history archival.
func (sb *StateBuilder) Final(isFinal bool) *StateBuilder {
	sb.state.Final = isFinal
	return sb
}

// ResetTimeoutOnStay re-arms the state timeout whenever a stay-event is
// handled in this state.
func (sb *StateBuilder) ResetTimeoutOnStay(reset bool) *StateBuilder {
	sb.state.ResetTimeoutOnStay = reset
	return sb
}

// Done finishes this state and returns the definition builder.
func (sb *StateBuilder) Done() *Builder {
	return sb.parent
}
