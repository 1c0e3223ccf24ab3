package fsm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stateflowio/stateflow/pkg/core"
)

// Hooks is the machine's back-reference to its registry. The registry holds
// the strong reference to the machine; the machine only sees this narrow
// handle, which breaks the ownership cycle.
type Hooks interface {
	// EmitSnapshot publishes one transition snapshot. Must not block.
	EmitSnapshot(snap Snapshot)

	// MachineOffline is called after the machine committed a transition into
	// an offline, non-final state.
	MachineOffline(m *Machine)

	// MachineFinal is called after the machine committed a transition into a
	// final state.
	MachineFinal(m *Machine)
}

type nopHooks struct{}

func (nopHooks) EmitSnapshot(Snapshot)   {}
func (nopHooks) MachineOffline(*Machine) {}
func (nopHooks) MachineFinal(*Machine)   {}

// TimeoutArmer schedules and cancels per-machine timers. Implemented by the
// registry on top of the timer scheduler so timeout events are delivered
// through the same per-machine queue as ordinary events.
type TimeoutArmer interface {
	// Arm schedules a synthetic timeout event for the machine after d,
	// tagged with version. Returns a handle for Disarm.
	Arm(machineID string, version uint64, d time.Duration) uint64

	// Disarm cancels a pending timer. Idempotent; a late cancel that loses
	// the race with firing is resolved by the kernel's version-tag check.
	Disarm(machineID string, handle uint64)
}

// Machine is one live state machine instance. All mutation happens through
// Fire, which the registry serializes per machine id; the internal mutex
// only protects concurrent reads from the admin and observer paths.
type Machine struct {
	id    string
	runID string
	def   *Definition

	pctx     *Context
	volatile map[string]interface{}

	version      uint64
	entryVersion uint64
	timerHandle  uint64
	status       Status

	hooks         Hooks
	armer         TimeoutArmer
	logger        core.Logger
	onActionError func(machineID string, err error)
	captureBefore bool
	clock         func() time.Time

	mu sync.RWMutex
}

// Option configures a machine.
type Option func(*Machine)

// WithLogger sets a custom logger.
func WithLogger(logger core.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

// WithHooks attaches the registry handle.
func WithHooks(h Hooks) Option {
	return func(m *Machine) { m.hooks = h }
}

// WithTimeoutArmer attaches the timer service.
func WithTimeoutArmer(a TimeoutArmer) Option {
	return func(m *Machine) { m.armer = a }
}

// WithActionErrorHandler routes user action errors to a handler instead of
// only logging them.
func WithActionErrorHandler(fn func(machineID string, err error)) Option {
	return func(m *Machine) { m.onActionError = fn }
}

// WithCaptureBefore includes the pre-transition context in snapshots.
func WithCaptureBefore(capture bool) Option {
	return func(m *Machine) { m.captureBefore = capture }
}

// WithInitialData seeds the persistent context's domain payload.
func WithInitialData(data map[string]interface{}) Option {
	return func(m *Machine) {
		for k, v := range data {
			m.pctx.Set(k, v)
		}
	}
}

// WithClock overrides the wall-clock source.
func WithClock(clock func() time.Time) Option {
	return func(m *Machine) { m.clock = clock }
}

// NewMachine creates a machine instance for a definition, in the
// definition's initial state with status CREATED.
func NewMachine(def *Definition, id string, opts ...Option) (*Machine, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	if id == "" {
		id = uuid.New().String()
	}

	m := &Machine{
		id:       id,
		runID:    uuid.New().String(),
		def:      def,
		volatile: make(map[string]interface{}),
		status:   StatusCreated,
		hooks:    nopHooks{},
		logger:   core.NewDefaultLogger(),
		clock:    time.Now,
	}
	m.pctx = NewContext(id, def.InitialState)
	m.pctx.Definition = def.ID

	for _, opt := range opts {
		opt(m)
	}
	m.pctx.LastStateChange = m.clock()

	return m, nil
}

// ID returns the machine id.
func (m *Machine) ID() string { return m.id }

// RunID returns the id of the current activation. It changes on every
// rehydration so observers can tell sessions apart.
func (m *Machine) RunID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runID
}

// Definition returns the shared machine definition.
func (m *Machine) Definition() *Definition { return m.def }

// CurrentState returns the current state name.
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pctx.State
}

// Version returns the transition counter of the current activation.
func (m *Machine) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// EntryVersion returns the version at which the current state was entered.
// Timeout events carry this tag.
func (m *Machine) EntryVersion() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entryVersion
}

// Status returns the lifecycle status.
func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsComplete reports whether the machine has entered a final state.
func (m *Machine) IsComplete() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pctx.Complete
}

// LastStateChange returns the wall-clock time of the last state-changing
// transition.
func (m *Machine) LastStateChange() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pctx.LastStateChange
}

// ContextBlob serializes the persistent context for storage.
func (m *Machine) ContextBlob() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pctx.Encode()
}

// ContextClone returns a deep copy of the persistent context.
func (m *Machine) ContextClone() (*Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pctx.Clone()
}

// Start moves a CREATED machine to RUNNING, running the initial state's
// entry action and arming its timeout. Fire does this implicitly on the
// first event; Start exists for explicit activation.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusCreated {
		return fmt.Errorf("machine %s already started (status %s)", m.id, m.status)
	}
	m.activateLocked(ctx)
	return nil
}

// Stop marks the machine suspended. Further Fire calls are rejected with
// StoppedError. Used by the registry during eviction and shutdown.
func (m *Machine) Stop() {
	m.MarkSuspended()
}

// MarkSuspended flags the machine as persisted-and-parked. Registry use.
func (m *Machine) MarkSuspended() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = StatusSuspended
}

// MarkEvicted flags the machine as removed from the live map. Registry use.
func (m *Machine) MarkEvicted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = StatusEvicted
}

// MarkArchived flags the machine as moved to history. Registry use.
func (m *Machine) MarkArchived() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = StatusArchived
}

// activateLocked runs the CREATED -> RUNNING step.
func (m *Machine) activateLocked(ctx context.Context) {
	m.status = StatusRunning
	st := m.def.States[m.pctx.State]
	if err := m.runAction(ctx, st.Entry, NewEvent("__start__", nil)); err != nil {
		m.routeActionError(err)
	}
	m.armLocked(st)
}

// Restore overwrites the machine's persistent context from a stored record
// without running the restored state's entry action. The run id is
// regenerated and the version counter restarts for the new activation.
func (m *Machine) Restore(blob []byte, state string, lastChange time.Time) error {
	restored, err := DecodeContext(blob)
	if err != nil {
		return fmt.Errorf("decode persisted context: %w", err)
	}
	if _, ok := m.def.States[state]; !ok {
		return fmt.Errorf("persisted state '%s' not in definition '%s'", state, m.def.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	restored.MachineID = m.id
	restored.Definition = m.def.ID
	restored.State = state
	restored.LastStateChange = lastChange
	m.pctx = restored
	m.volatile = make(map[string]interface{})
	m.runID = uuid.New().String()
	m.version = 0
	m.entryVersion = 0
	m.timerHandle = 0
	m.status = StatusRunning
	return nil
}

// ArmTimeout arms a timer for the current state with an explicit duration.
// Used by rehydration when part of the timeout already elapsed offline.
func (m *Machine) ArmTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.armer == nil {
		return
	}
	m.timerHandle = m.armer.Arm(m.id, m.entryVersion, d)
}

// DisarmTimeout cancels any pending timer. Used by the registry on
// eviction.
func (m *Machine) DisarmTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disarmLocked()
}

// RehydratedSnapshot builds the snapshot emitted after a successful
// restore. StateBefore is empty: the previous activation is gone.
func (m *Machine) RehydratedSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(SnapshotRehydrated, "", m.pctx.State, Event{Type: "__rehydrate__", Timestamp: m.clock()}, nil, 0, nil)
}

// Fire delivers one event to the machine. It is the only mutator of state,
// version and last-state-change. The registry serializes Fire calls per
// machine id, so everything between the exit action and the registry
// notification is atomic with respect to other events for this machine.
//
// User action errors do not roll the transition back: the exit action's
// side effects may already be observable, so the state change is committed,
// the error is routed to the configured handler and the snapshot carries an
// error marker.
func (m *Machine) Fire(ctx context.Context, ev Event) (TransitionResult, error) {
	m.mu.Lock()

	switch m.status {
	case StatusArchiving, StatusArchived:
		state := m.pctx.State
		m.mu.Unlock()
		return TransitionResult{Kind: ResultIgnored, FromState: state, ToState: state, EventType: ev.Type},
			&FinalStateError{MachineID: m.id, State: state}
	case StatusSuspended, StatusEvicted:
		status := m.status
		m.mu.Unlock()
		return TransitionResult{Kind: ResultIgnored, EventType: ev.Type},
			&StoppedError{MachineID: m.id, Status: status}
	}

	if m.status == StatusCreated {
		m.activateLocked(ctx)
	}

	start := m.clock()
	cur := m.def.States[m.pctx.State]

	// Synthetic timeout events.
	if ev.Type == m.def.TimeoutEventName() {
		if cur.Timeout == nil || ev.TimerVersion != m.entryVersion {
			// Stale racer: a timer that lost the race with a transition.
			state := m.pctx.State
			m.mu.Unlock()
			return TransitionResult{Kind: ResultIgnored, FromState: state, ToState: state, EventType: ev.Type}, nil
		}
		res, snap, notify := m.transitionLocked(ctx, cur, cur.Timeout.Target, ev, start)
		m.mu.Unlock()
		m.deliver(snap, notify)
		return res, nil
	}

	// State-changing transitions.
	if target, ok := cur.Transitions[ev.Type]; ok {
		res, snap, notify := m.transitionLocked(ctx, cur, target, ev, start)
		m.mu.Unlock()
		m.deliver(snap, notify)
		return res, nil
	}

	// Stay-events: context mutation without a state change.
	if handler, ok := cur.StayHandlers[ev.Type]; ok {
		var actionErr error
		if err := m.runAction(ctx, handler, ev); err != nil {
			actionErr = err
			m.routeActionError(err)
		}
		m.version++
		if cur.ResetTimeoutOnStay && cur.Timeout != nil {
			m.disarmLocked()
			m.entryVersion = m.version
			m.armLocked(cur)
		}
		state := m.pctx.State
		snap := m.snapshotLocked(SnapshotStay, state, state, ev, nil, m.clock().Sub(start), actionErr)
		res := TransitionResult{
			Kind:      ResultStayed,
			FromState: state,
			ToState:   state,
			EventType: ev.Type,
			Version:   m.version,
			Duration:  m.clock().Sub(start),
			ActionErr: actionErr,
		}
		m.mu.Unlock()
		m.deliver(&snap, notifyNone)
		return res, nil
	}

	// Unhandled: record an ignored snapshot (the bus samples these) and
	// leave the machine untouched.
	state := m.pctx.State
	snap := m.snapshotLocked(SnapshotIgnored, state, state, ev, nil, 0, nil)
	m.mu.Unlock()
	m.deliver(&snap, notifyNone)
	return TransitionResult{Kind: ResultIgnored, FromState: state, ToState: state, EventType: ev.Type}, nil
}

type notifyKind int

const (
	notifyNone notifyKind = iota
	notifyOffline
	notifyFinal
)

// transitionLocked commits a state-changing transition. Caller holds m.mu.
func (m *Machine) transitionLocked(ctx context.Context, from *StateConfig, targetName string, ev Event, start time.Time) (TransitionResult, *Snapshot, notifyKind) {
	target := m.def.States[targetName]

	var contextBefore []byte
	if m.captureBefore {
		contextBefore, _ = m.pctx.Encode()
	}

	var actionErr error
	if err := m.runAction(ctx, from.Exit, ev); err != nil {
		actionErr = err
		m.routeActionError(err)
	}

	m.disarmLocked()

	prevState := m.pctx.State
	m.pctx.State = targetName
	m.version++
	m.entryVersion = m.version
	m.pctx.LastStateChange = m.clock()
	if target.Final {
		m.pctx.Complete = true
	}

	if err := m.runAction(ctx, target.Entry, ev); err != nil {
		if actionErr == nil {
			actionErr = err
		}
		m.routeActionError(err)
	}

	notify := notifyNone
	if target.Final {
		m.status = StatusArchiving
		notify = notifyFinal
	} else {
		if target.Timeout != nil {
			m.armLocked(target)
		}
		if target.Offline {
			notify = notifyOffline
		}
	}

	duration := m.clock().Sub(start)
	snap := m.snapshotLocked(SnapshotTransition, prevState, targetName, ev, contextBefore, duration, actionErr)

	res := TransitionResult{
		Kind:      ResultTransitioned,
		FromState: prevState,
		ToState:   targetName,
		EventType: ev.Type,
		Version:   m.version,
		Duration:  duration,
		ActionErr: actionErr,
	}
	return res, &snap, notify
}

// deliver publishes a snapshot and the registry notification outside the
// machine lock so hooks can read the machine freely.
func (m *Machine) deliver(snap *Snapshot, notify notifyKind) {
	if snap != nil {
		m.hooks.EmitSnapshot(*snap)
	}
	switch notify {
	case notifyOffline:
		m.hooks.MachineOffline(m)
	case notifyFinal:
		m.hooks.MachineFinal(m)
	}
}

// snapshotLocked builds a snapshot from the current machine state. Caller
// holds m.mu (read or write).
func (m *Machine) snapshotLocked(kind SnapshotKind, before, after string, ev Event, contextBefore []byte, duration time.Duration, actionErr error) Snapshot {
	contextAfter, err := m.pctx.Encode()
	if err != nil {
		m.logger.Errorf("machine %s: encode context for snapshot: %v", m.id, err)
	}
	st := m.def.States[after]
	snap := Snapshot{
		MachineID:               m.id,
		Version:                 m.version,
		RunID:                   m.runID,
		StateBefore:             before,
		StateAfter:              after,
		EventType:               ev.Type,
		EventPayload:            ev.Payload,
		ContextBefore:           encodeContextBlob(contextBefore),
		ContextAfter:            encodeContextBlob(contextAfter),
		TransitionDurationNanos: duration.Nanoseconds(),
		Timestamp:               m.clock(),
		MachineOnline:           m.status == StatusRunning,
		StateOffline:            st != nil && st.Offline,
		RegistryStatus:          m.status.String(),
		Kind:                    kind,
	}
	if actionErr != nil {
		snap.Error = actionErr.Error()
	}
	return snap
}

// runAction invokes a user action, converting panics into errors. Caller
// holds m.mu; actions only see the ActionContext, never the machine.
func (m *Machine) runAction(ctx context.Context, action ActionFunc, ev Event) (err error) {
	if action == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	ac := &ActionContext{
		MachineID: m.id,
		RunID:     m.runID,
		State:     m.pctx,
		Volatile:  m.volatile,
	}
	return action(ctx, ac, ev)
}

func (m *Machine) routeActionError(err error) {
	m.logger.Errorf("machine %s: user action failed: %v", m.id, err)
	if m.onActionError != nil {
		m.onActionError(m.id, err)
	}
}

// armLocked arms the state's timeout, if any. Caller holds m.mu.
func (m *Machine) armLocked(st *StateConfig) {
	if st.Timeout == nil || m.armer == nil {
		return
	}
	m.timerHandle = m.armer.Arm(m.id, m.entryVersion, st.Timeout.Duration)
}

// disarmLocked cancels the pending timer, if any. Caller holds m.mu.
func (m *Machine) disarmLocked() {
	if m.timerHandle == 0 || m.armer == nil {
		return
	}
	m.armer.Disarm(m.id, m.timerHandle)
	m.timerHandle = 0
}
