// Package registry owns every live machine in the process: it routes events
// to per-machine mailboxes, persists and evicts machines that park in
// offline states, rehydrates them on demand and hands completed machines to
// the history archiver. One machine id has at most one live instance and at
// most one event in flight at any time.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stateflowio/stateflow/pkg/core"
	"github.com/stateflowio/stateflow/pkg/fsm"
	"github.com/stateflowio/stateflow/pkg/history"
	"github.com/stateflowio/stateflow/pkg/observer"
	"github.com/stateflowio/stateflow/pkg/persistence"
	"github.com/stateflowio/stateflow/pkg/timer"
)

// Metrics receives registry-level counters. Implemented by the prometheus
// layer; the default is a no-op.
type Metrics interface {
	MachineCreated()
	MachineEvicted()
	MachineRehydrated()
	MachineArchived()
	TransitionCommitted(duration time.Duration, kind fsm.ResultKind)
	QueueOverflow()
	SetLiveMachines(n int)
}

type nopMetrics struct{}

func (nopMetrics) MachineCreated()                                 {}
func (nopMetrics) MachineEvicted()                                 {}
func (nopMetrics) MachineRehydrated()                              {}
func (nopMetrics) MachineArchived()                                {}
func (nopMetrics) TransitionCommitted(time.Duration, fsm.ResultKind) {}
func (nopMetrics) QueueOverflow()                                  {}
func (nopMetrics) SetLiveMachines(int)                             {}

// Registry is the machine registry.
type Registry struct {
	mu          sync.Mutex
	defs        map[string]*fsm.Definition
	live        map[string]*binding
	archiving   map[string]*binding
	rehydrating map[string]chan struct{}

	provider     persistence.Provider
	archiver     *history.Archiver
	historyStore history.Store
	scheduler    *timer.Scheduler
	bus          *observer.Bus
	debug        *debugCache

	retry           persistence.RetryPolicy
	queueSize       int
	debugCacheSize  int
	archiverWorkers int

	metrics Metrics
	onFatal func(err error)
	logger  core.Logger
	clock   func() time.Time

	machineOpts []fsm.Option

	closed atomic.Bool

	created      atomic.Uint64
	evictions    atomic.Uint64
	rehydrations atomic.Uint64
	archivals    atomic.Uint64
}

// RegistryOption configures a registry.
type RegistryOption func(*Registry)

// WithQueueSize bounds each machine's mailbox. Default 64.
func WithQueueSize(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithRetryPolicy overrides the persistence retry policy.
func WithRetryPolicy(p persistence.RetryPolicy) RegistryOption {
	return func(r *Registry) { r.retry = p }
}

// WithBus attaches an externally owned observer bus.
func WithBus(bus *observer.Bus) RegistryOption {
	return func(r *Registry) { r.bus = bus }
}

// WithScheduler attaches an externally owned timeout scheduler.
func WithScheduler(s *timer.Scheduler) RegistryOption {
	return func(r *Registry) { r.scheduler = s }
}

// WithHistoryStore sets the archive backend. Default is an in-memory store
// over the registry's provider.
func WithHistoryStore(store history.Store) RegistryOption {
	return func(r *Registry) { r.historyStore = store }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithFatalHandler sets the escalation handler invoked when a persist or
// archive exhausts its retries. The daemon installs a handler that exits the
// process; embedders may prefer to flip a health probe.
func WithFatalHandler(fn func(err error)) RegistryOption {
	return func(r *Registry) { r.onFatal = fn }
}

// WithRegistryLogger sets a custom logger.
func WithRegistryLogger(logger core.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithClock overrides the wall-clock source (tests).
func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

// WithMachineOptions appends extra options applied to every machine the
// registry creates or rehydrates.
func WithMachineOptions(opts ...fsm.Option) RegistryOption {
	return func(r *Registry) { r.machineOpts = append(r.machineOpts, opts...) }
}

// WithDebugCacheSize bounds the evicted-machine debug cache. Default 1024.
func WithDebugCacheSize(n int) RegistryOption {
	return func(r *Registry) { r.debugCacheSize = n }
}

// WithArchiverWorkers sets the archiver worker pool size.
func WithArchiverWorkers(n int) RegistryOption {
	return func(r *Registry) { r.archiverWorkers = n }
}

// New creates a registry over the persistence provider. Call Start before
// routing events.
func New(provider persistence.Provider, opts ...RegistryOption) *Registry {
	r := &Registry{
		defs:            make(map[string]*fsm.Definition),
		live:            make(map[string]*binding),
		archiving:       make(map[string]*binding),
		rehydrating:     make(map[string]chan struct{}),
		provider:        provider,
		retry:           persistence.DefaultRetryPolicy(),
		queueSize:       64,
		metrics:         nopMetrics{},
		logger:          core.NewDefaultLogger(),
		clock:           time.Now,
		debugCacheSize:  1024,
		archiverWorkers: 2,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.scheduler == nil {
		r.scheduler = timer.NewScheduler(timer.WithLogger(r.logger))
	}
	if r.bus == nil {
		r.bus = observer.NewBus(observer.WithBusLogger(r.logger))
	}
	r.debug = newDebugCache(r.debugCacheSize)
	if r.historyStore == nil {
		r.historyStore = history.NewMemoryStore(provider)
	}
	r.archiver = history.NewArchiver(r.historyStore,
		history.WithWorkers(r.archiverWorkers),
		history.WithRetryPolicy(r.retry),
		history.WithArchiverLogger(r.logger),
		history.WithOnArchived(r.finishArchive),
		history.WithOnFatal(r.escalate),
	)
	return r
}

// Bus returns the observer bus.
func (r *Registry) Bus() *observer.Bus { return r.bus }

// Archiver returns the history archiver, mainly for the admin API's backlog
// gauge.
func (r *Registry) Archiver() *history.Archiver { return r.archiver }

// HistoryStore returns the archive backend for retention and lookups.
func (r *Registry) HistoryStore() history.Store { return r.historyStore }

// RegisterDefinition validates and registers a machine definition.
func (r *Registry) RegisterDefinition(def *fsm.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.ID]; ok {
		return fmt.Errorf("definition %s already registered", def.ID)
	}
	r.defs[def.ID] = def
	return nil
}

// Start launches the scheduler and the archiver, then scans the provider for
// completed-but-unarchived records left behind by a crash. A failing scan is
// returned to the caller, which should treat it as fatal.
func (r *Registry) Start(ctx context.Context) error {
	r.scheduler.Start()
	r.archiver.Start()
	return r.archiver.StartupScan(ctx, r.provider)
}

// Create builds a new machine under the given definition, runs its initial
// entry action and registers it. An empty machineID gets a generated uuid.
// Duplicate ids, live or persisted, are rejected.
func (r *Registry) Create(ctx context.Context, definitionID, machineID string, data map[string]interface{}) (string, error) {
	if r.closed.Load() {
		return "", ErrShuttingDown
	}
	def, err := r.definition(definitionID)
	if err != nil {
		return "", err
	}
	if machineID == "" {
		machineID = uuid.New().String()
	}

	if r.known(machineID) {
		return "", &DuplicateMachineError{MachineID: machineID}
	}
	exists, err := r.provider.Exists(ctx, machineID)
	if err != nil {
		return "", fmt.Errorf("duplicate check for machine %s: %w", machineID, err)
	}
	if exists {
		return "", &DuplicateMachineError{MachineID: machineID}
	}

	b := newBinding(r, nil, r.queueSize)
	opts := append([]fsm.Option{
		fsm.WithHooks(b),
		fsm.WithTimeoutArmer(r),
		fsm.WithLogger(r.logger),
		fsm.WithClock(r.clock),
		fsm.WithInitialData(data),
	}, r.machineOpts...)
	m, err := fsm.NewMachine(def, machineID, opts...)
	if err != nil {
		return "", err
	}
	b.machine = m

	r.bus.PublishLifecycle(observer.LifecycleEvent{Kind: observer.LifecycleCreated, MachineID: machineID})

	if err := m.Start(ctx); err != nil {
		return "", err
	}

	r.mu.Lock()
	if _, dup := r.live[machineID]; dup {
		r.mu.Unlock()
		m.DisarmTimeout()
		return "", &DuplicateMachineError{MachineID: machineID}
	}
	r.live[machineID] = b
	n := len(r.live)
	r.mu.Unlock()

	b.start()
	r.created.Add(1)
	r.metrics.MachineCreated()
	r.metrics.SetLiveMachines(n)
	r.bus.PublishLifecycle(observer.LifecycleEvent{Kind: observer.LifecycleRegistered, MachineID: machineID})
	r.logger.Debugf("machine %s created under definition %s in state %s", machineID, def.ID, m.CurrentState())
	return machineID, nil
}

// RouteEvent delivers an event to a machine, fire-and-forget. Machines not
// in memory are rehydrated from the provider first. The returned error only
// covers routing; transition outcomes surface on the observer bus.
func (r *Registry) RouteEvent(ctx context.Context, machineID string, ev fsm.Event) error {
	return r.route(ctx, machineID, queued{ev: ev})
}

// RouteEventWait delivers an event and waits for the transition result.
func (r *Registry) RouteEventWait(ctx context.Context, machineID string, ev fsm.Event) (fsm.TransitionResult, error) {
	result := make(chan fireResult, 1)
	if err := r.route(ctx, machineID, queued{ev: ev, result: result}); err != nil {
		return fsm.TransitionResult{}, err
	}
	select {
	case <-ctx.Done():
		return fsm.TransitionResult{}, ctx.Err()
	case fr := <-result:
		return fr.res, fr.err
	}
}

func (r *Registry) route(ctx context.Context, machineID string, q queued) error {
	if machineID == "" {
		return fmt.Errorf("machine id is required")
	}
	if r.closed.Load() {
		return ErrShuttingDown
	}

	// A binding can close between lookup and enqueue when the machine parks
	// or completes; re-resolve a few times before giving up.
	for attempt := 0; attempt < 4; attempt++ {
		r.mu.Lock()
		if b, ok := r.live[machineID]; ok {
			r.mu.Unlock()
			err := b.enqueue(q)
			if errors.Is(err, errBindingClosed) {
				continue
			}
			return err
		}
		if b, ok := r.archiving[machineID]; ok {
			state := b.machine.CurrentState()
			r.mu.Unlock()
			return &MachineCompleteError{MachineID: machineID, State: state}
		}
		r.mu.Unlock()

		if err := r.rehydrate(ctx, machineID); err != nil {
			return err
		}
	}
	return fmt.Errorf("machine %s: routing did not settle, retry", machineID)
}

// Evict explicitly persists and removes a live machine. Evicting an id that
// is not live is a no-op.
func (r *Registry) Evict(ctx context.Context, machineID string) error {
	r.mu.Lock()
	b, ok := r.live[machineID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	b.stop()
	if b.parked || b.pendingFinal {
		return nil
	}

	if err := r.persistMachine(ctx, b.machine, b.machine.IsComplete()); err != nil {
		r.escalate(fmt.Errorf("persist machine %s for eviction: %w", machineID, err))
		return err
	}
	b.machine.MarkSuspended()
	r.removeLive(machineID, b)
	b.machine.DisarmTimeout()
	b.machine.MarkEvicted()
	r.noteEviction(b)
	return nil
}

// Shutdown stops intake, halts timers, persists every live machine and
// drains the archiver. The context bounds the grace period; persist failures
// are logged and the first one is returned.
func (r *Registry) Shutdown(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.bus.PublishLifecycle(observer.LifecycleEvent{Kind: observer.LifecycleShutdownStarted})
	r.scheduler.Stop()

	r.mu.Lock()
	bindings := make(map[string]*binding, len(r.live))
	for id, b := range r.live {
		bindings[id] = b
	}
	r.mu.Unlock()

	var firstErr error
	for id, b := range bindings {
		b.stop()
		if b.parked || b.pendingFinal {
			continue
		}
		if err := r.persistMachine(ctx, b.machine, b.machine.IsComplete()); err != nil {
			r.logger.Errorf("shutdown: persist machine %s failed: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		b.machine.MarkSuspended()
		r.removeLive(id, b)
	}

	r.archiver.Stop()
	r.logger.Infof("registry shut down, %d machines persisted", len(bindings))
	return firstErr
}

// Arm implements fsm.TimeoutArmer.
func (r *Registry) Arm(machineID string, version uint64, d time.Duration) uint64 {
	return r.scheduler.Schedule(machineID, version, d, r.timeoutFired)
}

// Disarm implements fsm.TimeoutArmer.
func (r *Registry) Disarm(machineID string, handle uint64) {
	r.scheduler.Cancel(handle)
}

// timeoutFired runs on the scheduler goroutine; it only enqueues. A full
// mailbox reschedules the timer rather than dropping the timeout, the
// version tag keeps a rescheduled timer from firing into a later state.
func (r *Registry) timeoutFired(machineID string, version uint64) {
	r.mu.Lock()
	b, ok := r.live[machineID]
	_, waking := r.rehydrating[machineID]
	r.mu.Unlock()
	if !ok {
		if waking {
			// Timeout catch-up arms timers before the binding reaches the
			// live map; hold the fire until registration lands.
			r.scheduler.Schedule(machineID, version, timer.Granularity, r.timeoutFired)
			return
		}
		// Parked or archived; rehydration recomputes elapsed timeouts.
		return
	}

	ev := fsm.NewTimeoutEvent(version)
	ev.Type = b.machine.Definition().TimeoutEventName()
	err := b.enqueue(queued{ev: ev})
	var full *QueueFullError
	if errors.As(err, &full) {
		r.scheduler.Schedule(machineID, version, 10*timer.Granularity, r.timeoutFired)
	}
}

// Stats is a point-in-time picture of the registry for the admin API.
type Stats struct {
	Live           int    `json:"live"`
	Archiving      int    `json:"archiving"`
	Rehydrating    int    `json:"rehydrating"`
	Definitions    int    `json:"definitions"`
	TimersPending  int    `json:"timersPending"`
	ArchiveBacklog int    `json:"archiveBacklog"`
	DebugCached    int    `json:"debugCached"`
	Created        uint64 `json:"created"`
	Evictions      uint64 `json:"evictions"`
	Rehydrations   uint64 `json:"rehydrations"`
	Archivals      uint64 `json:"archivals"`
}

// Stats returns current registry counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	live, archiving, rehydrating, defs := len(r.live), len(r.archiving), len(r.rehydrating), len(r.defs)
	r.mu.Unlock()
	return Stats{
		Live:           live,
		Archiving:      archiving,
		Rehydrating:    rehydrating,
		Definitions:    defs,
		TimersPending:  r.scheduler.Pending(),
		ArchiveBacklog: r.archiver.Backlog(),
		DebugCached:    r.debug.len(),
		Created:        r.created.Load(),
		Evictions:      r.evictions.Load(),
		Rehydrations:   r.rehydrations.Load(),
		Archivals:      r.archivals.Load(),
	}
}

// MachineInfo is the admin view of one in-memory machine.
type MachineInfo struct {
	MachineID       string    `json:"machineId"`
	RunID           string    `json:"runId"`
	Definition      string    `json:"definition"`
	State           string    `json:"state"`
	Status          string    `json:"status"`
	Version         uint64    `json:"version"`
	Complete        bool      `json:"complete"`
	LastStateChange time.Time `json:"lastStateChange"`
	QueueDepth      int       `json:"queueDepth"`
}

// Inspect returns the admin view of a live or archiving machine.
func (r *Registry) Inspect(machineID string) (MachineInfo, bool) {
	r.mu.Lock()
	b, ok := r.live[machineID]
	if !ok {
		b, ok = r.archiving[machineID]
	}
	r.mu.Unlock()
	if !ok {
		return MachineInfo{}, false
	}
	m := b.machine
	return MachineInfo{
		MachineID:       m.ID(),
		RunID:           m.RunID(),
		Definition:      m.Definition().ID,
		State:           m.CurrentState(),
		Status:          m.Status().String(),
		Version:         m.Version(),
		Complete:        m.IsComplete(),
		LastStateChange: m.LastStateChange(),
		QueueDepth:      b.queueDepth(),
	}, true
}

// InspectStored returns the persisted record for a machine id, bypassing the
// in-memory maps.
func (r *Registry) InspectStored(ctx context.Context, machineID string) (persistence.Record, error) {
	return r.provider.Load(ctx, machineID)
}

// OfflineSnapshot returns the debug-cached last snapshot of a recently
// evicted machine.
func (r *Registry) OfflineSnapshot(machineID string) (fsm.Snapshot, bool) {
	return r.debug.lookup(machineID)
}

// PurgeDebugCache drops all cached eviction snapshots. Wired to the bus's
// last-subscriber-gone notification by the daemon.
func (r *Registry) PurgeDebugCache() {
	r.debug.purge()
}

// IsLive reports whether the id currently has an in-memory machine.
func (r *Registry) IsLive(machineID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[machineID]
	return ok
}

func (r *Registry) definition(id string) (*fsm.Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != "" {
		def, ok := r.defs[id]
		if !ok {
			return nil, &UnknownDefinitionError{DefinitionID: id}
		}
		return def, nil
	}
	if len(r.defs) == 1 {
		for _, def := range r.defs {
			return def, nil
		}
	}
	return nil, &UnknownDefinitionError{DefinitionID: "(ambiguous)"}
}

func (r *Registry) known(machineID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[machineID]; ok {
		return true
	}
	_, ok := r.archiving[machineID]
	return ok
}

// shouldPark reports whether the machine sits in an offline state with no
// reason to stay in memory.
func (r *Registry) shouldPark(m *fsm.Machine) bool {
	if m.Status() != fsm.StatusRunning {
		return false
	}
	st := m.Definition().State(m.CurrentState())
	return st != nil && st.Offline
}

// park persists the machine and removes it from the live map. Runs on the
// machine's consumer goroutine. Returns false when a producer enqueued
// during the persist, in which case the machine stays live and the extra
// save is harmless.
func (r *Registry) park(b *binding) bool {
	m := b.machine
	ctx := context.Background()

	if err := r.persistMachine(ctx, m, false); err != nil {
		r.escalate(fmt.Errorf("persist machine %s for offline state %s: %w", m.ID(), m.CurrentState(), err))
		return false
	}
	if !b.closeIfDrained() {
		return false
	}

	m.MarkSuspended()
	r.removeLive(m.ID(), b)
	m.DisarmTimeout()
	m.MarkEvicted()
	b.parked = true
	r.noteEviction(b)
	r.logger.Debugf("machine %s parked offline in state %s", m.ID(), m.CurrentState())
	return true
}

// finalize persists the completed machine and hands it to the archiver. Runs
// on the consumer goroutine, or on the rehydrating goroutine for machines
// whose timeout catch-up lands in a final state.
func (r *Registry) finalize(b *binding) {
	m := b.machine
	ctx := context.Background()

	if err := r.persistMachine(ctx, m, true); err != nil {
		r.escalate(fmt.Errorf("persist machine %s in final state %s: %w", m.ID(), m.CurrentState(), err))
	}
	b.close()

	r.mu.Lock()
	if r.live[m.ID()] == b {
		delete(r.live, m.ID())
	}
	r.archiving[m.ID()] = b
	n := len(r.live)
	r.mu.Unlock()
	r.metrics.SetLiveMachines(n)

	blob, err := m.ContextBlob()
	if err != nil {
		r.escalate(fmt.Errorf("encode machine %s for archival: %w", m.ID(), err))
		return
	}
	r.archiver.Enqueue(history.Entry{
		MachineID:       m.ID(),
		Context:         blob,
		FinalState:      m.CurrentState(),
		LastStateChange: m.LastStateChange(),
	})
}

// finishArchive is the archiver's success callback.
func (r *Registry) finishArchive(machineID string) {
	r.mu.Lock()
	b, ok := r.archiving[machineID]
	if ok {
		delete(r.archiving, machineID)
	}
	r.mu.Unlock()
	if ok {
		b.machine.MarkArchived()
	}
	r.archivals.Add(1)
	r.metrics.MachineArchived()
	r.debug.forget(machineID)
	r.bus.PublishLifecycle(observer.LifecycleEvent{Kind: observer.LifecycleArchived, MachineID: machineID})
}

func (r *Registry) persistMachine(ctx context.Context, m *fsm.Machine, complete bool) error {
	blob, err := m.ContextBlob()
	if err != nil {
		return fmt.Errorf("encode machine %s: %w", m.ID(), err)
	}
	rec := persistence.Record{
		MachineID:       m.ID(),
		Context:         blob,
		CurrentState:    m.CurrentState(),
		LastStateChange: m.LastStateChange(),
		IsComplete:      complete,
	}
	return r.retry.Do(ctx, r.logger, fmt.Sprintf("persist machine %s", m.ID()), func() error {
		return r.provider.Save(ctx, rec)
	})
}

func (r *Registry) removeLive(machineID string, b *binding) {
	r.mu.Lock()
	if r.live[machineID] == b {
		delete(r.live, machineID)
	}
	n := len(r.live)
	r.mu.Unlock()
	r.metrics.SetLiveMachines(n)
}

func (r *Registry) noteEviction(b *binding) {
	m := b.machine
	r.evictions.Add(1)
	r.metrics.MachineEvicted()
	if r.bus.SubscriberCount() > 0 && b.hasSnapshot {
		r.debug.remember(b.lastSnapshot)
	}
	r.bus.PublishLifecycle(observer.LifecycleEvent{
		Kind:      observer.LifecycleEvicted,
		MachineID: m.ID(),
		Detail:    m.CurrentState(),
	})
}

func (r *Registry) publishSnapshot(snap fsm.Snapshot) {
	r.bus.PublishSnapshot(snap)
}

// escalate routes an unrecoverable storage failure. Losing the ability to
// persist means continuing would violate durability, so the default daemon
// handler exits the process.
func (r *Registry) escalate(err error) {
	r.logger.Errorf("fatal registry failure: %v", err)
	if r.onFatal != nil {
		r.onFatal(err)
	}
}
