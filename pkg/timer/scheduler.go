// Package timer implements the process-wide timeout scheduler. One worker
// drives a min-heap of pending timers; callbacks are invoked on the worker
// goroutine and are expected to be cheap (the registry's callback only
// enqueues a synthetic timeout event on the machine's dispatcher).
package timer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/stateflowio/stateflow/pkg/core"
)

// Granularity is the scheduler's firing resolution. Timers may fire up to
// one granularity late.
const Granularity = 10 * time.Millisecond

// Callback is invoked when a timer fires.
type Callback func(machineID string, version uint64)

type entry struct {
	handle    uint64
	machineID string
	version   uint64
	due       time.Time
	cb        Callback
	cancelled bool
	index     int
}

type timerHeap []*entry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler fires per-machine timers. Cancellation is idempotent and
// non-blocking; a cancel that loses the race with firing is resolved by the
// kernel's version-tag check.
type Scheduler struct {
	mu      sync.Mutex
	heap    timerHeap
	pending map[uint64]*entry
	nextID  uint64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	logger core.Logger
	clock  func() time.Time
}

// Option configures a scheduler.
type Option func(*Scheduler)

// WithLogger sets a custom logger.
func WithLogger(logger core.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// NewScheduler creates a stopped scheduler; call Start before scheduling.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		pending: make(map[uint64]*entry),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  core.NewDefaultLogger(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the scheduler worker.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop terminates the worker. Pending timers never fire after Stop returns.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// Schedule arms a timer for machineID after d, tagged with version. Returns
// a handle usable with Cancel. A non-positive duration fires on the next
// scheduler tick.
func (s *Scheduler) Schedule(machineID string, version uint64, d time.Duration, cb Callback) uint64 {
	s.mu.Lock()
	s.nextID++
	e := &entry{
		handle:    s.nextID,
		machineID: machineID,
		version:   version,
		due:       s.clock().Add(d),
		cb:        cb,
	}
	heap.Push(&s.heap, e)
	s.pending[e.handle] = e
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return e.handle
}

// Cancel disarms a pending timer. Unknown or already-fired handles are
// ignored.
func (s *Scheduler) Cancel(handle uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.pending[handle]; ok {
		e.cancelled = true
		delete(s.pending, handle)
	}
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) run() {
	defer close(s.done)
	tick := time.NewTimer(Granularity)
	defer tick.Stop()

	for {
		due := s.collectDue()
		for _, e := range due {
			s.fire(e)
		}

		wait := s.nextWait()
		if !tick.Stop() {
			select {
			case <-tick.C:
			default:
			}
		}
		tick.Reset(wait)

		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-tick.C:
		}
	}
}

// collectDue pops every expired, non-cancelled timer.
func (s *Scheduler) collectDue() []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var due []*entry
	for len(s.heap) > 0 {
		next := s.heap[0]
		if next.cancelled {
			heap.Pop(&s.heap)
			continue
		}
		if next.due.After(now) {
			break
		}
		heap.Pop(&s.heap)
		delete(s.pending, next.handle)
		due = append(due, next)
	}
	return due
}

// nextWait returns the time until the earliest pending timer, clamped to
// the granularity floor.
func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.heap) > 0 && s.heap[0].cancelled {
		heap.Pop(&s.heap)
	}
	if len(s.heap) == 0 {
		return time.Hour
	}
	wait := s.heap[0].due.Sub(s.clock())
	if wait < Granularity {
		wait = Granularity
	}
	return wait
}

func (s *Scheduler) fire(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("timer callback for machine %s panicked: %v", e.machineID, r)
		}
	}()
	e.cb(e.machineID, e.version)
}
