// Package observer fans snapshots and lifecycle notifications out to
// subscribers. Delivery is best-effort and never blocks the kernel: every
// subscriber owns a bounded buffer and slow subscribers lose messages, not
// the dispatchers.
package observer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/stateflowio/stateflow/pkg/core"
	"github.com/stateflowio/stateflow/pkg/fsm"
)

// LifecycleKind names a registry lifecycle notification.
type LifecycleKind string

const (
	LifecycleCreated         LifecycleKind = "Created"
	LifecycleRegistered      LifecycleKind = "Registered"
	LifecycleRehydrated      LifecycleKind = "Rehydrated"
	LifecycleEvicted         LifecycleKind = "Evicted"
	LifecycleArchived        LifecycleKind = "Archived"
	LifecycleShutdownStarted LifecycleKind = "ShutdownStarted"
)

// LifecycleEvent is one lifecycle notification.
type LifecycleEvent struct {
	Kind      LifecycleKind `json:"kind"`
	MachineID string        `json:"machineId,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Detail    string        `json:"detail,omitempty"`
}

// Message is what subscribers receive; exactly one field is set.
type Message struct {
	Snapshot  *fsm.Snapshot   `json:"snapshot,omitempty"`
	Lifecycle *LifecycleEvent `json:"lifecycle,omitempty"`
}

// Subscription is one subscriber's bounded feed.
type Subscription struct {
	name    string
	ch      chan Message
	dropped atomic.Uint64
	bus     *Bus
	once    sync.Once
}

// C returns the subscriber's channel. It is closed by Close.
func (s *Subscription) C() <-chan Message { return s.ch }

// Name returns the subscriber name given at Subscribe time.
func (s *Subscription) Name() string { return s.name }

// Dropped returns how many messages were discarded because the buffer was
// full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription from the bus and closes the channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.ch)
	})
}

// Bus is the observer fan-out. Snapshot delivery honors "1 in N" sampling;
// debug mode overrides sampling and emits everything. Lifecycle events are
// never sampled.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	onEmpty func()

	sampleN int
	debug   bool
	counter atomic.Uint64

	logger core.Logger
}

// BusOption configures a bus.
type BusOption func(*Bus)

// WithSampling emits one in every n snapshots. n <= 1 emits all.
func WithSampling(n int) BusOption {
	return func(b *Bus) { b.sampleN = n }
}

// WithDebug overrides sampling and emits every snapshot.
func WithDebug(debug bool) BusOption {
	return func(b *Bus) { b.debug = debug }
}

// WithBusLogger sets a custom logger.
func WithBusLogger(logger core.Logger) BusOption {
	return func(b *Bus) { b.logger = logger }
}

// OnSubscribersGone registers a callback fired when the subscriber count
// drops to zero (the registry uses it to clear the offline debug cache).
func OnSubscribersGone(fn func()) BusOption {
	return func(b *Bus) { b.onEmpty = fn }
}

// NewBus creates an observer bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:    make(map[*Subscription]struct{}),
		sampleN: 1,
		logger:  core.NewDefaultLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe attaches a subscriber with the given buffer size.
func (b *Bus) Subscribe(name string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 64
	}
	sub := &Subscription{
		name: name,
		ch:   make(chan Message, buffer),
		bus:  b,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	empty := len(b.subs) == 0
	b.mu.Unlock()
	if empty && b.onEmpty != nil {
		b.onEmpty()
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// PublishSnapshot delivers a snapshot to all subscribers, subject to
// sampling. Never blocks.
func (b *Bus) PublishSnapshot(snap fsm.Snapshot) {
	n := b.counter.Add(1)
	if !b.debug && b.sampleN > 1 && n%uint64(b.sampleN) != 0 {
		return
	}
	b.publish(Message{Snapshot: &snap})
}

// PublishLifecycle delivers a lifecycle notification to all subscribers.
// Lifecycle events bypass sampling. Never blocks.
func (b *Bus) PublishLifecycle(ev LifecycleEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.publish(Message{Lifecycle: &ev})
}

func (b *Bus) publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
			if sub.dropped.Add(1)%1000 == 1 {
				b.logger.Warnf("observer subscriber %s is slow, dropping messages (total dropped %d)", sub.name, sub.Dropped())
			}
		}
	}
}
