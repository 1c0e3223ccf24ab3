package registry

import (
	"context"
	"sync"

	"github.com/stateflowio/stateflow/pkg/fsm"
)

// fireResult is the reply for synchronous routing.
type fireResult struct {
	res fsm.TransitionResult
	err error
}

// queued is one mailbox item. result is nil for fire-and-forget delivery.
type queued struct {
	ev     fsm.Event
	result chan fireResult
}

// binding ties one live machine to its mailbox and consumer goroutine. All
// Fire calls for a machine id flow through the binding's single consumer,
// which is what serializes the kernel. The binding also implements
// fsm.Hooks, so kernel callbacks land on the consumer goroutine that is
// inside Fire.
type binding struct {
	reg     *Registry
	machine *fsm.Machine

	mu     sync.Mutex
	closed bool

	queue    chan queued
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Consumer-goroutine state, written by hooks during Fire. Readers
	// outside the consumer synchronize on the done channel.
	pendingFinal bool
	parked       bool
	lastSnapshot fsm.Snapshot
	hasSnapshot  bool
}

func newBinding(reg *Registry, m *fsm.Machine, queueSize int) *binding {
	return &binding{
		reg:     reg,
		machine: m,
		queue:   make(chan queued, queueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// EmitSnapshot implements fsm.Hooks.
func (b *binding) EmitSnapshot(snap fsm.Snapshot) {
	b.lastSnapshot = snap
	b.hasSnapshot = true
	b.reg.publishSnapshot(snap)
}

// MachineOffline implements fsm.Hooks. Parking is decided by the consumer
// when the mailbox drains, so a burst of queued events is processed before
// the machine is persisted and evicted.
func (b *binding) MachineOffline(*fsm.Machine) {}

// MachineFinal implements fsm.Hooks.
func (b *binding) MachineFinal(*fsm.Machine) {
	b.pendingFinal = true
}

// enqueue places an event in the mailbox. It never blocks: a full mailbox is
// a QueueFullError and a closed binding tells the router to re-resolve.
func (b *binding) enqueue(q queued) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBindingClosed
	}
	select {
	case b.queue <- q:
		return nil
	default:
		b.reg.metrics.QueueOverflow()
		return &QueueFullError{MachineID: b.machine.ID(), Capacity: cap(b.queue)}
	}
}

// close marks the binding closed under its lock. Callers on the consumer
// goroutine use it together with a queue-length check to make the
// park-or-continue decision atomic against producers.
func (b *binding) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// closeIfDrained closes the binding only when the mailbox is empty. Returns
// false when a producer won the race, in which case the consumer keeps
// going.
func (b *binding) closeIfDrained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) > 0 {
		return false
	}
	b.closed = true
	return true
}

// start launches the consumer goroutine.
func (b *binding) start() {
	go b.run()
}

// stop requests consumer shutdown and waits for it. Idempotent; safe to
// call on a binding whose consumer already exited through park or finalize.
func (b *binding) stop() {
	b.close()
	b.stopOnce.Do(func() { close(b.quit) })
	<-b.done
}

func (b *binding) run() {
	defer close(b.done)
	ctx := context.Background()

	for {
		select {
		case <-b.quit:
			b.drain(func(q queued) error { return ErrShuttingDown })
			return
		case q := <-b.queue:
			b.process(ctx, q)

			if b.pendingFinal {
				b.reg.finalize(b)
				b.drain(func(q queued) error {
					return &MachineCompleteError{MachineID: b.machine.ID(), State: b.machine.CurrentState()}
				})
				return
			}
			if b.reg.shouldPark(b.machine) && b.reg.park(b) {
				b.drain(func(q queued) error {
					// A producer squeezed an event in before the close; send
					// it back through the router, which rehydrates.
					return b.reg.RouteEvent(ctx, b.machine.ID(), q.ev)
				})
				return
			}
		}
	}
}

func (b *binding) process(ctx context.Context, q queued) {
	res, err := b.machine.Fire(ctx, q.ev)
	b.reg.metrics.TransitionCommitted(res.Duration, res.Kind)
	if q.result != nil {
		q.result <- fireResult{res: res, err: err}
	} else if err != nil {
		b.reg.logger.Warnf("machine %s dropped event %s: %v", b.machine.ID(), q.ev.Type, err)
	}
}

// drain empties the mailbox after close, resolving each leftover item with
// the given handler.
func (b *binding) drain(handle func(q queued) error) {
	for {
		select {
		case q := <-b.queue:
			err := handle(q)
			if q.result != nil {
				q.result <- fireResult{err: err}
			} else if err != nil {
				b.reg.logger.Warnf("machine %s dropped queued event %s: %v", b.machine.ID(), q.ev.Type, err)
			}
		default:
			return
		}
	}
}

// queueDepth reports the mailbox backlog for the admin API.
func (b *binding) queueDepth() int { return len(b.queue) }
