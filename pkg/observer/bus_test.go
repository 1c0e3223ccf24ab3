package observer

import (
	"testing"
	"time"

	"github.com/stateflowio/stateflow/pkg/core"
	"github.com/stateflowio/stateflow/pkg/fsm"
)

func snapshot(id string, version uint64) fsm.Snapshot {
	return fsm.Snapshot{
		MachineID:  id,
		Version:    version,
		StateAfter: "ACTIVE",
		EventType:  "tick",
		Timestamp:  time.Now(),
		Kind:       fsm.SnapshotTransition,
	}
}

func collect(sub *Subscription, d time.Duration) []Message {
	var out []Message
	deadline := time.After(d)
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-deadline:
			return out
		}
	}
}

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(WithBusLogger(core.NopLogger{}))
	a := bus.Subscribe("a", 16)
	b := bus.Subscribe("b", 16)
	defer a.Close()
	defer b.Close()

	bus.PublishSnapshot(snapshot("m1", 1))
	bus.PublishLifecycle(LifecycleEvent{Kind: LifecycleCreated, MachineID: "m1"})

	for name, sub := range map[string]*Subscription{"a": a, "b": b} {
		msgs := collect(sub, 100*time.Millisecond)
		if len(msgs) != 2 {
			t.Fatalf("subscriber %s got %d messages, want 2", name, len(msgs))
		}
		if msgs[0].Snapshot == nil || msgs[1].Lifecycle == nil {
			t.Errorf("subscriber %s got wrong message shapes", name)
		}
	}
	if bus.SubscriberCount() != 2 {
		t.Errorf("expected 2 subscribers, got %d", bus.SubscriberCount())
	}
}

func TestBusSamplingKeepsOneInN(t *testing.T) {
	bus := NewBus(WithSampling(10), WithBusLogger(core.NopLogger{}))
	sub := bus.Subscribe("sampled", 128)
	defer sub.Close()

	for i := 0; i < 100; i++ {
		bus.PublishSnapshot(snapshot("m1", uint64(i)))
	}
	msgs := collect(sub, 100*time.Millisecond)
	if len(msgs) != 10 {
		t.Errorf("expected 10 sampled snapshots, got %d", len(msgs))
	}
}

func TestBusDebugOverridesSampling(t *testing.T) {
	bus := NewBus(WithSampling(10), WithDebug(true), WithBusLogger(core.NopLogger{}))
	sub := bus.Subscribe("debug", 128)
	defer sub.Close()

	for i := 0; i < 30; i++ {
		bus.PublishSnapshot(snapshot("m1", uint64(i)))
	}
	msgs := collect(sub, 100*time.Millisecond)
	if len(msgs) != 30 {
		t.Errorf("debug mode must emit everything, got %d of 30", len(msgs))
	}
}

func TestBusLifecycleBypassesSampling(t *testing.T) {
	bus := NewBus(WithSampling(1000), WithBusLogger(core.NopLogger{}))
	sub := bus.Subscribe("lc", 16)
	defer sub.Close()

	bus.PublishLifecycle(LifecycleEvent{Kind: LifecycleEvicted, MachineID: "m1"})
	msgs := collect(sub, 100*time.Millisecond)
	if len(msgs) != 1 {
		t.Fatalf("lifecycle event sampled away")
	}
}

func TestBusDropsOnFullBuffer(t *testing.T) {
	bus := NewBus(WithBusLogger(core.NopLogger{}))
	sub := bus.Subscribe("slow", 2)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		bus.PublishSnapshot(snapshot("m1", uint64(i)))
	}
	if sub.Dropped() != 8 {
		t.Errorf("expected 8 drops, got %d", sub.Dropped())
	}
	msgs := collect(sub, 100*time.Millisecond)
	if len(msgs) != 2 {
		t.Errorf("expected the 2 buffered messages, got %d", len(msgs))
	}
}

func TestBusSignalsLastSubscriberGone(t *testing.T) {
	gone := make(chan struct{}, 2)
	bus := NewBus(OnSubscribersGone(func() { gone <- struct{}{} }), WithBusLogger(core.NopLogger{}))

	a := bus.Subscribe("a", 4)
	b := bus.Subscribe("b", 4)
	a.Close()
	select {
	case <-gone:
		t.Fatalf("callback fired while a subscriber remained")
	default:
	}
	b.Close()
	select {
	case <-gone:
	case <-time.After(time.Second):
		t.Fatalf("callback never fired")
	}

	// Close is idempotent.
	b.Close()
}
