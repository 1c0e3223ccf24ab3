package timer

import (
	"sync"
	"testing"
	"time"
)

type fireLog struct {
	mu    sync.Mutex
	fired []uint64
}

func (f *fireLog) callback(machineID string, version uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, version)
}

func (f *fireLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSchedulerFiresDueTimer(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	log := &fireLog{}
	s.Schedule("m1", 3, 20*time.Millisecond, log.callback)

	waitFor(t, time.Second, func() bool { return log.count() == 1 })
	log.mu.Lock()
	defer log.mu.Unlock()
	if log.fired[0] != 3 {
		t.Errorf("expected version tag 3, got %d", log.fired[0])
	}
	if s.Pending() != 0 {
		t.Errorf("fired timer still pending")
	}
}

func TestSchedulerCancel(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	log := &fireLog{}
	handle := s.Schedule("m1", 1, 30*time.Millisecond, log.callback)
	s.Cancel(handle)
	s.Cancel(handle) // idempotent

	time.Sleep(100 * time.Millisecond)
	if n := log.count(); n != 0 {
		t.Errorf("cancelled timer fired %d times", n)
	}
	if s.Pending() != 0 {
		t.Errorf("cancelled timer still counted as pending")
	}
}

func TestSchedulerOrdersByDueTime(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	log := &fireLog{}
	s.Schedule("m1", 2, 80*time.Millisecond, log.callback)
	s.Schedule("m1", 1, 20*time.Millisecond, log.callback)

	waitFor(t, time.Second, func() bool { return log.count() == 2 })
	log.mu.Lock()
	defer log.mu.Unlock()
	if log.fired[0] != 1 || log.fired[1] != 2 {
		t.Errorf("expected firing order [1 2], got %v", log.fired)
	}
}

func TestSchedulerSurvivesPanickingCallback(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	log := &fireLog{}
	s.Schedule("m1", 1, 10*time.Millisecond, func(string, uint64) { panic("bad callback") })
	s.Schedule("m1", 2, 30*time.Millisecond, log.callback)

	waitFor(t, time.Second, func() bool { return log.count() == 1 })
}

func TestSchedulerStopPreventsFiring(t *testing.T) {
	s := NewScheduler()
	s.Start()

	log := &fireLog{}
	s.Schedule("m1", 1, 50*time.Millisecond, log.callback)
	s.Stop()

	time.Sleep(100 * time.Millisecond)
	if n := log.count(); n != 0 {
		t.Errorf("timer fired %d times after Stop", n)
	}
}
