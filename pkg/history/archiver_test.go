package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stateflowio/stateflow/pkg/core"
	"github.com/stateflowio/stateflow/pkg/db"
	"github.com/stateflowio/stateflow/pkg/persistence"
)

func sqlitePool(t *testing.T) *db.Pool {
	t.Helper()
	pool, err := db.NewPool(db.PoolConfig{
		DriverName:   "sqlite3",
		DSN:          filepath.Join(t.TempDir(), "history.db"),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func entry(id, state string) Entry {
	return Entry{
		MachineID:       id,
		Context:         []byte(`{"machineId":"` + id + `"}`),
		FinalState:      state,
		LastStateChange: time.Now(),
		CreatedAt:       time.Now().Add(-time.Hour),
	}
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

func TestMemoryStoreMoveIsExclusive(t *testing.T) {
	active := persistence.NewMemoryProvider()
	ctx := context.Background()

	rec := persistence.Record{MachineID: "m1", Context: []byte(`{}`), CurrentState: "DONE", IsComplete: true}
	if err := active.Save(ctx, rec); err != nil {
		t.Fatalf("seed active record: %v", err)
	}

	store := NewMemoryStore(active)
	if err := store.ArchiveMove(ctx, entry("m1", "DONE")); err != nil {
		t.Fatalf("archive move: %v", err)
	}

	if exists, _ := active.Exists(ctx, "m1"); exists {
		t.Errorf("id visible in active store after the move")
	}
	got, err := store.Load(ctx, "m1")
	if err != nil {
		t.Fatalf("load archived: %v", err)
	}
	if got.FinalState != "DONE" || got.ArchivedAt.IsZero() {
		t.Errorf("unexpected entry: %+v", got)
	}
	if _, err := store.Load(ctx, "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStorePrune(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	old := entry("old", "DONE")
	old.ArchivedAt = time.Now().Add(-48 * time.Hour)
	fresh := entry("fresh", "DONE")
	fresh.ArchivedAt = time.Now()
	for _, e := range []Entry{old, fresh} {
		if err := store.ArchiveMove(ctx, e); err != nil {
			t.Fatalf("move: %v", err)
		}
	}

	n, err := store.Prune(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 || store.Len() != 1 {
		t.Fatalf("expected one pruned entry, got n=%d len=%d", n, store.Len())
	}
	if _, err := store.Load(ctx, "fresh"); err != nil {
		t.Errorf("fresh entry pruned by mistake")
	}
}

// flakyStore fails the first n moves with a transient error.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) ArchiveMove(ctx context.Context, e Entry) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return persistence.Transient(errors.New("history db unavailable"))
	}
	return s.MemoryStore.ArchiveMove(ctx, e)
}

func TestArchiverRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(nil), failures: 2}
	a := NewArchiver(store,
		WithRetryPolicy(persistence.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}),
		WithArchiverLogger(core.NopLogger{}),
	)
	a.Start()
	defer a.Stop()

	if !a.Enqueue(entry("m1", "DONE")) {
		t.Fatalf("enqueue refused")
	}
	waitFor(t, time.Second, func() bool { return store.Len() == 1 })
}

func TestArchiverEscalatesAfterExhaustedRetries(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(nil), failures: 100}
	fatal := make(chan error, 1)
	a := NewArchiver(store,
		WithRetryPolicy(persistence.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}),
		WithArchiverLogger(core.NopLogger{}),
		WithOnFatal(func(err error) { fatal <- err }),
	)
	a.Start()
	defer a.Stop()

	a.Enqueue(entry("m1", "DONE"))
	select {
	case err := <-fatal:
		if err == nil {
			t.Fatalf("nil fatal error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no fatal escalation")
	}
}

func TestArchiverReportsSuccess(t *testing.T) {
	store := NewMemoryStore(nil)
	archived := make(chan string, 1)
	a := NewArchiver(store, WithOnArchived(func(id string) { archived <- id }),
		WithArchiverLogger(core.NopLogger{}))
	a.Start()
	defer a.Stop()

	a.Enqueue(entry("m1", "DONE"))
	select {
	case id := <-archived:
		if id != "m1" {
			t.Fatalf("unexpected id %s", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("archive callback never fired")
	}
}

func TestStartupScanReEnqueuesCompleteRecords(t *testing.T) {
	active := persistence.NewMemoryProvider()
	ctx := context.Background()

	stuck := persistence.Record{MachineID: "stuck", Context: []byte(`{}`), CurrentState: "DONE", IsComplete: true}
	running := persistence.Record{MachineID: "running", Context: []byte(`{}`), CurrentState: "PARKED"}
	for _, rec := range []persistence.Record{stuck, running} {
		if err := active.Save(ctx, rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	store := NewMemoryStore(active)
	a := NewArchiver(store, WithArchiverLogger(core.NopLogger{}))
	a.Start()
	defer a.Stop()

	if err := a.StartupScan(ctx, active); err != nil {
		t.Fatalf("scan: %v", err)
	}
	waitFor(t, time.Second, func() bool { return store.Len() == 1 })
	if exists, _ := active.Exists(ctx, "stuck"); exists {
		t.Errorf("stuck record not moved")
	}
	if exists, _ := active.Exists(ctx, "running"); !exists {
		t.Errorf("running record must survive the scan")
	}
}

func TestRetentionPrunesOnCycle(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	old := entry("old", "DONE")
	old.ArchivedAt = time.Now().Add(-2 * time.Hour)
	if err := store.ArchiveMove(ctx, old); err != nil {
		t.Fatalf("move: %v", err)
	}

	r := NewRetention(store, time.Hour, WithRetentionLogger(core.NopLogger{}))
	if n := r.PruneOnce(ctx); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}

	// Zero max age disables the loop entirely.
	disabled := NewRetention(store, 0)
	disabled.Start()
	disabled.Stop()
}

func TestSQLStoreMoveAndPrune(t *testing.T) {
	pool := sqlitePool(t)
	provider, err := persistence.NewSQLProvider(pool, "machines")
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	store, err := NewSQLStore(pool, "machine_history", "machines")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	ctx := context.Background()

	rec := persistence.Record{
		MachineID:       "m1",
		Context:         []byte(`{"machineId":"m1"}`),
		CurrentState:    "DONE",
		LastStateChange: time.Now().Truncate(time.Microsecond),
		IsComplete:      true,
	}
	if err := provider.Save(ctx, rec); err != nil {
		t.Fatalf("seed: %v", err)
	}

	e := entry("m1", "DONE")
	if err := store.ArchiveMove(ctx, e); err != nil {
		t.Fatalf("move: %v", err)
	}
	if exists, _ := provider.Exists(ctx, "m1"); exists {
		t.Errorf("active row survived the move")
	}
	got, err := store.Load(ctx, "m1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.FinalState != "DONE" {
		t.Errorf("unexpected entry %+v", got)
	}

	n, err := store.Prune(ctx, time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("prune: n=%d err=%v", n, err)
	}
	if _, err := store.Load(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("entry survived prune")
	}
}

func TestSQLStoreMoveAcrossShards(t *testing.T) {
	poolA := sqlitePool(t)
	poolB := sqlitePool(t)

	shardA, err := persistence.NewSQLProvider(poolA, "machines")
	if err != nil {
		t.Fatalf("shard a: %v", err)
	}
	shardB, err := persistence.NewSQLProvider(poolB, "machines")
	if err != nil {
		t.Fatalf("shard b: %v", err)
	}
	sharded, err := persistence.NewShardedProvider(shardA, shardB)
	if err != nil {
		t.Fatalf("sharded: %v", err)
	}

	// The archive lives on shard A's database only; deletes must reach
	// whichever shard owns each id.
	store, err := NewSQLStore(poolA, "machine_history", "machines", WithActiveProvider(sharded))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	ctx := context.Background()

	ids := []string{"m-0", "m-1", "m-2", "m-3", "m-4", "m-5", "m-6", "m-7"}
	for _, id := range ids {
		rec := persistence.Record{
			MachineID:       id,
			Context:         []byte(`{"machineId":"` + id + `"}`),
			CurrentState:    "DONE",
			LastStateChange: time.Now().Truncate(time.Microsecond),
			IsComplete:      true,
		}
		if err := sharded.Save(ctx, rec); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	for _, id := range ids {
		if err := store.ArchiveMove(ctx, entry(id, "DONE")); err != nil {
			t.Fatalf("move %s: %v", id, err)
		}
	}

	for _, id := range ids {
		if exists, _ := sharded.Exists(ctx, id); exists {
			t.Errorf("id %s still visible in the active store after the move", id)
		}
		if _, err := store.Load(ctx, id); err != nil {
			t.Errorf("load archived %s: %v", id, err)
		}
	}
}

// slowStore delays each move so a backlog survives until Stop.
type slowStore struct {
	*MemoryStore
	delay time.Duration
}

func (s *slowStore) ArchiveMove(ctx context.Context, e Entry) error {
	time.Sleep(s.delay)
	return s.MemoryStore.ArchiveMove(ctx, e)
}

func TestArchiverStopDrainsBacklog(t *testing.T) {
	store := &slowStore{MemoryStore: NewMemoryStore(nil), delay: 20 * time.Millisecond}
	a := NewArchiver(store, WithWorkers(1), WithArchiverLogger(core.NopLogger{}))
	a.Start()

	for i := 0; i < 5; i++ {
		if !a.Enqueue(entry(fmt.Sprintf("m-%d", i), "DONE")) {
			t.Fatalf("enqueue refused")
		}
	}
	a.Stop()

	if got := store.Len(); got != 5 {
		t.Fatalf("backlog abandoned at shutdown: archived %d of 5", got)
	}
	if a.Enqueue(entry("late", "DONE")) {
		t.Errorf("enqueue accepted after stop")
	}
}
