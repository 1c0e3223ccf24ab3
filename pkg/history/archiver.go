package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stateflowio/stateflow/pkg/core"
	"github.com/stateflowio/stateflow/pkg/persistence"
)

// Archiver drains a bounded queue of completed machines into the Store with
// a small worker pool. Transient store failures are retried with backoff; a
// move that still fails after the last attempt escalates through the fatal
// handler, because losing a completed machine is unrecoverable corruption.
type Archiver struct {
	store Store
	queue chan Entry

	workers int
	retry   persistence.RetryPolicy

	onArchived func(machineID string)
	onFatal    func(err error)
	logger     core.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// ArchiverOption configures an archiver.
type ArchiverOption func(*Archiver)

// WithQueueSize bounds the pending-move queue. Default 1024.
func WithQueueSize(n int) ArchiverOption {
	return func(a *Archiver) {
		if n > 0 {
			a.queue = make(chan Entry, n)
		}
	}
}

// WithWorkers sets the worker pool size. Default 2.
func WithWorkers(n int) ArchiverOption {
	return func(a *Archiver) {
		if n > 0 {
			a.workers = n
		}
	}
}

// WithRetryPolicy overrides the move retry policy.
func WithRetryPolicy(p persistence.RetryPolicy) ArchiverOption {
	return func(a *Archiver) { a.retry = p }
}

// WithOnArchived registers a callback fired after each successful move.
func WithOnArchived(fn func(machineID string)) ArchiverOption {
	return func(a *Archiver) { a.onArchived = fn }
}

// WithOnFatal registers the escalation handler for exhausted retries.
func WithOnFatal(fn func(err error)) ArchiverOption {
	return func(a *Archiver) { a.onFatal = fn }
}

// WithArchiverLogger sets a custom logger.
func WithArchiverLogger(logger core.Logger) ArchiverOption {
	return func(a *Archiver) { a.logger = logger }
}

// NewArchiver creates an archiver over the store. Call Start before Enqueue.
func NewArchiver(store Store, opts ...ArchiverOption) *Archiver {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Archiver{
		store:   store,
		queue:   make(chan Entry, 1024),
		workers: 2,
		retry:   persistence.DefaultRetryPolicy(),
		logger:  core.NewDefaultLogger(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start launches the worker pool.
func (a *Archiver) Start() {
	a.startOnce.Do(func() {
		for i := 0; i < a.workers; i++ {
			a.wg.Add(1)
			go a.work()
		}
	})
}

// stopGrace bounds how long Stop waits for the backlog to drain.
const stopGrace = 5 * time.Second

// Stop waits for the backlog to drain, bounded by stopGrace, then stops the
// workers. Entries still queued past the grace are abandoned; the startup
// scan re-enqueues them on the next boot.
func (a *Archiver) Stop() {
	a.stopOnce.Do(func() {
		deadline := time.Now().Add(stopGrace)
		for len(a.queue) > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		a.cancel()
		a.wg.Wait()
	})
}

// Enqueue queues one move, blocking when the queue is full. Returns false
// after Stop.
func (a *Archiver) Enqueue(entry Entry) bool {
	select {
	case <-a.ctx.Done():
		return false
	case a.queue <- entry:
		return true
	}
}

// Backlog returns the number of queued moves.
func (a *Archiver) Backlog() int { return len(a.queue) }

func (a *Archiver) work() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case entry := <-a.queue:
			a.move(entry)
		}
	}
}

func (a *Archiver) move(entry Entry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	err := a.retry.Do(a.ctx, a.logger, fmt.Sprintf("archive machine %s", entry.MachineID), func() error {
		return a.store.ArchiveMove(a.ctx, entry)
	})
	if err != nil {
		if a.ctx.Err() != nil {
			return
		}
		a.logger.Errorf("archive of machine %s failed permanently: %v", entry.MachineID, err)
		if a.onFatal != nil {
			a.onFatal(fmt.Errorf("archive machine %s: %w", entry.MachineID, err))
		}
		return
	}
	a.logger.Debugf("machine %s archived in state %s", entry.MachineID, entry.FinalState)
	if a.onArchived != nil {
		a.onArchived(entry.MachineID)
	}
}

// StartupScan finds records left complete-but-active by a crash between the
// final transition and the archive move, and enqueues them. A failing scan
// is fatal: booting with unarchived completed machines silently would hide
// corruption.
func (a *Archiver) StartupScan(ctx context.Context, provider persistence.Provider) error {
	recs, err := provider.ListComplete(ctx)
	if err != nil {
		return fmt.Errorf("startup archive scan: %w", err)
	}
	for _, rec := range recs {
		a.logger.Warnf("startup scan: machine %s completed in state %s but never archived, re-enqueueing", rec.MachineID, rec.CurrentState)
		a.Enqueue(Entry{
			MachineID:       rec.MachineID,
			Context:         rec.Context,
			FinalState:      rec.CurrentState,
			LastStateChange: rec.LastStateChange,
			CreatedAt:       rec.CreatedAt,
		})
	}
	if len(recs) > 0 {
		a.logger.Infof("startup scan re-enqueued %d completed machines", len(recs))
	}
	return nil
}
