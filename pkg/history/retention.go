package history

import (
	"context"
	"sync"
	"time"

	"github.com/stateflowio/stateflow/pkg/core"
)

// Retention prunes archive entries older than a configured age on a fixed
// cadence. Prune failures are logged and retried on the next cycle; unlike
// a failed archive move, a failed prune loses nothing.
type Retention struct {
	store    Store
	maxAge   time.Duration
	interval time.Duration
	logger   core.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// RetentionOption configures a retention loop.
type RetentionOption func(*Retention)

// WithRetentionInterval overrides the prune cadence. Default 24h.
func WithRetentionInterval(d time.Duration) RetentionOption {
	return func(r *Retention) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithRetentionLogger sets a custom logger.
func WithRetentionLogger(logger core.Logger) RetentionOption {
	return func(r *Retention) { r.logger = logger }
}

// NewRetention creates a retention loop deleting entries older than maxAge.
// A maxAge of zero disables pruning; Start becomes a no-op.
func NewRetention(store Store, maxAge time.Duration, opts ...RetentionOption) *Retention {
	r := &Retention{
		store:    store,
		maxAge:   maxAge,
		interval: 24 * time.Hour,
		logger:   core.NewDefaultLogger(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the prune loop. The first prune runs after one interval.
func (r *Retention) Start() {
	if r.maxAge <= 0 {
		close(r.done)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
}

// Stop terminates the loop.
func (r *Retention) Stop() {
	r.once.Do(func() {
		if r.cancel == nil {
			return
		}
		r.cancel()
		<-r.done
	})
}

func (r *Retention) run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.PruneOnce(ctx)
		}
	}
}

// PruneOnce runs a single prune cycle and returns how many entries were
// removed.
func (r *Retention) PruneOnce(ctx context.Context) int64 {
	cutoff := time.Now().Add(-r.maxAge)
	n, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		r.logger.Warnf("history prune failed, will retry next cycle: %v", err)
		return 0
	}
	if n > 0 {
		r.logger.Infof("history prune removed %d entries older than %s", n, r.maxAge)
	}
	return n
}
