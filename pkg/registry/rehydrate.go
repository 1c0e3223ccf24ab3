package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/stateflowio/stateflow/pkg/fsm"
	"github.com/stateflowio/stateflow/pkg/history"
	"github.com/stateflowio/stateflow/pkg/observer"
	"github.com/stateflowio/stateflow/pkg/persistence"
)

// maxTimeoutCatchUp bounds the synthetic timeout chain replayed during
// rehydration. A machine that slept through more expired timeouts than this
// continues the chain through the scheduler once registered.
const maxTimeoutCatchUp = 8

// rehydrate restores one machine from the provider, single-flight per id.
// Concurrent callers for the same id wait for the winner and then re-resolve
// through the routing loop.
func (r *Registry) rehydrate(ctx context.Context, machineID string) error {
	r.mu.Lock()
	if _, ok := r.live[machineID]; ok {
		r.mu.Unlock()
		return nil
	}
	if b, ok := r.archiving[machineID]; ok {
		state := b.machine.CurrentState()
		r.mu.Unlock()
		return &MachineCompleteError{MachineID: machineID, State: state}
	}
	if wait, ok := r.rehydrating[machineID]; ok {
		r.mu.Unlock()
		select {
		case <-wait:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	wait := make(chan struct{})
	r.rehydrating[machineID] = wait
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.rehydrating, machineID)
		r.mu.Unlock()
		close(wait)
	}()
	return r.doRehydrate(ctx, machineID)
}

func (r *Registry) doRehydrate(ctx context.Context, machineID string) error {
	var rec persistence.Record
	err := r.retry.Do(ctx, r.logger, fmt.Sprintf("load machine %s", machineID), func() error {
		var lerr error
		rec, lerr = r.provider.Load(ctx, machineID)
		return lerr
	})
	if errors.Is(err, persistence.ErrNotFound) {
		return &UnknownMachineError{MachineID: machineID}
	}
	if err != nil {
		return fmt.Errorf("rehydrate machine %s: %w", machineID, err)
	}

	// A complete record means the process died between the final persist and
	// the archive move; re-enqueue the move instead of reviving the machine.
	if rec.IsComplete {
		r.archiver.Enqueue(history.Entry{
			MachineID:       rec.MachineID,
			Context:         rec.Context,
			FinalState:      rec.CurrentState,
			LastStateChange: rec.LastStateChange,
			CreatedAt:       rec.CreatedAt,
		})
		return &MachineCompleteError{MachineID: machineID, State: rec.CurrentState}
	}

	def, err := r.definitionForRecord(rec)
	if err != nil {
		return err
	}

	b := newBinding(r, nil, r.queueSize)
	opts := append([]fsm.Option{
		fsm.WithHooks(b),
		fsm.WithTimeoutArmer(r),
		fsm.WithLogger(r.logger),
		fsm.WithClock(r.clock),
	}, r.machineOpts...)
	m, err := fsm.NewMachine(def, machineID, opts...)
	if err != nil {
		return err
	}
	b.machine = m

	if err := m.Restore(rec.Context, rec.CurrentState, rec.LastStateChange); err != nil {
		return fmt.Errorf("rehydrate machine %s: %w", machineID, err)
	}

	r.rehydrations.Add(1)
	r.metrics.MachineRehydrated()
	r.publishSnapshot(m.RehydratedSnapshot())
	r.bus.PublishLifecycle(observer.LifecycleEvent{
		Kind:      observer.LifecycleRehydrated,
		MachineID: machineID,
		Detail:    rec.CurrentState,
	})

	if err := r.catchUpTimeouts(ctx, b); err != nil {
		return err
	}

	r.mu.Lock()
	r.live[machineID] = b
	n := len(r.live)
	r.mu.Unlock()
	b.start()
	r.metrics.SetLiveMachines(n)
	r.logger.Debugf("machine %s rehydrated into state %s", machineID, m.CurrentState())
	return nil
}

// catchUpTimeouts replays timeouts that expired while the machine was
// parked. The restored state's remaining timeout is re-armed from the
// persisted last-state-change; a fully elapsed timeout fires synthetically
// before the machine accepts the event that woke it, so ordering matches
// what an always-resident machine would have seen. A chain that lands in a
// final state diverts straight to archival.
func (r *Registry) catchUpTimeouts(ctx context.Context, b *binding) error {
	m := b.machine
	def := m.Definition()

	for i := 0; i < maxTimeoutCatchUp; i++ {
		st := def.State(m.CurrentState())
		if st == nil || st.Timeout == nil {
			return nil
		}
		elapsed := r.clock().Sub(m.LastStateChange())
		if elapsed < st.Timeout.Duration {
			m.ArmTimeout(st.Timeout.Duration - elapsed)
			return nil
		}

		ev := fsm.NewTimeoutEvent(m.EntryVersion())
		ev.Type = def.TimeoutEventName()
		if _, err := m.Fire(ctx, ev); err != nil {
			return fmt.Errorf("machine %s: replay expired timeout: %w", m.ID(), err)
		}
		if b.pendingFinal {
			r.finalize(b)
			return &MachineCompleteError{MachineID: m.ID(), State: m.CurrentState()}
		}
		// An offline target stays live here: an event is about to be
		// delivered, and the consumer parks the machine again once its
		// mailbox drains.
	}

	// Chain cap reached; let the scheduler continue the replay through the
	// mailbox once the machine is registered.
	m.ArmTimeout(0)
	return nil
}

// definitionForRecord resolves the definition a persisted machine belongs
// to. Records written by this runtime carry the definition id inside the
// context blob; records without one fall back to the sole registered
// definition.
func (r *Registry) definitionForRecord(rec persistence.Record) (*fsm.Definition, error) {
	pctx, err := fsm.DecodeContext(rec.Context)
	if err != nil {
		return nil, fmt.Errorf("decode context for machine %s: %w", rec.MachineID, err)
	}
	return r.definition(pctx.Definition)
}
