package batch

import (
	"context"
	"errors"
	"fmt"

	"extractflow/internal/logging"
	"extractflow/internal/runstore"
	"extractflow/internal/services"
)

// Pause stops new runs from starting. Runs already in flight finish.
func (o *Orchestrator) Pause(ctx context.Context, batchID string) (*runstore.BatchRun, error) {
	batch, err := o.mutate(ctx, batchID, func(ab *activeBatch, b *runstore.BatchRun) error {
		if err := b.Pause(o.now()); err != nil {
			return err
		}
		if ab != nil && ab.resume == nil {
			ab.resume = make(chan struct{})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.WithContext(services.WithBatchID(ctx, batchID), o.logger).Info("batch paused",
		logging.String(logging.FieldEventType, "batch_paused"),
	)
	return batch, nil
}

// Resume lets dispatch continue and adds the pause to wall_clock_paused_ms.
func (o *Orchestrator) Resume(ctx context.Context, batchID string) (*runstore.BatchRun, error) {
	batch, err := o.mutate(ctx, batchID, func(ab *activeBatch, b *runstore.BatchRun) error {
		if err := b.Resume(o.now()); err != nil {
			return err
		}
		if ab != nil {
			ab.releaseWaiters()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.WithContext(services.WithBatchID(ctx, batchID), o.logger).Info("batch resumed",
		logging.String(logging.FieldEventType, "batch_resumed"),
		logging.Int64("paused_ms", batch.WallClockPausedMS),
	)
	return batch, nil
}

// Cancel fails a batch that has not finished. In-flight runs are cancelled
// and recorded as failed.
func (o *Orchestrator) Cancel(ctx context.Context, batchID string) (*runstore.BatchRun, error) {
	var active *activeBatch
	batch, err := o.mutate(ctx, batchID, func(ab *activeBatch, b *runstore.BatchRun) error {
		if b.State.IsTerminal() {
			return &runstore.InvalidStateError{Entity: "batch", ID: b.ID, From: string(b.State), To: string(runstore.BatchFailed)}
		}
		if err := b.Finish(runstore.BatchFailed, o.now(), runstore.CancelReason); err != nil {
			return err
		}
		if ab != nil {
			ab.releaseWaiters()
			active = ab
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if active != nil {
		active.cancel(errors.New(runstore.CancelReason))
	}
	logging.WithContext(services.WithBatchID(ctx, batchID), o.logger).Info("batch cancelled",
		logging.String(logging.FieldEventType, "batch_cancelled"),
	)
	return batch, nil
}

// Wait blocks until the batch stops dispatching or ctx ends, then returns
// its stored state.
func (o *Orchestrator) Wait(ctx context.Context, batchID string) (*runstore.BatchRun, error) {
	if ab := o.lookup(batchID); ab != nil {
		select {
		case <-ab.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.getBatch(ctx, batchID)
}

// mutate applies fn to the live batch when it is dispatching, otherwise to
// the stored row, and persists the result. A failed write restores the
// previous in-memory state, including a pause.
func (o *Orchestrator) mutate(ctx context.Context, batchID string, fn func(ab *activeBatch, b *runstore.BatchRun) error) (*runstore.BatchRun, error) {
	if ab := o.lookup(batchID); ab != nil {
		ab.mu.Lock()
		defer ab.mu.Unlock()
		prev := *ab.batch
		if err := fn(ab, ab.batch); err != nil {
			return nil, err
		}
		if err := o.store.SaveBatch(ctx, ab.batch); err != nil {
			ab.restore(prev)
			return nil, err
		}
		copied := *ab.batch
		return &copied, nil
	}

	batch, err := o.getBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := fn(nil, batch); err != nil {
		return nil, err
	}
	if err := o.store.SaveBatch(ctx, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// Delete removes a pending or finished batch with its units, runs and
// entities. Batches that are running or paused, including ones waiting for
// Recover, are refused.
func (o *Orchestrator) Delete(ctx context.Context, batchID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	batch, err := o.getBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if _, ok := o.active[batchID]; ok || (batch.State != runstore.BatchPending && !batch.State.IsTerminal()) {
		return &runstore.InvalidStateError{Entity: "batch", ID: batchID, From: string(batch.State), To: "deleted"}
	}
	if err := o.store.DeleteBatch(ctx, batchID); err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			return fmt.Errorf("batch %s: %w", batchID, ErrBatchNotFound)
		}
		return err
	}
	logging.WithContext(services.WithBatchID(ctx, batchID), o.logger).Info("batch deleted",
		logging.String(logging.FieldEventType, "batch_deleted"),
		logging.String("state", string(batch.State)),
	)
	return nil
}
