package batch

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"extractflow/internal/extraction"
	"extractflow/internal/logging"
	"extractflow/internal/runstore"
	"extractflow/internal/services"
)

var errBatchClosed = errors.New("batch closed")

// unitWork is one unit still to finish. last is the unit's most recent run
// when dispatch resumes an existing lineage.
type unitWork struct {
	unit *runstore.BatchUnit
	last *runstore.ExtractionRun
}

// activeBatch is the in-memory owner of a dispatching batch. mu serializes
// every aggregate mutation and its write to the store.
type activeBatch struct {
	mu        sync.Mutex
	batch     *runstore.BatchRun
	resume    chan struct{}
	remaining int
	completed map[string]bool

	cancel context.CancelCauseFunc
	done   chan struct{}
}

func (ab *activeBatch) snapshot() *runstore.BatchRun {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	copied := *ab.batch
	return &copied
}

// awaitRunning blocks while the batch is paused. It fails once the batch is
// terminal or ctx ends.
func (ab *activeBatch) awaitRunning(ctx context.Context) error {
	for {
		ab.mu.Lock()
		state := ab.batch.State
		resume := ab.resume
		ab.mu.Unlock()

		if state.IsTerminal() {
			return errBatchClosed
		}
		if state != runstore.BatchPaused || resume == nil {
			return ctx.Err()
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// releaseWaiters wakes dispatchers blocked on a pause. Callers hold mu.
func (ab *activeBatch) releaseWaiters() {
	if ab.resume != nil {
		close(ab.resume)
		ab.resume = nil
	}
}

// restore puts back prev after a failed write. A restored pause gets a fresh
// resume channel, since waiters may have been released already. Callers hold mu.
func (ab *activeBatch) restore(prev runstore.BatchRun) {
	*ab.batch = prev
	if prev.State == runstore.BatchPaused && ab.resume == nil {
		ab.resume = make(chan struct{})
	}
}

// launch registers the batch and starts its dispatcher. Callers hold o.mu.
func (o *Orchestrator) launch(batch *runstore.BatchRun, prompt string, work []unitWork) *activeBatch {
	ctx, cancel := context.WithCancelCause(o.baseCtx)
	ctx = services.WithBatchID(ctx, batch.ID)
	ab := &activeBatch{
		batch:     batch,
		remaining: len(work),
		completed: make(map[string]bool, len(work)),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if batch.State == runstore.BatchPaused {
		ab.resume = make(chan struct{})
	}
	o.active[batch.ID] = ab
	o.wg.Add(1)
	go o.dispatch(ctx, ab, prompt, work)
	return ab
}

func (o *Orchestrator) dispatch(ctx context.Context, ab *activeBatch, prompt string, work []unitWork) {
	defer o.wg.Done()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.settings.Concurrency)
	for _, w := range work {
		if err := ab.awaitRunning(gctx); err != nil {
			break
		}
		g.Go(func() error {
			return o.processUnit(gctx, ab, prompt, w)
		})
	}
	o.settle(ctx, ab, g.Wait())
}

// processUnit runs a unit's lineage until a run succeeds or the depth limit
// is reached. Returning nil without completing the unit means dispatch was
// stopped; the run involved has already been failed.
func (o *Orchestrator) processUnit(ctx context.Context, ab *activeBatch, prompt string, w unitWork) error {
	ctx = services.WithUnitID(ctx, w.unit.ID)
	logger := logging.WithContext(ctx, o.logger)
	maxDepth := o.controller.Settings().MaxRetryDepth
	last := w.last

	for {
		if last != nil {
			if last.State == runstore.RunSucceeded {
				return o.completeUnit(ctx, last, runstore.UnitSucceeded)
			}
			if last.Attempt >= maxDepth {
				logging.WarnWithContext(logger, "unit failed after retries", "unit_failed",
					logging.String(logging.FieldRunID, last.ID),
					logging.Int("attempts", last.Attempt),
					logging.String("last_state", string(last.State)),
					logging.String("last_error", last.ErrorMessage),
					logging.String(logging.FieldImpact, "unit counted as failed"),
				)
				return o.completeUnit(ctx, last, runstore.UnitFailed)
			}
		}
		if err := ab.awaitRunning(ctx); err != nil {
			return nil
		}

		var parent *string
		if last != nil {
			id := last.ID
			parent = &id
			logger.Info("retrying unit",
				logging.String(logging.FieldEventType, "unit_retry"),
				logging.String(logging.FieldParentRunID, id),
				logging.String("parent_state", string(last.State)),
				logging.Int("attempt", last.Attempt+1),
			)
		}
		run, err := o.controller.Start(ctx, w.unit, parent)
		if errors.Is(err, extraction.ErrRetryExhausted) {
			return o.completeUnit(ctx, last, runstore.UnitFailed)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if _, err := o.controller.Process(ctx, run, w.unit, prompt); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ctx.Err() != nil && run.State != runstore.RunSucceeded {
			return nil
		}
		last = run
	}
}

func (o *Orchestrator) completeUnit(ctx context.Context, run *runstore.ExtractionRun, outcome runstore.UnitOutcome) error {
	result := RunResult{Outcome: outcome}
	if outcome == runstore.UnitSucceeded {
		result.Matched = run.MatchedCount
	}
	return o.OnRunCompleted(context.WithoutCancel(ctx), run.ID, result)
}

// settle runs once dispatch stops. A batch stopped by shutdown is left as is
// for Recover. Dispatch errors fail the batch.
func (o *Orchestrator) settle(ctx context.Context, ab *activeBatch, dispatchErr error) {
	storeCtx := context.WithoutCancel(ctx)
	logger := logging.WithContext(ctx, o.logger)

	ab.mu.Lock()
	batch := ab.batch
	if !batch.State.IsTerminal() {
		switch {
		case dispatchErr != nil:
			if err := batch.Finish(runstore.BatchFailed, o.now(), dispatchErr.Error()); err == nil {
				ab.releaseWaiters()
				if err := o.store.SaveBatch(storeCtx, batch); err != nil {
					logger.Error("failed to persist batch failure", logging.Error(err))
				}
				logging.ErrorWithContext(logger, "batch failed", "batch_failed",
					logging.Error(dispatchErr),
					logging.String(logging.FieldErrorKind, services.Kind(dispatchErr)),
				)
			}
		case ab.remaining == 0:
			o.finalizeLocked(ab, logger)
			if err := o.store.SaveBatch(storeCtx, batch); err != nil {
				logger.Error("failed to persist batch outcome", logging.Error(err))
			}
		case ctx.Err() != nil:
			logger.Info("batch dispatch stopped",
				logging.String(logging.FieldEventType, "batch_interrupted"),
				logging.String("reason", context.Cause(ctx).Error()),
				logging.Int("remaining_units", ab.remaining),
			)
		}
	}
	final := *batch
	ab.mu.Unlock()

	o.mu.Lock()
	delete(o.active, batch.ID)
	o.mu.Unlock()
	ab.cancel(nil)
	close(ab.done)

	if o.notifier != nil && final.State.IsTerminal() {
		if err := o.notifier.BatchFinished(storeCtx, &final); err != nil {
			logging.WarnWithContext(logger, "batch notification failed", "notification_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "batch outcome was not announced"),
			)
		}
	}
}
