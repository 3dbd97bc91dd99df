package batch

import (
	"context"

	"extractflow/internal/logging"
	"extractflow/internal/runstore"
	"extractflow/internal/services"
)

// Recover resumes work left behind by a previous process. Runs still pending
// or running are failed as interrupted, then every running or paused batch is
// dispatched again from each unfinished unit's latest run. It returns the
// number of batches resumed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	interrupted, err := o.store.FailInFlightRuns(ctx, runstore.DaemonStopReason)
	if err != nil {
		return 0, err
	}
	if interrupted > 0 {
		logging.WarnWithContext(o.logger, "interrupted runs marked failed", "runs_interrupted",
			logging.Int64("runs", interrupted),
			logging.String(logging.FieldImpact, "affected units retry from the failed run"),
		)
	}

	batches, err := o.store.ListBatches(ctx, runstore.BatchRunning, runstore.BatchPaused)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, batch := range batches {
		if o.lookup(batch.ID) != nil {
			continue
		}
		logger := logging.WithContext(services.WithBatchID(ctx, batch.ID), o.logger)
		work, prompt, err := o.recoverWork(ctx, batch)
		if err != nil {
			logging.ErrorWithContext(logger, "batch cannot be resumed", "batch_recover_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorKind, services.Kind(err)),
			)
			if finishErr := batch.Finish(runstore.BatchFailed, o.now(), err.Error()); finishErr == nil {
				if saveErr := o.store.SaveBatch(ctx, batch); saveErr != nil {
					return resumed, saveErr
				}
			}
			continue
		}

		o.mu.Lock()
		o.launch(batch, prompt, work)
		o.mu.Unlock()
		resumed++
		logger.Info("batch resumed after restart",
			logging.String(logging.FieldEventType, "batch_recovered"),
			logging.String("state", string(batch.State)),
			logging.Int("remaining_units", len(work)),
		)
	}
	return resumed, nil
}

func (o *Orchestrator) recoverWork(ctx context.Context, batch *runstore.BatchRun) ([]unitWork, string, error) {
	prompt, err := o.store.GetPromptVersion(ctx, batch.PromptName, batch.PromptVersion)
	if err != nil {
		return nil, "", err
	}
	units, err := o.store.ListUnits(ctx, batch.ID)
	if err != nil {
		return nil, "", err
	}
	var work []unitWork
	for _, unit := range units {
		if unit.Outcome != "" {
			continue
		}
		runs, err := o.store.ListRunsByUnit(ctx, unit.ID)
		if err != nil {
			return nil, "", err
		}
		w := unitWork{unit: unit}
		for _, run := range runs {
			if w.last == nil || run.Attempt > w.last.Attempt {
				w.last = run
			}
		}
		work = append(work, w)
	}
	return work, prompt.Content, nil
}
