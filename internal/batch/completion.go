package batch

import (
	"context"
	"fmt"
	"log/slog"

	"extractflow/internal/config"
	"extractflow/internal/logging"
	"extractflow/internal/runstore"
	"extractflow/internal/services"
)

// RunResult is what a unit's final run contributes to its batch.
type RunResult struct {
	Outcome runstore.UnitOutcome
	Matched int64
}

// OnRunCompleted applies the final run of a unit to the batch aggregate and
// finalizes the batch once every unit is done. A unit is applied once;
// repeated calls for the same unit are ignored.
func (o *Orchestrator) OnRunCompleted(ctx context.Context, runID string, result RunResult) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	ab := o.lookup(run.BatchID)
	if ab == nil {
		return fmt.Errorf("batch %s: %w", run.BatchID, ErrBatchNotActive)
	}
	ctx = services.WithUnitID(services.WithBatchID(ctx, run.BatchID), run.UnitID)
	logger := logging.WithContext(ctx, o.logger)

	ab.mu.Lock()
	defer ab.mu.Unlock()

	if ab.completed[run.UnitID] {
		logging.WarnWithContext(logger, "duplicate unit completion ignored", "unit_completion_duplicate",
			logging.String(logging.FieldRunID, runID),
			logging.String(logging.FieldImpact, "aggregate unchanged"),
		)
		return nil
	}
	batch := ab.batch
	if batch.State.IsTerminal() {
		ab.completed[run.UnitID] = true
		ab.remaining--
		return o.store.CompleteUnit(ctx, batch, run.UnitID, runID, result.Outcome)
	}

	prev := *batch
	switch result.Outcome {
	case runstore.UnitSucceeded:
		if batch.AddMatched(result.Matched) {
			logging.WarnWithContext(logger, "matched entities exceed expected total", "match_anomaly",
				logging.Alert("match_anomaly"),
				logging.Int64("matched_entities", batch.MatchedEntities),
				logging.Int64("total_expected_entities", batch.TotalExpectedEntities),
				logging.Int64("reported_matched", batch.ReportedMatched()),
				logging.String(logging.FieldErrorHint, "check unit expected counts against their baselines"),
				logging.String(logging.FieldImpact, "match rate clamped to 100%"),
			)
		}
	default:
		batch.FailedUnits++
	}
	remaining := ab.remaining - 1
	if remaining == 0 {
		o.finalizeLocked(ab, logger)
	}
	if err := o.store.CompleteUnit(ctx, batch, run.UnitID, runID, result.Outcome); err != nil {
		ab.restore(prev)
		return err
	}
	ab.completed[run.UnitID] = true
	ab.remaining = remaining

	logger.Debug("unit completed",
		logging.String(logging.FieldEventType, "unit_completed"),
		logging.String(logging.FieldRunID, runID),
		logging.String("outcome", string(result.Outcome)),
		logging.Int64("matched", result.Matched),
		logging.Int("remaining_units", remaining),
	)
	return nil
}

// finalizeLocked closes a batch whose units are all done according to the
// failure policy. Callers hold ab.mu and persist the batch.
func (o *Orchestrator) finalizeLocked(ab *activeBatch, logger *slog.Logger) {
	batch := ab.batch
	to := runstore.BatchCompleted
	message := ""
	if batch.FailedUnits > 0 {
		message = fmt.Sprintf("%d units failed", batch.FailedUnits)
		if o.settings.FailurePolicy == config.FailurePolicyCompleteWithFailures {
			to = runstore.BatchCompletedWithFailures
		} else {
			to = runstore.BatchFailed
		}
	}
	if err := batch.Finish(to, o.now(), message); err != nil {
		logger.Error("failed to finalize batch", logging.Error(err))
		return
	}
	ab.releaseWaiters()
	logger.Info("batch finished",
		logging.String(logging.FieldEventType, "batch_finished"),
		logging.String("state", string(batch.State)),
		logging.Int64("matched_entities", batch.ReportedMatched()),
		logging.Int64("total_expected_entities", batch.TotalExpectedEntities),
		logging.Float64("match_rate", batch.MatchRate()),
		logging.Int("failed_units", batch.FailedUnits),
		logging.Duration("active_duration", batch.ActiveDuration(o.now())),
		logging.Int64("paused_ms", batch.WallClockPausedMS),
	)
}
