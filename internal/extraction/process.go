package extraction

import (
	"context"
	"errors"
	"fmt"

	"extractflow/internal/logging"
	"extractflow/internal/matcher"
	"extractflow/internal/quality"
	"extractflow/internal/runstore"
	"extractflow/internal/services"
)

// lineageSlack lets Lineage walk chains built under a larger depth limit
// before treating the chain as corrupt.
const lineageSlack = 16

// Outcome is what one Process call produced. Run is always terminal unless
// an error is returned.
type Outcome struct {
	Run     *runstore.ExtractionRun
	Quality quality.Report
	Match   matcher.Result
}

// Succeeded reports whether the run closed as succeeded.
func (o Outcome) Succeeded() bool {
	return o.Run != nil && o.Run.State == runstore.RunSucceeded
}

// Process executes, evaluates, and matches a pending run in sequence within
// the run timeout. A run that runs out of time or is cancelled is failed,
// never left running. Errors are returned only for failures that could not be
// recorded on the run.
func (c *Controller) Process(ctx context.Context, run *runstore.ExtractionRun, unit *runstore.BatchUnit, prompt string) (Outcome, error) {
	outcome := Outcome{Run: run}
	runCtx := ctx
	if c.settings.RunTimeout > 0 {
		timeoutErr := services.Wrap(services.ErrTimeout, "extraction", "process",
			fmt.Sprintf("run exceeded wall-clock budget of %s", c.settings.RunTimeout), nil)
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, c.settings.RunTimeout, timeoutErr)
		defer cancel()
	}

	if _, err := c.Execute(runCtx, run, prompt, unit.Document); err != nil {
		if errors.Is(err, ErrRunFailed) {
			return outcome, nil
		}
		return outcome, c.abandon(runCtx, run, err)
	}
	if err := runCtx.Err(); err != nil {
		return outcome, c.abandon(runCtx, run, err)
	}

	report, err := c.EvaluateQuality(runCtx, run)
	outcome.Quality = report
	if err != nil {
		return outcome, c.abandon(runCtx, run, err)
	}
	if run.State == runstore.RunQualityFailed {
		return outcome, nil
	}
	if err := runCtx.Err(); err != nil {
		return outcome, c.abandon(runCtx, run, err)
	}

	result, err := c.MatchAgainstExpected(runCtx, run, unit.Expected)
	outcome.Match = result
	if err != nil {
		return outcome, c.abandon(runCtx, run, err)
	}
	return outcome, nil
}

// abandon fails a run that stopped mid-pipeline. Deadline and cancellation
// become the run's failure; anything else is returned to the caller after the
// run is closed.
func (c *Controller) abandon(ctx context.Context, run *runstore.ExtractionRun, cause error) error {
	done := ctx.Err() != nil
	message := cause.Error()
	if done {
		message = failureMessage(ctx, cause)
	}
	if err := c.failRun(ctx, run, message, false); err != nil {
		return errors.Join(cause, err)
	}
	logger := logging.WithContext(runContext(ctx, run), c.logger)
	if done {
		logging.WarnWithContext(logger, "run stopped before completion", "run_interrupted",
			logging.String("reason", message),
			logging.String(logging.FieldImpact, "run failed; eligible for retry"),
		)
		return nil
	}
	logging.ErrorWithContext(logger, "run aborted", "run_aborted",
		logging.Error(cause),
		logging.String(logging.FieldErrorKind, services.Kind(cause)),
	)
	return cause
}

// Lineage returns the chain from the root run to runID. A parent chain that
// repeats a run or runs far past the depth limit returns ErrLineageCycle.
func (c *Controller) Lineage(ctx context.Context, runID string) ([]*runstore.ExtractionRun, error) {
	limit := c.settings.MaxRetryDepth + lineageSlack
	seen := make(map[string]struct{}, c.settings.MaxRetryDepth)
	var chain []*runstore.ExtractionRun

	id := runID
	for {
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("run %s revisits %s: %w", runID, id, ErrLineageCycle)
		}
		if len(chain) >= limit {
			return nil, fmt.Errorf("run %s lineage exceeds %d runs: %w", runID, limit, ErrLineageCycle)
		}
		seen[id] = struct{}{}
		run, err := c.store.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, run)
		if run.IsRoot() {
			break
		}
		id = *run.ParentRunID
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
