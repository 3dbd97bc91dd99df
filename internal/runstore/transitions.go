package runstore

import "time"

type batchTransition struct {
	from BatchState
	to   BatchState
}

var batchTransitions = map[batchTransition]struct{}{
	{BatchPending, BatchRunning}:               {},
	{BatchPending, BatchFailed}:                {},
	{BatchRunning, BatchPaused}:                {},
	{BatchRunning, BatchCompleted}:             {},
	{BatchRunning, BatchCompletedWithFailures}: {},
	{BatchRunning, BatchFailed}:                {},
	{BatchPaused, BatchRunning}:                {},
	{BatchPaused, BatchCompleted}:              {},
	{BatchPaused, BatchCompletedWithFailures}:  {},
	{BatchPaused, BatchFailed}:                 {},
}

type runTransition struct {
	from RunState
	to   RunState
}

var runTransitions = map[runTransition]struct{}{
	{RunPending, RunRunning}:       {},
	{RunPending, RunFailed}:        {},
	{RunRunning, RunSucceeded}:     {},
	{RunRunning, RunFailed}:        {},
	{RunRunning, RunQualityFailed}: {},
}

// CanTransitionBatch reports whether from→to is a legal batch move.
func CanTransitionBatch(from, to BatchState) bool {
	_, ok := batchTransitions[batchTransition{from, to}]
	return ok
}

// CanTransitionRun reports whether from→to is a legal run move.
func CanTransitionRun(from, to RunState) bool {
	_, ok := runTransitions[runTransition{from, to}]
	return ok
}

func (b *BatchRun) checkTransition(to BatchState) error {
	if !CanTransitionBatch(b.State, to) {
		return &InvalidStateError{Entity: "batch", ID: b.ID, From: string(b.State), To: string(to)}
	}
	return nil
}

// Start moves a pending batch to running.
func (b *BatchRun) Start(now time.Time) error {
	if b.State != BatchPending {
		return &InvalidStateError{Entity: "batch", ID: b.ID, From: string(b.State), To: string(BatchRunning)}
	}
	now = now.UTC()
	b.State = BatchRunning
	b.StartedAt = &now
	b.UpdatedAt = now
	return nil
}

// Pause moves a running batch to paused and records when the pause began.
func (b *BatchRun) Pause(now time.Time) error {
	if err := b.checkTransition(BatchPaused); err != nil {
		return err
	}
	now = now.UTC()
	b.State = BatchPaused
	b.PauseStartedAt = &now
	b.UpdatedAt = now
	return nil
}

// Resume moves a paused batch back to running and folds the pause into
// WallClockPausedMS.
func (b *BatchRun) Resume(now time.Time) error {
	if b.State != BatchPaused {
		return &InvalidStateError{Entity: "batch", ID: b.ID, From: string(b.State), To: string(BatchRunning)}
	}
	now = now.UTC()
	b.settlePause(now)
	b.State = BatchRunning
	b.UpdatedAt = now
	return nil
}

// Finish moves the batch to a terminal state. A batch finishing while paused
// has its open pause settled first.
func (b *BatchRun) Finish(to BatchState, now time.Time, message string) error {
	if !to.IsTerminal() {
		return &InvalidStateError{Entity: "batch", ID: b.ID, From: string(b.State), To: string(to)}
	}
	if err := b.checkTransition(to); err != nil {
		return err
	}
	now = now.UTC()
	b.settlePause(now)
	b.State = to
	b.CompletedAt = &now
	b.ErrorMessage = message
	b.UpdatedAt = now
	return nil
}

func (b *BatchRun) settlePause(now time.Time) {
	if b.PauseStartedAt == nil {
		return
	}
	if elapsed := now.Sub(*b.PauseStartedAt).Milliseconds(); elapsed > 0 {
		b.WallClockPausedMS += elapsed
	}
	b.PauseStartedAt = nil
}

// AddMatched adds a unit's match count. The raw total is kept; when it exceeds
// the expected total MatchAnomaly is set and true is returned.
func (b *BatchRun) AddMatched(count int64) bool {
	if count < 0 {
		count = 0
	}
	b.MatchedEntities += count
	if b.MatchedEntities > b.TotalExpectedEntities {
		b.MatchAnomaly = true
		return true
	}
	return false
}

func (r *ExtractionRun) checkTransition(to RunState) error {
	if !CanTransitionRun(r.State, to) {
		return &InvalidStateError{Entity: "run", ID: r.ID, From: string(r.State), To: string(to)}
	}
	return nil
}

// Begin moves a pending run to running.
func (r *ExtractionRun) Begin(now time.Time) error {
	if err := r.checkTransition(RunRunning); err != nil {
		return err
	}
	now = now.UTC()
	r.State = RunRunning
	r.StartedAt = &now
	r.UpdatedAt = now
	return nil
}

// Succeed records the match count and closes the run.
func (r *ExtractionRun) Succeed(matched int64, now time.Time) error {
	if err := r.checkTransition(RunSucceeded); err != nil {
		return err
	}
	r.MatchedCount = matched
	r.close(RunSucceeded, "", now)
	return nil
}

// Fail closes the run as failed. Transient marks failures caused by retryable
// extractor errors that exhausted their attempts.
func (r *ExtractionRun) Fail(message string, transient bool, now time.Time) error {
	if err := r.checkTransition(RunFailed); err != nil {
		return err
	}
	r.Transient = transient
	r.close(RunFailed, message, now)
	return nil
}

// FailQuality closes the run as quality_failed.
func (r *ExtractionRun) FailQuality(violations int, message string, now time.Time) error {
	if err := r.checkTransition(RunQualityFailed); err != nil {
		return err
	}
	r.ViolationCount = violations
	r.close(RunQualityFailed, message, now)
	return nil
}

func (r *ExtractionRun) close(state RunState, message string, now time.Time) {
	now = now.UTC()
	r.State = state
	r.ErrorMessage = message
	r.FinishedAt = &now
	r.UpdatedAt = now
}
