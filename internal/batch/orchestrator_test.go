package batch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"extractflow/internal/batch"
	"extractflow/internal/config"
	"extractflow/internal/extraction"
	"extractflow/internal/extractor"
	"extractflow/internal/logging"
	"extractflow/internal/quality"
	"extractflow/internal/runstore"
	"extractflow/internal/services"
	"extractflow/internal/testsupport"
)

type env struct {
	cfg   *config.Config
	store *runstore.Store
	stub  *testsupport.StubExtractor
	rules *quality.Holder
	orch  *batch.Orchestrator
}

func newEnv(t *testing.T, opts ...testsupport.ConfigOption) *env {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	testsupport.MustActivatePrompt(t, store, "default", "extract entities")
	e := &env{cfg: cfg, store: store, stub: testsupport.NewStubExtractor()}
	e.rules = quality.NewHolder(store, logging.NewNop())
	e.orch = e.newOrchestrator(t)
	return e
}

func (e *env) newOrchestrator(t *testing.T) *batch.Orchestrator {
	t.Helper()
	ctrl := extraction.NewController(e.store, e.stub, e.rules, extraction.SettingsFromConfig(e.cfg), logging.NewNop())
	orch := batch.New(e.store, ctrl, e.rules, batch.SettingsFromConfig(e.cfg), logging.NewNop())
	t.Cleanup(func() {
		e.stub.Release()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return orch
}

func (e *env) submitAndStart(t *testing.T, units ...*runstore.BatchUnit) *runstore.BatchRun {
	t.Helper()
	ctx := context.Background()
	submitted, err := e.orch.Submit(ctx, batch.Submission{Name: "test", Units: units})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := e.orch.Start(ctx, submitted.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return submitted
}

func (e *env) wait(t *testing.T, batchID string) *runstore.BatchRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	finished, err := e.orch.Wait(ctx, batchID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return finished
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func expected(pairs ...string) []runstore.ExpectedEntity {
	var out []runstore.ExpectedEntity
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, runstore.ExpectedEntity{Type: pairs[i], Name: pairs[i+1]})
	}
	return out
}

func TestBatchAggregatesFinalMatches(t *testing.T) {
	e := newEnv(t)
	none := runstore.TokenUsage{}
	e.stub.Script("doc-a", testsupport.StubResult{Response: testsupport.Entities(none, "person", "Ada", "person", "Bob")})
	e.stub.Script("doc-b", testsupport.StubResult{Response: testsupport.Entities(none, "org", "Acme", "org", "Unknown")})
	e.stub.Script("doc-c", testsupport.StubResult{Response: testsupport.Entities(none, "place", "Paris")})

	submitted := e.submitAndStart(t,
		&runstore.BatchUnit{Document: "doc-a", Expected: expected("person", "Ada", "person", "Bob")},
		&runstore.BatchUnit{Document: "doc-b", Expected: expected("org", "Acme", "org", "Globex", "org", "Initech")},
		&runstore.BatchUnit{Document: "doc-c", Expected: expected("place", "Paris")},
	)
	if submitted.TotalExpectedEntities != 6 {
		t.Fatalf("total expected = %d, want 6", submitted.TotalExpectedEntities)
	}

	finished := e.wait(t, submitted.ID)
	if finished.State != runstore.BatchCompleted {
		t.Fatalf("state = %s (%s)", finished.State, finished.ErrorMessage)
	}
	if finished.MatchedEntities != 4 {
		t.Fatalf("matched = %d, want 4", finished.MatchedEntities)
	}
	if finished.MatchAnomaly || finished.FailedUnits != 0 {
		t.Fatalf("batch = %+v", finished)
	}
	if finished.PromptName != "default" || finished.PromptVersion != 1 {
		t.Fatalf("prompt pin = %s@%d", finished.PromptName, finished.PromptVersion)
	}

	status, err := e.orch.Status(context.Background(), submitted.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	for _, unit := range status.Units {
		if unit.Outcome != runstore.UnitSucceeded || unit.FinalRunID == "" {
			t.Fatalf("unit = %+v", unit)
		}
	}
	if status.Summary.RunCounts[runstore.RunSucceeded] != 3 {
		t.Fatalf("run counts = %v", status.Summary.RunCounts)
	}
}

func TestSubmitRejectsConfigurationErrors(t *testing.T) {
	ctx := context.Background()
	unit := &runstore.BatchUnit{Document: "doc"}

	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	rules := quality.NewHolder(store, logging.NewNop())
	ctrl := extraction.NewController(store, testsupport.NewStubExtractor(), rules, extraction.SettingsFromConfig(cfg), logging.NewNop())
	orch := batch.New(store, ctrl, rules, batch.SettingsFromConfig(cfg), logging.NewNop())

	if _, err := orch.Submit(ctx, batch.Submission{Units: []*runstore.BatchUnit{unit}}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("missing prompt: expected configuration error, got %v", err)
	}

	testsupport.MustActivatePrompt(t, store, "p", "prompt")
	if _, err := store.ReplaceQualityRules(ctx, []byte(`{"rules": nope`)); err != nil {
		t.Fatalf("ReplaceQualityRules: %v", err)
	}
	if _, err := orch.Submit(ctx, batch.Submission{Units: []*runstore.BatchUnit{unit}}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("malformed rules: expected configuration error, got %v", err)
	}
	if _, err := orch.Submit(ctx, batch.Submission{}); !errors.Is(err, batch.ErrEmptyBatch) {
		t.Fatalf("empty batch: got %v", err)
	}

	batches, err := store.ListBatches(ctx)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(batches) != 0 {
		t.Fatalf("rejected submissions created %d batches", len(batches))
	}
}

func TestPauseDrainsInFlightAndAccountsPausedTime(t *testing.T) {
	e := newEnv(t, testsupport.WithConcurrency(1))
	e.stub.Default = testsupport.StubResult{Response: testsupport.Entities(runstore.TokenUsage{}, "person", "Ada")}
	e.stub.Hold()

	submitted := e.submitAndStart(t,
		&runstore.BatchUnit{Document: "doc-1", Expected: expected("person", "Ada")},
		&runstore.BatchUnit{Document: "doc-2", Expected: expected("person", "Ada")},
	)
	ctx := context.Background()
	waitFor(t, "first extractor call", func() bool { return len(e.stub.Calls()) == 1 })

	paused, err := e.orch.Pause(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.State != runstore.BatchPaused || paused.PauseStartedAt == nil {
		t.Fatalf("paused batch = %+v", paused)
	}
	if _, err := e.orch.Pause(ctx, submitted.ID); !errors.Is(err, runstore.ErrInvalidTransition) {
		t.Fatalf("second pause: expected ErrInvalidTransition, got %v", err)
	}

	e.stub.Release()
	waitFor(t, "in-flight run to drain", func() bool {
		status, err := e.orch.Status(ctx, submitted.ID)
		return err == nil && status.Summary.RunCounts[runstore.RunSucceeded] == 1
	})
	time.Sleep(50 * time.Millisecond)
	if got := len(e.stub.Calls()); got != 1 {
		t.Fatalf("paused batch dispatched %d calls", got)
	}

	resumed, err := e.orch.Resume(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.WallClockPausedMS < 50 || resumed.PauseStartedAt != nil {
		t.Fatalf("paused_ms = %d pause_started = %v", resumed.WallClockPausedMS, resumed.PauseStartedAt)
	}

	finished := e.wait(t, submitted.ID)
	if finished.State != runstore.BatchCompleted || finished.MatchedEntities != 2 {
		t.Fatalf("finished batch = %+v", finished)
	}
	if finished.WallClockPausedMS != resumed.WallClockPausedMS {
		t.Fatalf("paused_ms changed after resume: %d -> %d", resumed.WallClockPausedMS, finished.WallClockPausedMS)
	}
}

func TestStateErrorsAreRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	submitted, err := e.orch.Submit(ctx, batch.Submission{Units: []*runstore.BatchUnit{{Document: "doc"}}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := e.orch.Pause(ctx, submitted.ID); !errors.Is(err, runstore.ErrInvalidTransition) {
		t.Fatalf("pause pending: got %v", err)
	}
	if _, err := e.orch.Resume(ctx, submitted.ID); !errors.Is(err, runstore.ErrInvalidTransition) {
		t.Fatalf("resume pending: got %v", err)
	}
	stored, err := e.store.GetBatch(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if stored.State != runstore.BatchPending {
		t.Fatalf("rejected transition changed state to %s", stored.State)
	}
	if _, err := e.orch.Pause(ctx, "missing"); !errors.Is(err, batch.ErrBatchNotFound) {
		t.Fatalf("missing batch: got %v", err)
	}
}

func TestQualityFailureSpawnsRetryChild(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, _, err := e.rules.Replace(ctx, []byte(`{"rules":{"total":{"kind":"presence","field":"fields.total"}}}`)); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	withTotal := extractor.Response{Entities: []extractor.Entity{{Type: "invoice", Name: "INV-1", Fields: map[string]any{"total": 10.0}, Confidence: 1}}}
	e.stub.Script("doc",
		testsupport.StubResult{Response: testsupport.Entities(runstore.TokenUsage{}, "invoice", "INV-1")},
		testsupport.StubResult{Response: withTotal},
	)

	submitted := e.submitAndStart(t, &runstore.BatchUnit{Document: "doc", Expected: expected("invoice", "INV-1")})
	finished := e.wait(t, submitted.ID)
	if finished.State != runstore.BatchCompleted || finished.MatchedEntities != 1 {
		t.Fatalf("finished = %+v", finished)
	}

	runs, err := e.orch.Runs(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	first, second := runs[0], runs[1]
	if first.State != runstore.RunQualityFailed || !first.IsRoot() {
		t.Fatalf("first run = %+v", first)
	}
	if second.ParentRunID == nil || *second.ParentRunID != first.ID || second.State != runstore.RunSucceeded {
		t.Fatalf("second run = %+v", second)
	}
}

func TestFailurePolicy(t *testing.T) {
	tests := []struct {
		policy string
		want   runstore.BatchState
	}{
		{config.FailurePolicyFailBatch, runstore.BatchFailed},
		{config.FailurePolicyCompleteWithFailures, runstore.BatchCompletedWithFailures},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			e := newEnv(t, testsupport.WithFailurePolicy(tt.policy), testsupport.WithMaxRetryDepth(2))
			e.stub.Script("bad", testsupport.StubResult{Err: errors.New("model refused")})
			e.stub.Script("good", testsupport.StubResult{Response: testsupport.Entities(runstore.TokenUsage{}, "person", "Ada")})

			submitted := e.submitAndStart(t,
				&runstore.BatchUnit{Document: "bad", Expected: expected("person", "Ada")},
				&runstore.BatchUnit{Document: "good", Expected: expected("person", "Ada")},
			)
			finished := e.wait(t, submitted.ID)
			if finished.State != tt.want {
				t.Fatalf("state = %s, want %s", finished.State, tt.want)
			}
			if finished.FailedUnits != 1 || finished.MatchedEntities != 1 {
				t.Fatalf("finished = %+v", finished)
			}

			calls := 0
			for _, c := range e.stub.Calls() {
				if c.Document == "bad" {
					calls++
				}
			}
			if calls != 2 {
				t.Fatalf("failing unit attempted %d times, want 2", calls)
			}
		})
	}
}

func TestMatchAnomalyIsClampedForReporting(t *testing.T) {
	e := newEnv(t)
	e.stub.Script("doc", testsupport.StubResult{Response: testsupport.Entities(runstore.TokenUsage{}, "person", "Ada", "person", "Bob")})

	submitted := e.submitAndStart(t, &runstore.BatchUnit{
		Document:      "doc",
		ExpectedCount: 1,
		Expected:      expected("person", "Ada", "person", "Bob"),
	})
	finished := e.wait(t, submitted.ID)
	if finished.State != runstore.BatchCompleted {
		t.Fatalf("state = %s", finished.State)
	}
	if finished.MatchedEntities != 2 || !finished.MatchAnomaly {
		t.Fatalf("finished = %+v", finished)
	}
	if finished.ReportedMatched() != 1 || finished.MatchRate() != 1 {
		t.Fatalf("reported = %d rate = %v", finished.ReportedMatched(), finished.MatchRate())
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	e := newEnv(t, testsupport.WithConcurrency(2))
	e.stub.Hold()
	var units []*runstore.BatchUnit
	for _, doc := range []string{"a", "b", "c", "d", "e"} {
		units = append(units, &runstore.BatchUnit{Document: doc})
	}
	submitted := e.submitAndStart(t, units...)
	waitFor(t, "two runs in flight", func() bool { return len(e.stub.Calls()) == 2 })
	time.Sleep(30 * time.Millisecond)
	if got := len(e.stub.Calls()); got != 2 {
		t.Fatalf("%d runs started with concurrency 2", got)
	}
	e.stub.Release()

	finished := e.wait(t, submitted.ID)
	if finished.State != runstore.BatchCompleted {
		t.Fatalf("state = %s", finished.State)
	}
	if got := e.stub.MaxInFlight(); got > 2 {
		t.Fatalf("max in flight = %d", got)
	}
}

func TestCancelFailsBatchAndInFlightRuns(t *testing.T) {
	e := newEnv(t)
	e.stub.Hold()
	submitted := e.submitAndStart(t, &runstore.BatchUnit{Document: "doc"})
	waitFor(t, "run in flight", func() bool { return len(e.stub.Calls()) == 1 })

	ctx := context.Background()
	if _, err := e.orch.Cancel(ctx, submitted.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	finished := e.wait(t, submitted.ID)
	if finished.State != runstore.BatchFailed || finished.ErrorMessage != runstore.CancelReason {
		t.Fatalf("finished = %+v", finished)
	}
	runs, err := e.orch.Runs(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 || runs[0].State != runstore.RunFailed || runs[0].ErrorMessage != runstore.CancelReason {
		t.Fatalf("runs = %+v", runs)
	}
	if _, err := e.orch.Cancel(ctx, submitted.ID); !errors.Is(err, runstore.ErrInvalidTransition) {
		t.Fatalf("second cancel: got %v", err)
	}
}

func TestRecoverResumesInterruptedBatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	submitted, err := e.orch.Submit(ctx, batch.Submission{Units: []*runstore.BatchUnit{
		{Document: "doc", Expected: expected("person", "Ada")},
	}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Leave the batch running with a run in flight, as a crash would.
	stored, err := e.store.GetBatch(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if err := stored.Start(time.Now()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.store.SaveBatch(ctx, stored); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}
	units, err := e.store.ListUnits(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("ListUnits: %v", err)
	}
	orphan := &runstore.ExtractionRun{BatchID: submitted.ID, UnitID: units[0].ID}
	if err := e.store.CreateRun(ctx, orphan); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := orphan.Begin(time.Now()); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.store.SaveRun(ctx, orphan); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	e.stub.Script("doc", testsupport.StubResult{Response: testsupport.Entities(runstore.TokenUsage{}, "person", "Ada")})
	restarted := e.newOrchestrator(t)
	resumed, err := restarted.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("resumed %d batches, want 1", resumed)
	}
	finished, err := func() (*runstore.BatchRun, error) {
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return restarted.Wait(waitCtx, submitted.ID)
	}()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if finished.State != runstore.BatchCompleted || finished.MatchedEntities != 1 {
		t.Fatalf("finished = %+v", finished)
	}

	interrupted, err := e.store.GetRun(ctx, orphan.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if interrupted.State != runstore.RunFailed || interrupted.ErrorMessage != runstore.DaemonStopReason {
		t.Fatalf("interrupted run = %+v", interrupted)
	}
	children, err := e.store.ListChildren(ctx, orphan.ID)
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(children) != 1 || children[0].State != runstore.RunSucceeded {
		t.Fatalf("children = %+v", children)
	}
}

type recordingNotifier struct {
	mu       sync.Mutex
	finished []runstore.BatchRun
}

func (r *recordingNotifier) BatchFinished(_ context.Context, b *runstore.BatchRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, *b)
	return nil
}

func (r *recordingNotifier) snapshot() []runstore.BatchRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runstore.BatchRun(nil), r.finished...)
}

func TestNotifierReceivesFinishedBatch(t *testing.T) {
	e := newEnv(t)
	notifier := &recordingNotifier{}
	e.orch.SetNotifier(notifier)
	e.stub.Script("doc", testsupport.StubResult{Response: testsupport.Entities(runstore.TokenUsage{}, "person", "Ada")})

	submitted := e.submitAndStart(t, &runstore.BatchUnit{Document: "doc", Expected: expected("person", "Ada")})
	e.wait(t, submitted.ID)

	waitFor(t, "batch notification", func() bool { return len(notifier.snapshot()) == 1 })
	got := notifier.snapshot()[0]
	if got.ID != submitted.ID || got.State != runstore.BatchCompleted || got.MatchedEntities != 1 {
		t.Fatalf("notified batch = %+v", got)
	}
}

func TestDeleteOnlyIdleBatches(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	pending, err := e.orch.Submit(ctx, batch.Submission{Units: []*runstore.BatchUnit{{Document: "doc"}}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := e.orch.Delete(ctx, pending.ID); err != nil {
		t.Fatalf("delete pending: %v", err)
	}
	if _, err := e.store.GetBatch(ctx, pending.ID); !errors.Is(err, runstore.ErrNotFound) {
		t.Fatalf("pending batch should be gone, got %v", err)
	}

	e.stub.Hold()
	running := e.submitAndStart(t, &runstore.BatchUnit{Document: "doc"})
	waitFor(t, "run in flight", func() bool { return len(e.stub.Calls()) == 1 })
	if err := e.orch.Delete(ctx, running.ID); !errors.Is(err, runstore.ErrInvalidTransition) {
		t.Fatalf("delete running: got %v", err)
	}
	e.stub.Release()
	if finished := e.wait(t, running.ID); !finished.State.IsTerminal() {
		t.Fatalf("finished = %+v", finished)
	}
	if err := e.orch.Delete(ctx, running.ID); err != nil {
		t.Fatalf("delete finished: %v", err)
	}
	if err := e.orch.Delete(ctx, running.ID); !errors.Is(err, batch.ErrBatchNotFound) {
		t.Fatalf("delete twice: got %v", err)
	}
}
