package daemon_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"extractflow/internal/daemon"
	"extractflow/internal/logging"
	"extractflow/internal/runstore"
	"extractflow/internal/services"
	"extractflow/internal/testsupport"
)

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	d, err := daemon.New(cfg, store, testsupport.NewStubExtractor(), logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { d.Stop() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	status := d.Status(ctx)
	if !status.Running || status.PID == 0 {
		t.Fatalf("status = %+v", status)
	}
	if d.APIAddr() == "" {
		t.Fatal("expected the API to be listening")
	}

	// Second start should fail
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	// A second daemon on the same data directory cannot take the lock.
	other, err := daemon.New(cfg, store, testsupport.NewStubExtractor(), logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := other.Start(ctx); err == nil {
		other.Stop()
		t.Fatal("expected lock contention")
	}

	d.Stop()
	if d.Status(ctx).Running {
		t.Fatal("expected daemon to be stopped")
	}
}

func TestDaemonStartFailsPreflight(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	cfg.LLM.Model = ""
	d, err := daemon.New(cfg, store, testsupport.NewStubExtractor(), logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(context.Background()); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestDaemonStartRecoversInterruptedBatches(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	testsupport.MustActivatePrompt(t, store, "default", "extract")
	ctx := context.Background()

	batch, units := testsupport.NewBatch(t, store, "interrupted", &runstore.BatchUnit{
		Document: "doc",
		Expected: []runstore.ExpectedEntity{{Type: "person", Name: "Ada"}},
	})
	batch.PromptName, batch.PromptVersion = "default", 1
	if err := batch.Start(time.Now()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := store.SaveBatch(ctx, batch); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}
	orphan := &runstore.ExtractionRun{BatchID: batch.ID, UnitID: units[0].ID}
	if err := store.CreateRun(ctx, orphan); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := orphan.Begin(time.Now()); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := store.SaveRun(ctx, orphan); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	stub := testsupport.NewStubExtractor()
	stub.Script("doc", testsupport.StubResult{Response: testsupport.Entities(runstore.TokenUsage{}, "person", "Ada")})
	d, err := daemon.New(cfg, store, stub, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { d.Stop() })
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	finished, err := d.Orchestrator().Wait(waitCtx, batch.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if finished.State != runstore.BatchCompleted || finished.MatchedEntities != 1 {
		t.Fatalf("finished = %+v", finished)
	}
	interrupted, err := store.GetRun(ctx, orphan.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if interrupted.State != runstore.RunFailed || interrupted.ErrorMessage != runstore.DaemonStopReason {
		t.Fatalf("interrupted run = %+v", interrupted)
	}
}
