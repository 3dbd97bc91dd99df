package quality_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"extractflow/internal/logging"
	"extractflow/internal/quality"
	"extractflow/internal/testsupport"
)

func TestHolderReplaceSwapsSnapshot(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	holder := quality.NewHolder(store, logging.NewNop())
	ctx := context.Background()

	if err := holder.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	before := holder.Snapshot()
	if before.Len() != 0 || before.Version != 0 {
		t.Fatalf("fresh holder = %+v, want empty v0", before)
	}

	set, warnings, err := holder.Replace(ctx, []byte(`{"rules":{"n":{"kind":"presence","field":"name"},"x":{"kind":"nope"}}}`))
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %v", warnings)
	}
	if set.Version != 1 || holder.Snapshot() != set {
		t.Fatalf("snapshot not swapped: %+v", holder.Snapshot())
	}
	if before.Len() != 0 {
		t.Fatal("previous snapshot was mutated")
	}

	// A reload from the store sees the same version.
	other := quality.NewHolder(store, logging.NewNop())
	if err := other.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if other.Snapshot().Version != 1 || other.Snapshot().Len() != 1 {
		t.Fatalf("reloaded snapshot = %+v", other.Snapshot())
	}
}

func TestHolderRejectsMalformedDocument(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	holder := quality.NewHolder(store, logging.NewNop())
	ctx := context.Background()

	if _, _, err := holder.Replace(ctx, []byte(`{"rules":{"n":{"kind":"presence","field":"name"}}}`)); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if _, _, err := holder.Replace(ctx, []byte(`{"rules":`)); err == nil {
		t.Fatal("expected malformed document to be rejected")
	}
	stored, err := store.GetQualityRules(ctx)
	if err != nil {
		t.Fatalf("GetQualityRules: %v", err)
	}
	if stored.Version != 1 {
		t.Fatalf("stored version = %d, want 1", stored.Version)
	}
	if holder.Snapshot().Len() != 1 {
		t.Fatal("rejected document replaced the active snapshot")
	}
}

func TestHolderConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	holder := quality.NewHolder(store, logging.NewNop())
	ctx := context.Background()

	docs := [][]byte{
		[]byte(`{"rules":{"a":{"kind":"presence","field":"name"}}}`),
		[]byte(`{"rules":{"a":{"kind":"presence","field":"name"},"b":{"kind":"presence","field":"type"}}}`),
	}
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := holder.Snapshot()
				if n := snap.Len(); n != 0 && n != 1 && n != 2 {
					t.Errorf("torn snapshot with %d rules", n)
					return
				}
			}
		}()
	}
	for i := 0; i < 10; i++ {
		if _, _, err := holder.Replace(ctx, docs[i%2]); err != nil {
			t.Fatalf("Replace: %v", err)
		}
	}
	close(stop)
	wg.Wait()
	if got := holder.Snapshot().Version; got != 10 {
		t.Fatalf("version = %d, want 10", got)
	}
}

func TestWatcherReloadsRulesFile(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithRulesFile(`{"rules":{"a":{"kind":"presence","field":"name"}}}`, true))
	store := testsupport.MustOpenStore(t, cfg)
	holder := quality.NewHolder(store, logging.NewNop())

	watcher, err := quality.NewWatcher(holder, cfg.Quality.RulesPath, logging.NewNop())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	watcher.SetDebounce(10 * time.Millisecond)
	if err := watcher.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(watcher.Stop)

	if holder.Snapshot().Len() != 1 {
		t.Fatalf("initial rules not applied: %+v", holder.Snapshot())
	}

	updated := `{"rules":{"a":{"kind":"presence","field":"name"},"b":{"kind":"presence","field":"type"}}}`
	if err := os.WriteFile(filepath.Clean(cfg.Quality.RulesPath), []byte(updated), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if holder.Snapshot().Len() == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("rules file change not applied; snapshot = %+v", holder.Snapshot())
}
