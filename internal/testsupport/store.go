package testsupport

import (
	"context"
	"testing"

	"extractflow/internal/config"
	"extractflow/internal/runstore"
)

// MustOpenStore opens a runstore.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *runstore.Store {
	t.Helper()

	store, err := runstore.Open(cfg)
	if err != nil {
		t.Fatalf("runstore.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewBatch inserts a pending batch with one unit per document. The expected
// total is the sum of each unit's expected count.
func NewBatch(t testing.TB, store *runstore.Store, name string, units ...*runstore.BatchUnit) (*runstore.BatchRun, []*runstore.BatchUnit) {
	t.Helper()

	batch := &runstore.BatchRun{Name: name}
	for _, unit := range units {
		count := unit.ExpectedCount
		if count <= 0 {
			count = len(unit.Expected)
		}
		batch.TotalExpectedEntities += int64(count)
	}
	if err := store.CreateBatch(context.Background(), batch, units); err != nil {
		t.Fatalf("store.CreateBatch: %v", err)
	}
	return batch, units
}

// MustActivatePrompt stores content as a new version of name and activates it.
func MustActivatePrompt(t testing.TB, store *runstore.Store, name, content string) {
	t.Helper()

	ctx := context.Background()
	if _, err := store.AddPromptVersion(ctx, name, content, "", "test"); err != nil {
		t.Fatalf("store.AddPromptVersion: %v", err)
	}
	if err := store.ActivatePrompt(ctx, name, 0); err != nil {
		t.Fatalf("store.ActivatePrompt: %v", err)
	}
}
