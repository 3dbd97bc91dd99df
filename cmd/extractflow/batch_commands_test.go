package main

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"extractflow/internal/api"
	"extractflow/internal/runstore"
	"extractflow/internal/testsupport"
)

const cliManifest = `
name: cli batch
units:
  - name: people
    file: people.txt
    expected:
      - type: person
        name: Ada
      - type: person
        name: Grace
  - name: orgs
    document: orgs text
    expected:
      - type: org
        name: Acme
`

func writeManifest(t *testing.T, env *cliTestEnv) string {
	t.Helper()
	dir := filepath.Join(env.baseDir, "manifests")
	testsupport.WriteFile(t, filepath.Join(dir, "people.txt"), "people text")
	return testsupport.WriteFile(t, filepath.Join(dir, "batch.yaml"), cliManifest)
}

func TestBatchRunWaitsForCompletion(t *testing.T) {
	env := setupCLITestEnv(t)
	none := runstore.TokenUsage{}
	env.stub.Script("people text", testsupport.StubResult{Response: testsupport.Entities(none, "person", "Ada")})
	env.stub.Script("orgs text", testsupport.StubResult{Response: testsupport.Entities(none, "org", "Acme")})

	out, err := env.run(t, "batch", "run", writeManifest(t, env), "--wait", "--poll", "10ms")
	if err != nil {
		t.Fatalf("batch run: %v", err)
	}
	requireContains(t, out, "Submitted batch")
	requireContains(t, out, "3 expected entities")
	requireContains(t, out, "finished: completed, matched 2 / 3")

	calls := env.stub.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 extractor calls, got %d", len(calls))
	}

	out, err = env.run(t, "batch", "list", "--json")
	if err != nil {
		t.Fatalf("batch list: %v", err)
	}
	var listed api.BatchListResponse
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("decode list: %v\n%s", err, out)
	}
	if len(listed.Batches) != 1 || listed.Batches[0].Name != "cli batch" {
		t.Fatalf("unexpected batches: %+v", listed.Batches)
	}
	id := listed.Batches[0].ID

	out, err = env.run(t, "batch", "show", id)
	if err != nil {
		t.Fatalf("batch show: %v", err)
	}
	requireContains(t, out, "completed")
	requireContains(t, out, "default@1")
	requireContains(t, out, "people")

	out, err = env.run(t, "batch", "runs", id)
	if err != nil {
		t.Fatalf("batch runs: %v", err)
	}
	if got := strings.Count(out, "succeeded"); got != 2 {
		t.Fatalf("expected 2 succeeded runs, got %d in:\n%s", got, out)
	}

	if _, err := env.run(t, "batch", "pause", id); err == nil {
		t.Fatal("expected pausing a completed batch to fail")
	} else {
		requireContains(t, err.Error(), "409")
	}
}

func TestBatchRunNoStartThenControl(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := env.run(t, "batch", "run", writeManifest(t, env), "--no-start", "--name", "manual")
	if err != nil {
		t.Fatalf("batch run: %v", err)
	}
	requireContains(t, out, "Submitted batch")

	out, err = env.run(t, "batch", "list", "--state", "pending")
	if err != nil {
		t.Fatalf("batch list: %v", err)
	}
	requireContains(t, out, "manual")

	batches, err := env.store.ListBatches(t.Context())
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected one batch, got %d", len(batches))
	}
	id := batches[0].ID

	env.stub.Hold()
	if out, err = env.run(t, "batch", "start", id); err != nil {
		t.Fatalf("batch start: %v", err)
	}
	requireContains(t, out, "running")
	if out, err = env.run(t, "batch", "pause", id); err != nil {
		t.Fatalf("batch pause: %v", err)
	}
	requireContains(t, out, "paused")
	if out, err = env.run(t, "batch", "resume", id); err != nil {
		t.Fatalf("batch resume: %v", err)
	}
	requireContains(t, out, "running")

	if out, err = env.run(t, "batch", "cancel", id); err != nil {
		t.Fatalf("batch cancel: %v", err)
	}
	requireContains(t, out, "failed")
	env.stub.Release()
}

func TestBatchShowUnknownIsNotFound(t *testing.T) {
	env := setupCLITestEnv(t)
	_, err := env.run(t, "batch", "show", "missing")
	if err == nil {
		t.Fatal("expected an error for an unknown batch")
	}
	if !api.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBatchRunRejectsInvalidManifest(t *testing.T) {
	env := setupCLITestEnv(t)
	path := testsupport.WriteFile(t, filepath.Join(env.baseDir, "bad.yaml"), "name: empty\nunits: []\n")
	if _, err := env.run(t, "batch", "run", path); err == nil {
		t.Fatal("expected an invalid manifest to be rejected")
	}
	if calls := env.stub.Calls(); len(calls) != 0 {
		t.Fatalf("extractor should not be called, got %d calls", len(calls))
	}
}

func TestBatchDelete(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, err := env.run(t, "batch", "run", writeManifest(t, env), "--no-start"); err != nil {
		t.Fatalf("batch run: %v", err)
	}
	batches, err := env.store.ListBatches(t.Context())
	if err != nil || len(batches) != 1 {
		t.Fatalf("ListBatches: %v (%d)", err, len(batches))
	}
	id := batches[0].ID

	out, err := env.run(t, "batch", "delete", id)
	if err != nil {
		t.Fatalf("batch delete: %v", err)
	}
	requireContains(t, out, "Deleted batch "+id)
	if _, err := env.run(t, "batch", "show", id); !api.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if _, err := env.run(t, "batch", "delete", id); !api.IsNotFound(err) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}
