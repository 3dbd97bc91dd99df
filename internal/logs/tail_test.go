package logs_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"extractflow/internal/logs"
)

func writeLog(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
}

func appendLog(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("append log: %v", err)
	}
}

func TestLast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extractflow.log")
	writeLog(t, path, "a batch=1\nb batch=2\nc batch=1\nd batch=1\npartial")

	tests := []struct {
		name  string
		limit int
		match string
		want  []string
	}{
		{"tail two", 2, "", []string{"c batch=1", "d batch=1"}},
		{"filtered", 5, "batch=1", []string{"a batch=1", "c batch=1", "d batch=1"}},
		{"filtered limit", 1, "batch=2", []string{"b batch=2"}},
		{"zero limit", 0, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines, offset, err := logs.Last(path, tt.limit, tt.match)
			if err != nil {
				t.Fatalf("Last: %v", err)
			}
			if diff := cmp.Diff(tt.want, lines); diff != "" {
				t.Fatalf("lines mismatch (-want +got):\n%s", diff)
			}
			if offset == 0 {
				t.Fatal("expected offset to advance")
			}
		})
	}
}

func TestLastMissingFile(t *testing.T) {
	lines, offset, err := logs.Last(filepath.Join(t.TempDir(), "missing.log"), 10, "")
	if err != nil || lines != nil || offset != 0 {
		t.Fatalf("Last(missing) = %v, %d, %v", lines, offset, err)
	}
}

func TestFollowEmitsAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extractflow.log")
	writeLog(t, path, "start\n")
	_, offset, err := logs.Last(path, 1, "")
	if err != nil {
		t.Fatalf("Last: %v", err)
	}

	var mu sync.Mutex
	var got []string
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- logs.Follow(ctx, path, offset, "run=", func(line string) {
			mu.Lock()
			got = append(got, line)
			mu.Unlock()
		})
	}()

	time.Sleep(100 * time.Millisecond)
	appendLog(t, path, "noise\nrun=7 finished\n")

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("follow did not emit the appended line")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Follow: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"run=7 finished"}, got); diff != "" {
		t.Fatalf("lines mismatch (-want +got):\n%s", diff)
	}
}
