package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"extractflow/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "extractor", "complete", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"extractor", "complete", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", services.Wrap(services.ErrTransient, "extractor", "call", "rate limited", nil), true},
		{"timeout", services.Wrap(services.ErrTimeout, "extractor", "call", "deadline", nil), true},
		{"configuration", services.Wrap(services.ErrConfiguration, "quality", "parse", "bad rules", nil), false},
		{"cancelled", context.Canceled, false},
	}
	for _, tc := range cases {
		if got := services.IsTransient(tc.err); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestKind(t *testing.T) {
	if kind := services.Kind(services.Wrap(services.ErrValidation, "", "", "x", nil)); kind != "validation" {
		t.Fatalf("expected validation, got %q", kind)
	}
	if kind := services.Kind(errors.New("plain")); kind != "unknown" {
		t.Fatalf("expected unknown, got %q", kind)
	}
}

type classifiedErr struct{ kind string }

func (e classifiedErr) Error() string     { return "classified" }
func (e classifiedErr) ErrorKind() string { return e.kind }

func TestKindPrefersClassifier(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", classifiedErr{kind: "validation"})
	if kind := services.Kind(err); kind != "validation" {
		t.Fatalf("expected classifier kind, got %q", kind)
	}
}
