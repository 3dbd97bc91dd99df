package extractor_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"extractflow/internal/extractor"
)

func TestParseEntities(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []extractor.Entity
		wantErr bool
	}{
		{
			name:    "envelope",
			content: `{"entities":[{"type":"invoice","name":"INV-1","fields":{"total":"10.00"},"confidence":0.5}]}`,
			want:    []extractor.Entity{{Type: "invoice", Name: "INV-1", Fields: map[string]any{"total": "10.00"}, Confidence: 0.5}},
		},
		{
			name:    "bare array with chatter",
			content: "Here you go:\n[{\"type\":\"person\",\"name\":\"Grace\"}]",
			want:    []extractor.Entity{{Type: "person", Name: "Grace", Confidence: 1}},
		},
		{
			name:    "list name expands and blank names drop",
			content: `{"entities":[{"type":"tag","name":["a","b"]},{"type":"tag","name":"  "}]}`,
			want: []extractor.Entity{
				{Type: "tag", Name: "a", Confidence: 1},
				{Type: "tag", Name: "b", Confidence: 1},
			},
		},
		{
			name:    "confidence clamped",
			content: `{"entities":[{"type":"x","name":"y","confidence":7}]}`,
			want:    []extractor.Entity{{Type: "x", Name: "y", Confidence: 1}},
		},
		{
			name:    "empty list",
			content: `{"entities":[]}`,
			want:    []extractor.Entity{},
		},
		{
			name:    "not json",
			content: "sorry, I cannot help",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractor.ParseEntities(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEntities: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("entities mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildUserPromptWrapsDocument(t *testing.T) {
	got := extractor.BuildUserPrompt(" find invoices ", "\nbody\n")
	want := "find invoices\n\n<document>\nbody\n</document>"
	if got != want {
		t.Fatalf("BuildUserPrompt = %q, want %q", got, want)
	}
}
