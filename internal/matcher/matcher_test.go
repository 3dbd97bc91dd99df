package matcher_test

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"extractflow/internal/matcher"
	"extractflow/internal/runstore"
)

func idx(i int) *int { return &i }

func TestMatchNormalizesIdentity(t *testing.T) {
	extracted := []runstore.ExtractionEntity{
		{EntityIndex: idx(0), Type: "Person", Name: "  ADA   Lovelace "},
		{EntityIndex: idx(1), Type: "org", Name: "Ｂａｂｂａｇｅ Co"},
	}
	expected := []runstore.ExpectedEntity{
		{Type: "person", Name: "Ada Lovelace"},
		{Type: "ORG", Name: "babbage co"},
		{Type: "place", Name: "London"},
	}

	got := matcher.Match(extracted, expected)
	if got.MatchedCount != 2 {
		t.Fatalf("expected 2 matches, got %d", got.MatchedCount)
	}
	if len(got.UnmatchedExpected) != 1 || got.UnmatchedExpected[0].Name != "London" {
		t.Fatalf("unexpected unmatched expected: %+v", got.UnmatchedExpected)
	}
	if len(got.UnmatchedExtracted) != 0 {
		t.Fatalf("unexpected unmatched extracted: %+v", got.UnmatchedExtracted)
	}
}

func TestMatchIsOneToOne(t *testing.T) {
	extracted := []runstore.ExtractionEntity{
		{EntityIndex: idx(0), Type: "person", Name: "Ada"},
		{EntityIndex: idx(1), Type: "person", Name: "Ada"},
		{EntityIndex: idx(2), Type: "person", Name: "Ada"},
	}
	expected := []runstore.ExpectedEntity{
		{Type: "person", Name: "Ada"},
		{Type: "person", Name: "Ada"},
	}
	got := matcher.Match(extracted, expected)
	if got.MatchedCount != 2 {
		t.Fatalf("expected 2 matches, got %d", got.MatchedCount)
	}
	if len(got.UnmatchedExtracted) != 1 || *got.UnmatchedExtracted[0].EntityIndex != 2 {
		t.Fatalf("expected highest index to stay unmatched, got %+v", got.UnmatchedExtracted)
	}
}

func TestMatchPrefersFieldAgreement(t *testing.T) {
	extracted := []runstore.ExtractionEntity{
		{EntityIndex: idx(0), Type: "invoice", Name: "INV-1", Fields: map[string]any{"total": "99"}},
		{EntityIndex: idx(1), Type: "invoice", Name: "INV-1", Fields: map[string]any{"total": 10.0, "currency": "usd"}},
	}
	expected := []runstore.ExpectedEntity{
		{Type: "invoice", Name: "INV-1", Fields: map[string]any{"total": 10, "currency": "USD"}},
	}
	got := matcher.Match(extracted, expected)
	if got.MatchedCount != 1 {
		t.Fatalf("expected 1 match, got %d", got.MatchedCount)
	}
	pair := got.Pairs[0]
	if *pair.Extracted.EntityIndex != 1 {
		t.Fatalf("expected entity 1 to win on fields, got %d", *pair.Extracted.EntityIndex)
	}
	if pair.Score != 2 {
		t.Fatalf("expected score 2, got %v", pair.Score)
	}
}

func TestMatchEmptyInputs(t *testing.T) {
	tests := []struct {
		name      string
		extracted []runstore.ExtractionEntity
		expected  []runstore.ExpectedEntity
		unmatched int
	}{
		{name: "both empty"},
		{
			name:      "no baseline",
			extracted: []runstore.ExtractionEntity{{Type: "a", Name: "b"}},
			unmatched: 1,
		},
		{
			name:     "nothing extracted",
			expected: []runstore.ExpectedEntity{{Type: "a", Name: "b"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matcher.Match(tt.extracted, tt.expected)
			if got.MatchedCount != 0 {
				t.Fatalf("expected no matches, got %d", got.MatchedCount)
			}
			if len(got.UnmatchedExtracted) != tt.unmatched {
				t.Fatalf("unmatched extracted = %d, want %d", len(got.UnmatchedExtracted), tt.unmatched)
			}
			if len(got.UnmatchedExpected) != len(tt.expected) {
				t.Fatalf("unmatched expected = %d, want %d", len(got.UnmatchedExpected), len(tt.expected))
			}
		})
	}
}

func TestMatchIgnoresInputOrder(t *testing.T) {
	extracted := []runstore.ExtractionEntity{
		{EntityIndex: idx(0), Type: "person", Name: "Ada", Fields: map[string]any{"role": "analyst"}},
		{EntityIndex: idx(1), Type: "person", Name: "Ada", Fields: map[string]any{"role": "writer"}},
		{Type: "person", Name: "Ada"},
		{EntityIndex: idx(2), Type: "org", Name: "Acme"},
		{Type: "org", Name: "Globex"},
		{EntityIndex: idx(3), Type: "place", Name: "Paris"},
	}
	expected := []runstore.ExpectedEntity{
		{Type: "person", Name: "Ada", Fields: map[string]any{"role": "writer"}},
		{Type: "person", Name: "Ada"},
		{Type: "org", Name: "Globex"},
		{Type: "place", Name: "Rome"},
	}
	want := matcher.Match(extracted, expected)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 25; i++ {
		ext := append([]runstore.ExtractionEntity(nil), extracted...)
		exp := append([]runstore.ExpectedEntity(nil), expected...)
		rng.Shuffle(len(ext), func(a, b int) { ext[a], ext[b] = ext[b], ext[a] })
		rng.Shuffle(len(exp), func(a, b int) { exp[a], exp[b] = exp[b], exp[a] })

		got := matcher.Match(ext, exp)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("result changed with input order (-want +got):\n%s", diff)
		}
	}
	if want.MatchedCount != 3 {
		t.Fatalf("expected 3 matches, got %d", want.MatchedCount)
	}
}

func TestMatchFieldKeysFoldingTogetherAreStable(t *testing.T) {
	extracted := []runstore.ExtractionEntity{
		{EntityIndex: idx(0), Type: "person", Name: "Ada", Fields: map[string]any{"role": "cto"}},
		{EntityIndex: idx(1), Type: "person", Name: "Ada", Fields: map[string]any{"Role": "ceo", "role": "cto"}},
	}
	expected := []runstore.ExpectedEntity{
		{Type: "person", Name: "Ada", Fields: map[string]any{"role": "ceo"}},
	}
	for i := 0; i < 200; i++ {
		got := matcher.Match(extracted, expected)
		if len(got.Pairs) != 1 || *got.Pairs[0].Extracted.EntityIndex != 1 {
			t.Fatalf("iteration %d: pairs = %+v", i, got.Pairs)
		}
		if len(got.UnmatchedExtracted) != 1 || *got.UnmatchedExtracted[0].EntityIndex != 0 {
			t.Fatalf("iteration %d: unmatched = %+v", i, got.UnmatchedExtracted)
		}
	}
}
