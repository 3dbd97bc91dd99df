package quality_test

import (
	"errors"
	"testing"

	"extractflow/internal/quality"
	"extractflow/internal/services"
)

func TestParseMappingAndList(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		ids  []string
	}{
		{
			name: "mapping",
			doc: `{"rules":{
				"total_present":{"kind":"presence","field":"fields.total"},
				"confidence":{"kind":"range","field":"confidence","min":0.5,"severity":"warning"}
			}}`,
			ids: []string{"confidence", "total_present"},
		},
		{
			name: "list",
			doc: `{"rules":[
				{"id":"type_person","kind":"equality","field":"type","value":"person"},
				{"id":"email","kind":"pattern","field":"fields.email","pattern":"^[^@]+@[^@]+$"}
			]}`,
			ids: []string{"email", "type_person"},
		},
		{name: "empty mapping", doc: `{"rules":{}}`},
		{name: "empty document", doc: ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, warnings, err := quality.Parse([]byte(tt.doc))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(warnings) != 0 {
				t.Fatalf("unexpected warnings: %v", warnings)
			}
			if len(set.Rules) != len(tt.ids) {
				t.Fatalf("got %d rules, want %d", len(set.Rules), len(tt.ids))
			}
			for i, id := range tt.ids {
				if set.Rules[i].ID != id {
					t.Fatalf("rule %d = %q, want %q", i, set.Rules[i].ID, id)
				}
			}
		})
	}
}

func TestParseSkipsMalformedEntries(t *testing.T) {
	doc := `{"rules":{
		"good":{"kind":"presence","field":"name"},
		"unknown":{"kind":"spellcheck","field":"name"},
		"bad_regex":{"kind":"pattern","field":"name","pattern":"("},
		"no_bounds":{"kind":"range","field":"confidence"},
		"bad_field":{"kind":"presence","field":"metadata"},
		"bad_severity":{"kind":"presence","field":"name","severity":"fatal"},
		"not_object":42
	}}`
	set, warnings, err := quality.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(set.Rules) != 1 || set.Rules[0].ID != "good" {
		t.Fatalf("expected only the good rule, got %+v", set.Rules)
	}
	if len(warnings) != 6 {
		t.Fatalf("expected 6 warnings, got %d: %v", len(warnings), warnings)
	}
	if set.Rules[0].Severity != quality.SeverityError {
		t.Fatalf("default severity = %q, want error", set.Rules[0].Severity)
	}
}

func TestParseRejectsMalformedDocument(t *testing.T) {
	for _, doc := range []string{`not json`, `{"rules":"nope"}`, `[1,2]`} {
		_, _, err := quality.Parse([]byte(doc))
		if err == nil {
			t.Fatalf("expected error for %q", doc)
		}
		if !errors.Is(err, services.ErrConfiguration) {
			t.Fatalf("expected configuration error for %q, got %v", doc, err)
		}
	}
}
