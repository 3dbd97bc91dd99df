package quality

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"extractflow/internal/runstore"
)

// Violation is one failed rule on one entity.
type Violation struct {
	RuleID   string   `json:"rule_id"`
	Kind     Kind     `json:"kind"`
	Field    string   `json:"field"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// EntityReport lists the rules one entity failed.
type EntityReport struct {
	EntityIndex *int        `json:"entity_index"`
	Type        string      `json:"type"`
	Name        string      `json:"name"`
	Violations  []Violation `json:"violations,omitempty"`
}

// Report is the result of evaluating a run's entities.
type Report struct {
	Entities    []EntityReport `json:"entities"`
	RuleVersion int64          `json:"rule_version"`
}

// Count returns the number of violations at or above min severity.
func (r Report) Count(min Severity) int {
	total := 0
	for _, e := range r.Entities {
		for _, v := range e.Violations {
			if v.Severity.AtLeast(min) {
				total++
			}
		}
	}
	return total
}

// Total returns every violation regardless of severity.
func (r Report) Total() int {
	return r.Count(SeverityInfo)
}

// Evaluate checks every entity against every rule. Entities are reported in
// entity_index order with unindexed entities last in their input order.
func Evaluate(entities []runstore.ExtractionEntity, rules *RuleSet) Report {
	ordered := append([]runstore.ExtractionEntity(nil), entities...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].EntityIndex, ordered[j].EntityIndex
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})

	report := Report{Entities: make([]EntityReport, 0, len(ordered))}
	if rules != nil {
		report.RuleVersion = rules.Version
	}
	for _, entity := range ordered {
		entry := EntityReport{EntityIndex: entity.EntityIndex, Type: entity.Type, Name: entity.Name}
		for _, rule := range rulesOf(rules) {
			if msg, ok := rule.check(entity); !ok {
				entry.Violations = append(entry.Violations, Violation{
					RuleID:   rule.ID,
					Kind:     rule.Kind,
					Field:    rule.Field,
					Severity: rule.Severity,
					Message:  msg,
				})
			}
		}
		report.Entities = append(report.Entities, entry)
	}
	return report
}

func rulesOf(s *RuleSet) []Rule {
	if s == nil {
		return nil
	}
	return s.Rules
}

// check returns a failure message and false when the entity breaks the rule.
// Equality, pattern, and range checks fail on a missing field.
func (r Rule) check(entity runstore.ExtractionEntity) (string, bool) {
	value, present := lookup(entity, r.Field)
	fail := func(format string, args ...any) (string, bool) {
		if r.Message != "" {
			return r.Message, false
		}
		return fmt.Sprintf(format, args...), false
	}

	switch r.Kind {
	case KindPresence:
		if !present || isEmpty(value) {
			return fail("%s is missing", r.Field)
		}
	case KindEquality:
		if !present {
			return fail("%s is missing", r.Field)
		}
		if !equalValues(value, r.Value) {
			return fail("%s is %v, want %v", r.Field, value, r.Value)
		}
	case KindPattern:
		if !present {
			return fail("%s is missing", r.Field)
		}
		text := stringify(value)
		if !r.Pattern.MatchString(text) {
			return fail("%s %q does not match %s", r.Field, text, r.Pattern.String())
		}
	case KindRange:
		if !present {
			return fail("%s is missing", r.Field)
		}
		n, ok := toFloat(value)
		if !ok {
			return fail("%s is not numeric", r.Field)
		}
		if r.Min != nil && n < *r.Min {
			return fail("%s %v is below %v", r.Field, n, *r.Min)
		}
		if r.Max != nil && n > *r.Max {
			return fail("%s %v is above %v", r.Field, n, *r.Max)
		}
	}
	return "", true
}

func lookup(entity runstore.ExtractionEntity, field string) (any, bool) {
	switch field {
	case "name":
		return entity.Name, true
	case "type":
		return entity.Type, true
	case "confidence":
		return entity.Confidence, true
	}
	path := strings.Split(strings.TrimPrefix(field, "fields."), ".")
	var current any = entity.Fields
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}

func equalValues(actual, want any) bool {
	if a, ok := toFloat(actual); ok {
		if w, ok := toFloat(want); ok {
			return math.Abs(a-w) < 1e-9
		}
	}
	return stringify(actual) == stringify(want)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
