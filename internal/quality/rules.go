package quality

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"extractflow/internal/services"
)

// Kind identifies the check a rule performs.
type Kind string

const (
	KindEquality Kind = "equality"
	KindPattern  Kind = "pattern"
	KindRange    Kind = "range"
	KindPresence Kind = "presence"
)

// Severity ranks violations. Only error-severity violations count toward the
// failure threshold.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	default:
		return -1
	}
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// Rule is one parsed check. Exactly the fields for its Kind are set.
type Rule struct {
	ID       string
	Kind     Kind
	Field    string
	Severity Severity
	Message  string

	// equality
	Value any
	// pattern
	Pattern *regexp.Regexp
	// range
	Min *float64
	Max *float64
}

// RuleSet is an immutable parsed snapshot ordered by rule ID.
type RuleSet struct {
	Rules   []Rule
	Version int64
}

// Len returns the number of rules.
func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Rules)
}

// Warning describes a rule entry that was skipped.
type Warning struct {
	RuleID string
	Reason string
}

func (w Warning) String() string {
	if w.RuleID == "" {
		return w.Reason
	}
	return w.RuleID + ": " + w.Reason
}

type rawRule struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Field    string          `json:"field"`
	Severity string          `json:"severity"`
	Message  string          `json:"message"`
	Value    json.RawMessage `json:"value"`
	Pattern  string          `json:"pattern"`
	Min      *float64        `json:"min"`
	Max      *float64        `json:"max"`
}

// Parse decodes a rule document. A document that is not a JSON object with a
// "rules" mapping or list is a configuration error. Individual entries that
// fail to parse become warnings.
func Parse(data []byte) (RuleSet, []Warning, error) {
	var doc struct {
		Rules json.RawMessage `json:"rules"`
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return RuleSet{}, nil, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return RuleSet{}, nil, services.Wrap(services.ErrConfiguration, "quality", "parse rules", "rules document is not a JSON object", err)
	}
	raw := bytes.TrimSpace(doc.Rules)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return RuleSet{}, nil, nil
	}

	var entries []json.RawMessage
	var ids []string
	switch raw[0] {
	case '{':
		var mapping map[string]json.RawMessage
		if err := json.Unmarshal(raw, &mapping); err != nil {
			return RuleSet{}, nil, services.Wrap(services.ErrConfiguration, "quality", "parse rules", "rules mapping is malformed", err)
		}
		for id := range mapping {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			entries = append(entries, mapping[id])
		}
	case '[':
		if err := json.Unmarshal(raw, &entries); err != nil {
			return RuleSet{}, nil, services.Wrap(services.ErrConfiguration, "quality", "parse rules", "rules list is malformed", err)
		}
		ids = make([]string, len(entries))
	default:
		return RuleSet{}, nil, services.Wrap(services.ErrConfiguration, "quality", "parse rules", "rules must be a mapping or a list", nil)
	}

	var (
		set      RuleSet
		warnings []Warning
		seen     = make(map[string]struct{}, len(entries))
	)
	for i, entry := range entries {
		rule, err := parseRule(ids[i], i, entry)
		if err != nil {
			warnings = append(warnings, Warning{RuleID: rule.ID, Reason: err.Error()})
			continue
		}
		if _, dup := seen[rule.ID]; dup {
			warnings = append(warnings, Warning{RuleID: rule.ID, Reason: "duplicate rule id"})
			continue
		}
		seen[rule.ID] = struct{}{}
		set.Rules = append(set.Rules, rule)
	}
	sort.SliceStable(set.Rules, func(i, j int) bool { return set.Rules[i].ID < set.Rules[j].ID })
	return set, warnings, nil
}

func parseRule(id string, position int, data json.RawMessage) (Rule, error) {
	rule := Rule{ID: id}
	var raw rawRule
	if err := json.Unmarshal(data, &raw); err != nil {
		if rule.ID == "" {
			rule.ID = fmt.Sprintf("#%d", position)
		}
		return rule, fmt.Errorf("malformed rule: %w", err)
	}
	if rule.ID == "" {
		rule.ID = strings.TrimSpace(raw.ID)
	}
	if rule.ID == "" {
		rule.ID = fmt.Sprintf("#%d", position)
		return rule, errors.New("rule id is required")
	}

	rule.Kind = Kind(strings.ToLower(strings.TrimSpace(raw.Kind)))
	rule.Field = strings.TrimSpace(raw.Field)
	rule.Message = strings.TrimSpace(raw.Message)
	rule.Severity = Severity(strings.ToLower(strings.TrimSpace(raw.Severity)))
	if rule.Severity == "" {
		rule.Severity = SeverityError
	}
	if rule.Severity.rank() < 0 {
		return rule, fmt.Errorf("unknown severity %q", raw.Severity)
	}
	if err := validateField(rule.Field); err != nil {
		return rule, err
	}

	switch rule.Kind {
	case KindPresence:
	case KindEquality:
		if len(raw.Value) == 0 {
			return rule, errors.New("equality rule requires value")
		}
		if err := json.Unmarshal(raw.Value, &rule.Value); err != nil {
			return rule, fmt.Errorf("equality value: %w", err)
		}
	case KindPattern:
		if raw.Pattern == "" {
			return rule, errors.New("pattern rule requires pattern")
		}
		re, err := regexp.Compile(raw.Pattern)
		if err != nil {
			return rule, fmt.Errorf("invalid pattern: %w", err)
		}
		rule.Pattern = re
	case KindRange:
		if raw.Min == nil && raw.Max == nil {
			return rule, errors.New("range rule requires min or max")
		}
		if raw.Min != nil && raw.Max != nil && *raw.Min > *raw.Max {
			return rule, errors.New("range min exceeds max")
		}
		rule.Min, rule.Max = raw.Min, raw.Max
	case "":
		return rule, errors.New("rule kind is required")
	default:
		return rule, fmt.Errorf("unknown rule kind %q", raw.Kind)
	}
	return rule, nil
}

func validateField(field string) error {
	switch {
	case field == "":
		return errors.New("rule field is required")
	case field == "name", field == "type", field == "confidence":
		return nil
	case strings.HasPrefix(field, "fields.") && len(field) > len("fields."):
		return nil
	default:
		return fmt.Errorf("unsupported field %q", field)
	}
}
