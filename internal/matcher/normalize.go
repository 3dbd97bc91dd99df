package matcher

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// normalizer is not safe for concurrent use; cases.Caser keeps state.
type normalizer struct {
	fold cases.Caser
}

func newNormalizer() *normalizer {
	return &normalizer{fold: cases.Fold()}
}

// text applies NFKC, case folding, and whitespace collapsing.
func (n *normalizer) text(value string) string {
	value = norm.NFKC.String(value)
	value = n.fold.String(value)
	return strings.Join(strings.Fields(value), " ")
}

func (n *normalizer) identity(entityType, name string) string {
	return n.text(entityType) + "\x00" + n.text(name)
}

// value renders a field value in a comparable form. Numbers compare by value,
// so 10, 10.0, and "10" all match.
func (n *normalizer) value(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		trimmed := n.text(val)
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return trimmed
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 64)
	case int:
		return strconv.FormatFloat(float64(val), 'g', -1, 64)
	case int64:
		return strconv.FormatFloat(float64(val), 'g', -1, 64)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return n.text(fmt.Sprint(val))
		}
		return n.text(string(data))
	}
}

// canonical renders type, name, and fields with sorted keys.
func (n *normalizer) canonical(entityType, name string, fields map[string]any) string {
	var b strings.Builder
	b.WriteString(n.identity(entityType, name))
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('\x00')
		b.WriteString(n.text(k))
		b.WriteByte('=')
		b.WriteString(n.value(fields[k]))
	}
	return b.String()
}

// fieldScore is the fraction of expected fields reproduced by actual.
// An expected entity without fields scores 0 here; identity alone matched.
// Actual keys that fold to the same name all count, so a field hits when any
// of them carries the expected value.
func (n *normalizer) fieldScore(expected, actual map[string]any) float64 {
	if len(expected) == 0 {
		return 0
	}
	normalizedActual := make(map[string]map[string]struct{}, len(actual))
	for k, v := range actual {
		key := n.text(k)
		if normalizedActual[key] == nil {
			normalizedActual[key] = make(map[string]struct{}, 1)
		}
		normalizedActual[key][n.value(v)] = struct{}{}
	}
	hits := 0
	for k, v := range expected {
		if _, ok := normalizedActual[n.text(k)][n.value(v)]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(expected))
}
