package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const consoleTimeLayout = "2006-01-02 15:04:05"

// field is a flattened attribute; group names are joined with dots.
type field struct {
	key   string
	value slog.Value
}

// subject holds the identifiers promoted into the record header.
type subject struct {
	component, batch, unit, run, alert string
}

// take moves a recognised identifier out of the field list.
func (s *subject) take(f field) bool {
	var dst *string
	switch f.key {
	case FieldComponent:
		dst = &s.component
	case FieldBatchID:
		dst = &s.batch
	case FieldUnitID:
		dst = &s.unit
	case FieldRunID:
		dst = &s.run
	case FieldAlert:
		dst = &s.alert
	default:
		return false
	}
	*dst = strings.TrimSpace(f.value.String())
	return true
}

// String renders "Batch abc12345 · Unit 3 · Run 9f0e1d2c".
func (s subject) String() string {
	var parts []string
	for _, p := range []struct{ label, id string }{
		{"Batch", s.batch}, {"Unit", s.unit}, {"Run", s.run},
	} {
		if p.id != "" {
			parts = append(parts, p.label+" "+shortID(p.id))
		}
	}
	return strings.Join(parts, " · ")
}

// consoleHandler renders a one-line header per record followed by an
// indented "- key: value" line per remaining attribute.
type consoleHandler struct {
	mu        *sync.Mutex
	out       io.Writer
	level     slog.Leveler
	addSource bool
	preset    []field
	groups    []string
}

func newPrettyHandler(w io.Writer, level slog.Leveler, addSource bool) slog.Handler {
	return &consoleHandler{mu: new(sync.Mutex), out: w, level: level, addSource: addSource}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	fields := append([]field(nil), h.preset...)
	r.Attrs(func(a slog.Attr) bool {
		fields = flatten(fields, h.groups, a)
		return true
	})

	var subj subject
	rest := fields[:0]
	for _, f := range lastWins(fields) {
		if !subj.take(f) {
			rest = append(rest, f)
		}
	}

	var b strings.Builder
	b.WriteString(recordTime(r).Format(consoleTimeLayout))
	b.WriteByte(' ')
	b.WriteString(levelLabel(r.Level))
	if subj.component != "" {
		fmt.Fprintf(&b, " [%s]", subj.component)
	}
	if s := subj.String(); s != "" {
		b.WriteString(" " + s)
	}
	if subj.alert != "" {
		fmt.Fprintf(&b, " {%s}", subj.alert)
	}
	msg := strings.TrimSpace(r.Message)
	if msg == "" {
		msg = "(no message)"
	}
	b.WriteString(" – " + msg)
	if h.addSource && r.PC != 0 {
		if src := r.Source(); src != nil {
			fmt.Fprintf(&b, " [%s:%d]", filepath.Base(src.File), src.Line)
		}
	}
	b.WriteByte('\n')
	for _, f := range rest {
		if f.key != "" {
			fmt.Fprintf(&b, "    - %s: %s\n", f.key, renderValue(f.key, f.value))
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.preset = append([]field(nil), h.preset...)
	for _, a := range attrs {
		next.preset = flatten(next.preset, h.groups, a)
	}
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}

func recordTime(r slog.Record) time.Time {
	if r.Time.IsZero() {
		return time.Now()
	}
	return r.Time.In(time.Local)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// renderValue formats token counts with thousands separators and rounds
// durations to the millisecond.
func renderValue(key string, v slog.Value) string {
	switch v.Kind() {
	case slog.KindInt64:
		if strings.HasSuffix(key, "_tokens") {
			return humanize.Comma(v.Int64())
		}
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindFloat64:
		if strings.HasSuffix(key, "_rate") {
			return strconv.FormatFloat(v.Float64()*100, 'f', 1, 64) + "%"
		}
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindDuration:
		return v.Duration().Round(time.Millisecond).String()
	case slog.KindTime:
		return v.Time().In(time.Local).Format(consoleTimeLayout)
	default:
		return v.String()
	}
}

// lastWins keeps the final occurrence of each key, preserving order.
func lastWins(fields []field) []field {
	last := make(map[string]int, len(fields))
	for i, f := range fields {
		last[f.key] = i
	}
	out := make([]field, 0, len(last))
	for i, f := range fields {
		if last[f.key] == i {
			out = append(out, f)
		}
	}
	return out
}

func flatten(dst []field, groups []string, a slog.Attr) []field {
	if a.Equal(slog.Attr{}) {
		return dst
	}
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		prefix := groups
		if a.Key != "" {
			prefix = append(append([]string(nil), groups...), a.Key)
		}
		for _, inner := range v.Group() {
			dst = flatten(dst, prefix, inner)
		}
		return dst
	}
	key := a.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	return append(dst, field{key: key, value: v})
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	}
	return "DEBUG"
}
