package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"extractflow/internal/api"
)

func formatCount(n int64) string {
	return humanize.Comma(n)
}

func formatRate(rate float64) string {
	return fmt.Sprintf("%.1f%%", rate*100)
}

func formatMatched(b api.Batch) string {
	out := fmt.Sprintf("%s / %s", formatCount(b.MatchedEntities), formatCount(b.TotalExpectedEntities))
	if b.MatchAnomaly {
		out += fmt.Sprintf(" (raw %s)", formatCount(b.RawMatchedEntities))
	}
	return out
}

func formatDurationMS(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return (time.Duration(ms) * time.Millisecond).Round(time.Second).String()
}

// formatWhen renders an API timestamp relative to now.
func formatWhen(value string) string {
	t := api.ParseTime(value)
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func formatTokens(value *int64) string {
	if value == nil {
		return "-"
	}
	return humanize.Comma(*value)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
