package api

import (
	"time"

	"extractflow/internal/batch"
	"extractflow/internal/quality"
	"extractflow/internal/runstore"
	"extractflow/internal/schedule"
)

// FromBatch converts a batch. now measures the active duration of unfinished
// batches.
func FromBatch(b *runstore.BatchRun, now time.Time) Batch {
	if b == nil {
		return Batch{}
	}
	return Batch{
		ID:                    b.ID,
		Name:                  b.Name,
		State:                 string(b.State),
		MatchedEntities:       b.ReportedMatched(),
		RawMatchedEntities:    b.MatchedEntities,
		TotalExpectedEntities: b.TotalExpectedEntities,
		MatchRate:             b.MatchRate(),
		MatchAnomaly:          b.MatchAnomaly,
		FailedUnits:           b.FailedUnits,
		WallClockPausedMS:     b.WallClockPausedMS,
		ActiveDurationMS:      b.ActiveDuration(now).Milliseconds(),
		PromptName:            b.PromptName,
		PromptVersion:         b.PromptVersion,
		ErrorMessage:          b.ErrorMessage,
		CreatedAt:             FormatTime(b.CreatedAt),
		StartedAt:             formatTimePtr(b.StartedAt),
		PauseStartedAt:        formatTimePtr(b.PauseStartedAt),
		CompletedAt:           formatTimePtr(b.CompletedAt),
	}
}

// FromBatches converts a batch list.
func FromBatches(batches []*runstore.BatchRun, now time.Time) []Batch {
	out := make([]Batch, 0, len(batches))
	for _, b := range batches {
		out = append(out, FromBatch(b, now))
	}
	return out
}

// FromStatus converts an orchestrator status view.
func FromStatus(status *batch.Status, now time.Time) BatchDetail {
	detail := BatchDetail{
		Batch:     FromBatch(status.Batch, now),
		Units:     make([]Unit, 0, len(status.Units)),
		RunCounts: make(map[string]int, len(status.Summary.RunCounts)),
		Tokens: TokenTotals{
			Input:     status.Summary.InputTokens,
			Output:    status.Summary.OutputTokens,
			Reasoning: status.Summary.ReasoningTokens,
			Total:     status.Summary.TotalTokens,
		},
		Active: status.Active,
	}
	for _, u := range status.Units {
		detail.Units = append(detail.Units, Unit{
			ID:            u.ID,
			Ordinal:       u.Ordinal,
			Name:          u.Name,
			ExpectedCount: u.ExpectedCount,
			FinalRunID:    u.FinalRunID,
			Outcome:       string(u.Outcome),
		})
	}
	for state, count := range status.Summary.RunCounts {
		detail.RunCounts[string(state)] = count
	}
	return detail
}

// FromRun converts an extraction run.
func FromRun(r *runstore.ExtractionRun) Run {
	run := Run{
		ID:              r.ID,
		UnitID:          r.UnitID,
		Attempt:         r.Attempt,
		State:           string(r.State),
		InputTokens:     r.InputTokens,
		OutputTokens:    r.OutputTokens,
		ReasoningTokens: r.ReasoningTokens,
		TotalTokens:     r.TotalTokens,
		TokenAnomaly:    r.TokenAnomaly,
		MatchedCount:    r.MatchedCount,
		ViolationCount:  r.ViolationCount,
		ErrorMessage:    r.ErrorMessage,
		Transient:       r.Transient,
		StartedAt:       formatTimePtr(r.StartedAt),
		FinishedAt:      formatTimePtr(r.FinishedAt),
	}
	if !r.IsRoot() {
		run.ParentRunID = *r.ParentRunID
	}
	return run
}

// FromRuns converts a run list.
func FromRuns(runs []*runstore.ExtractionRun) []Run {
	out := make([]Run, 0, len(runs))
	for _, r := range runs {
		out = append(out, FromRun(r))
	}
	return out
}

// FromPrompts converts stored prompts.
func FromPrompts(prompts []*runstore.Prompt) []Prompt {
	out := make([]Prompt, 0, len(prompts))
	for _, p := range prompts {
		converted := Prompt{
			Name:          p.Name,
			Active:        p.Active,
			ActiveVersion: p.ActiveVersion,
			Versions:      make([]PromptVersion, 0, len(p.Versions)),
		}
		for _, v := range p.Versions {
			converted.Versions = append(converted.Versions, PromptVersion{
				Index:     v.Index,
				Content:   v.Content,
				Notes:     v.Notes,
				Author:    v.Author,
				CreatedAt: FormatTime(v.CreatedAt),
			})
		}
		out = append(out, converted)
	}
	return out
}

// FromRuleWarnings converts parse warnings.
func FromRuleWarnings(warnings []quality.Warning) []RuleWarning {
	if len(warnings) == 0 {
		return nil
	}
	out := make([]RuleWarning, 0, len(warnings))
	for _, w := range warnings {
		out = append(out, RuleWarning{RuleID: w.RuleID, Reason: w.Reason})
	}
	return out
}

// FromSchedules converts scheduler entries.
func FromSchedules(entries []schedule.Entry) []Schedule {
	out := make([]Schedule, 0, len(entries))
	for _, e := range entries {
		out = append(out, Schedule{
			Name:        e.Name,
			Cron:        e.Cron,
			Manifest:    e.Manifest,
			Next:        FormatTime(e.Next),
			Prev:        FormatTime(e.Prev),
			LastBatchID: e.LastBatchID,
			LastError:   e.LastError,
		})
	}
	return out
}

// FormatTime renders t for API payloads. The zero time renders empty.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return FormatTime(*t)
}

// ParseTime parses an API timestamp, returning the zero time when value is
// empty or malformed.
func ParseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(dateTimeFormat, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}
