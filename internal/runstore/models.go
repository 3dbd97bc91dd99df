package runstore

import (
	"time"
)

// BatchState represents the lifecycle of a batch run.
type BatchState string

const (
	BatchPending               BatchState = "pending"
	BatchRunning               BatchState = "running"
	BatchPaused                BatchState = "paused"
	BatchCompleted             BatchState = "completed"
	BatchCompletedWithFailures BatchState = "completed_with_failures"
	BatchFailed                BatchState = "failed"
)

// RunState represents the lifecycle of a single extraction run.
type RunState string

const (
	RunPending       RunState = "pending"
	RunRunning       RunState = "running"
	RunSucceeded     RunState = "succeeded"
	RunFailed        RunState = "failed"
	RunQualityFailed RunState = "quality_failed"
)

// UnitOutcome records how a unit finished once its lineage stopped.
type UnitOutcome string

const (
	UnitSucceeded UnitOutcome = "succeeded"
	UnitFailed    UnitOutcome = "failed"
)

// DaemonStopReason is the error message set on runs interrupted by shutdown.
const DaemonStopReason = "Daemon stopped"

// CancelReason is the error message set on batches and runs cancelled by a user.
const CancelReason = "Cancelled by user"

// BatchRun is a supervised collection of units processed together.
type BatchRun struct {
	ID                    string
	Name                  string
	State                 BatchState
	MatchedEntities       int64
	TotalExpectedEntities int64
	WallClockPausedMS     int64
	PauseStartedAt        *time.Time
	StartedAt             *time.Time
	CompletedAt           *time.Time
	PromptName            string
	PromptVersion         int
	FailedUnits           int
	MatchAnomaly          bool
	ErrorMessage          string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ExpectedEntity is one baseline entry a unit declares.
type ExpectedEntity struct {
	Type   string         `json:"type" yaml:"type"`
	Name   string         `json:"name" yaml:"name"`
	Fields map[string]any `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// BatchUnit is one document submitted as part of a batch.
type BatchUnit struct {
	ID            string
	BatchID       string
	Ordinal       int
	Name          string
	Document      string
	ExpectedCount int
	Expected      []ExpectedEntity
	FinalRunID    string
	Outcome       UnitOutcome
}

// ExtractionRun is one attempt to extract entities from a unit.
type ExtractionRun struct {
	ID              string
	BatchID         string
	UnitID          string
	ParentRunID     *string
	Attempt         int
	State           RunState
	InputTokens     *int64
	OutputTokens    *int64
	ReasoningTokens *int64
	TotalTokens     *int64
	TokenAnomaly    bool
	MatchedCount    int64
	ViolationCount  int
	ErrorMessage    string
	Transient       bool
	StartedAt       *time.Time
	FinishedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ExtractionEntity is one entity produced by a run.
type ExtractionEntity struct {
	ID          int64          `json:"id,omitempty"`
	RunID       string         `json:"run_id,omitempty"`
	EntityIndex *int           `json:"entity_index"`
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Fields      map[string]any `json:"fields,omitempty"`
	Confidence  float64        `json:"confidence"`
}

// QualityRuleConfig is the single process-wide rule record.
type QualityRuleConfig struct {
	RulesJSON []byte
	UpdatedAt time.Time
	Version   int64
}

// Prompt is a named prompt with an ordered version history.
type Prompt struct {
	ID            int64
	Name          string
	Active        bool
	ActiveVersion int
	CreatedAt     time.Time
	Versions      []PromptVersion
}

// PromptVersion is one revision of a prompt.
type PromptVersion struct {
	PromptID  int64
	Index     int
	Content   string
	Notes     string
	Author    string
	CreatedAt time.Time
}

// BatchSummary aggregates run counts for one batch.
type BatchSummary struct {
	RunCounts       map[RunState]int
	InputTokens     int64
	OutputTokens    int64
	ReasoningTokens int64
	TotalTokens     int64
}

// IsTerminal reports whether the batch can no longer change state.
func (s BatchState) IsTerminal() bool {
	switch s {
	case BatchCompleted, BatchCompletedWithFailures, BatchFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the run is immutable.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunQualityFailed:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether a run in this state may parent a retry.
func (s RunState) IsRetryable() bool {
	return s == RunFailed || s == RunQualityFailed
}

// IsRoot reports whether the run starts a lineage.
func (r *ExtractionRun) IsRoot() bool {
	return r.ParentRunID == nil || *r.ParentRunID == ""
}

// ActiveDuration is the elapsed time between start and completion minus time
// spent paused. Unfinished batches are measured against now.
func (b *BatchRun) ActiveDuration(now time.Time) time.Duration {
	if b.StartedAt == nil {
		return 0
	}
	end := now
	if b.CompletedAt != nil {
		end = *b.CompletedAt
	}
	paused := time.Duration(b.WallClockPausedMS) * time.Millisecond
	if b.PauseStartedAt != nil && b.CompletedAt == nil && end.After(*b.PauseStartedAt) {
		paused += end.Sub(*b.PauseStartedAt)
	}
	active := end.Sub(*b.StartedAt) - paused
	if active < 0 {
		return 0
	}
	return active
}

// MatchRate returns matched over expected, clamped to [0, 1]. A batch that
// expects nothing reports zero.
func (b *BatchRun) MatchRate() float64 {
	if b.TotalExpectedEntities <= 0 {
		return 0
	}
	rate := float64(b.MatchedEntities) / float64(b.TotalExpectedEntities)
	if rate > 1 {
		return 1
	}
	return rate
}

// ReportedMatched returns matched entities clamped to the expected total.
func (b *BatchRun) ReportedMatched() int64 {
	if b.MatchedEntities > b.TotalExpectedEntities {
		return b.TotalExpectedEntities
	}
	return b.MatchedEntities
}
