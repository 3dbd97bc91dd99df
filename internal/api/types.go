package api

import (
	"encoding/json"

	"extractflow/internal/preflight"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Batch describes a batch run.
type Batch struct {
	ID                    string  `json:"id"`
	Name                  string  `json:"name"`
	State                 string  `json:"state"`
	MatchedEntities       int64   `json:"matchedEntities"`
	RawMatchedEntities    int64   `json:"rawMatchedEntities"`
	TotalExpectedEntities int64   `json:"totalExpectedEntities"`
	MatchRate             float64 `json:"matchRate"`
	MatchAnomaly          bool    `json:"matchAnomaly"`
	FailedUnits           int     `json:"failedUnits"`
	WallClockPausedMS     int64   `json:"wallClockPausedMs"`
	ActiveDurationMS      int64   `json:"activeDurationMs"`
	PromptName            string  `json:"promptName"`
	PromptVersion         int     `json:"promptVersion"`
	ErrorMessage          string  `json:"errorMessage,omitempty"`
	CreatedAt             string  `json:"createdAt,omitempty"`
	StartedAt             string  `json:"startedAt,omitempty"`
	PauseStartedAt        string  `json:"pauseStartedAt,omitempty"`
	CompletedAt           string  `json:"completedAt,omitempty"`
}

// Unit describes one document in a batch.
type Unit struct {
	ID            string `json:"id"`
	Ordinal       int    `json:"ordinal"`
	Name          string `json:"name,omitempty"`
	ExpectedCount int    `json:"expectedCount"`
	FinalRunID    string `json:"finalRunId,omitempty"`
	Outcome       string `json:"outcome,omitempty"`
}

// TokenTotals sums token usage across a batch's runs.
type TokenTotals struct {
	Input     int64 `json:"input"`
	Output    int64 `json:"output"`
	Reasoning int64 `json:"reasoning"`
	Total     int64 `json:"total"`
}

// BatchDetail is a batch with its units and run totals.
type BatchDetail struct {
	Batch     Batch          `json:"batch"`
	Units     []Unit         `json:"units"`
	RunCounts map[string]int `json:"runCounts"`
	Tokens    TokenTotals    `json:"tokens"`
	Active    bool           `json:"active"`
}

// Run describes one extraction run.
type Run struct {
	ID              string `json:"id"`
	UnitID          string `json:"unitId"`
	ParentRunID     string `json:"parentRunId,omitempty"`
	Attempt         int    `json:"attempt"`
	State           string `json:"state"`
	InputTokens     *int64 `json:"inputTokens,omitempty"`
	OutputTokens    *int64 `json:"outputTokens,omitempty"`
	ReasoningTokens *int64 `json:"reasoningTokens,omitempty"`
	TotalTokens     *int64 `json:"totalTokens,omitempty"`
	TokenAnomaly    bool   `json:"tokenAnomaly"`
	MatchedCount    int64  `json:"matchedCount"`
	ViolationCount  int    `json:"violationCount"`
	ErrorMessage    string `json:"errorMessage,omitempty"`
	Transient       bool   `json:"transient"`
	StartedAt       string `json:"startedAt,omitempty"`
	FinishedAt      string `json:"finishedAt,omitempty"`
}

// Prompt describes a named prompt and its versions.
type Prompt struct {
	Name          string          `json:"name"`
	Active        bool            `json:"active"`
	ActiveVersion int             `json:"activeVersion,omitempty"`
	Versions      []PromptVersion `json:"versions"`
}

// PromptVersion is one revision of a prompt.
type PromptVersion struct {
	Index     int    `json:"index"`
	Content   string `json:"content"`
	Notes     string `json:"notes,omitempty"`
	Author    string `json:"author,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// RuleWarning reports a rule entry skipped while parsing.
type RuleWarning struct {
	RuleID string `json:"ruleId,omitempty"`
	Reason string `json:"reason"`
}

// QualityRules is the stored rule document. Rules is passed through verbatim.
type QualityRules struct {
	Rules     json.RawMessage `json:"rules"`
	Version   int64           `json:"version"`
	Active    int             `json:"activeRules"`
	UpdatedAt string          `json:"updatedAt,omitempty"`
	Warnings  []RuleWarning   `json:"warnings,omitempty"`
}

// Schedule describes a configured cron submission.
type Schedule struct {
	Name        string `json:"name"`
	Cron        string `json:"cron"`
	Manifest    string `json:"manifest"`
	Next        string `json:"next,omitempty"`
	Prev        string `json:"prev,omitempty"`
	LastBatchID string `json:"lastBatchId,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

// DaemonStatus aggregates daemon runtime information.
type DaemonStatus struct {
	Running       bool               `json:"running"`
	PID           int                `json:"pid"`
	StartedAt     string             `json:"startedAt,omitempty"`
	DatabasePath  string             `json:"databasePath"`
	LockFilePath  string             `json:"lockFilePath"`
	Provider      string             `json:"provider"`
	Model         string             `json:"model"`
	ActiveBatches int                `json:"activeBatches"`
	RuleVersion   int64              `json:"ruleVersion"`
	Schedules     []Schedule         `json:"schedules"`
	Preflight     []preflight.Result `json:"preflight"`
}

// SubmitBatchRequest creates a batch from an inline manifest. The manifest
// is YAML or JSON; unit files must be absolute paths readable by the daemon.
type SubmitBatchRequest struct {
	Manifest string `json:"manifest"`
	Name     string `json:"name,omitempty"`
	Start    bool   `json:"start"`
}

// BatchResponse wraps a single batch.
type BatchResponse struct {
	Batch Batch `json:"batch"`
}

// BatchListResponse wraps a collection of batches.
type BatchListResponse struct {
	Batches []Batch `json:"batches"`
}

// RunListResponse wraps a batch's runs.
type RunListResponse struct {
	Runs []Run `json:"runs"`
}

// PromptListResponse wraps every stored prompt.
type PromptListResponse struct {
	Prompts []Prompt `json:"prompts"`
}

// AddPromptRequest stores a new prompt version.
type AddPromptRequest struct {
	Name     string `json:"name"`
	Content  string `json:"content"`
	Notes    string `json:"notes,omitempty"`
	Author   string `json:"author,omitempty"`
	Activate bool   `json:"activate"`
}

// ActivatePromptRequest selects the active prompt version. Version 0 means
// the latest.
type ActivatePromptRequest struct {
	Version int `json:"version"`
}

// ErrorResponse is returned for every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}
