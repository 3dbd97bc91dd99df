// Package runstore persists batch runs, their units, extraction runs, and
// extracted entities in SQLite, and defines the lifecycle enums that drive
// them.
//
// BatchRun and ExtractionRun carry explicit state machines: every state change
// goes through a method that consults the transition table and returns an
// InvalidStateError without touching the record when the move is illegal.
// Pause accounting, token verification, and match clamping live on the models
// so the orchestrator and the run controller share one definition.
//
// Schema changes are additive migrations under migrations/. Add a new
// numbered file for every change; never edit one that has shipped.
package runstore
