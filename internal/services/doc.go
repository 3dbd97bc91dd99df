// Package services defines shared utilities consumed by the extraction
// controller, the batch orchestrator, and the external extractor backends.
//
// Key responsibilities:
//   - Context helpers that stamp batch IDs, run IDs, unit IDs, and correlation
//     identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that let callers decide
//     whether a failure is transient (retry) or permanent (fail the run).
//
// Use these helpers when wiring new extractor backends so operational
// behaviour (error handling, observability, retries) stays uniform across the
// pipeline.
package services
