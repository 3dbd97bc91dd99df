// Package extraction drives a single unit through one extraction run:
// extractor call, quality evaluation, and matching against the unit's
// expected entities.
//
// Runs form an append-only lineage. A retry is a new child run whose parent
// ended failed or quality_failed; the parent row is never touched. The
// Controller enforces the lineage preconditions and the maximum depth, and
// Process bounds every run by a wall-clock budget so no run stays running.
package extraction
