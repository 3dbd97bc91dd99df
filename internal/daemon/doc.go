// Package daemon hosts the long-running extractflow process.
//
// A Daemon owns the single-instance lock, the quality rule holder and its
// file watcher, the batch orchestrator, the cron scheduler, and the HTTP API.
// Start recovers batches interrupted by a previous shutdown before accepting
// requests; Stop drains dispatch, leaving unfinished batches for the next
// start.
package daemon
