// Package batch supervises batch runs: submission, bounded dispatch of units
// to the extraction controller, pause and resume with paused-time
// accounting, retry lineage per unit, and the final batch outcome.
//
// Every mutation of a batch aggregate (state, matched_entities, failed
// units) happens under that batch's lock, so concurrent run completions never
// lose updates. Pausing stops new runs from starting; runs already in flight
// finish normally.
package batch
