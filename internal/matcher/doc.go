// Package matcher pairs extracted entities with a unit's expected baseline.
//
// Two entities can match only when their normalized (type, name) identity
// keys are equal. Normalization applies Unicode NFKC, case folding, and
// whitespace collapsing. Among candidates with the same key, pairs are
// chosen greedily by score (1 plus the fraction of expected fields the
// extracted entity reproduces), then by lowest entity_index, then by a
// canonical content key, so the result does not depend on input order.
// Matching is one-to-one.
package matcher
