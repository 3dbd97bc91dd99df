// Package quality parses the active quality rule set and evaluates extracted
// entities against it.
//
// Rules live in a single stored document of the form
//
//	{"rules": {"<id>": {"kind": "presence", "field": "fields.total", "severity": "error"}}}
//
// or the equivalent list form with an "id" on each rule. Four kinds are
// understood: equality, pattern, range, and presence. Entries that cannot be
// parsed are skipped and returned as warnings so well-formed rules still run.
//
// The Holder keeps the active RuleSet behind an atomic pointer. Replacing the
// rules stores the new document and swaps the snapshot in one step; an
// evaluation that already loaded a snapshot keeps using it.
package quality
