// Package preflight provides readiness checks for the paths and settings the
// daemon depends on.
//
// The daemon runs RunAll before taking the instance lock and refuses to start
// when a required check fails. The CLI status view shows the same results.
package preflight
