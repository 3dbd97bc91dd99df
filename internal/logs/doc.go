// Package logs reads the daemon log file for the CLI.
//
// Last returns the trailing lines of the file, optionally filtered to those
// mentioning a batch or run ID. Follow then streams appended lines, watching
// the log directory with fsnotify so size-based rotation is picked up.
package logs
