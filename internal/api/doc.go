// Package api defines the wire-format types shared by the daemon's HTTP
// server and the CLI client. Converters translate runstore models into
// transport-friendly DTOs so consumers never couple to storage types.
//
// DTOs use camelCase JSON tags. States are exposed as lowercase strings and
// timestamps as RFC3339 with milliseconds. Matched counts are reported
// clamped to the expected total; the raw value travels alongside with the
// anomaly flag.
package api
