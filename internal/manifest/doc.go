// Package manifest reads batch manifests.
//
// A manifest names a batch and lists its units. Each unit carries its
// document either inline or as a file path resolved against the manifest's
// directory, plus the baseline entities used for matching. YAML and JSON are
// both accepted.
package manifest
