// Command extractflow runs the extraction daemon and talks to it over HTTP.
//
// "extractflow serve" hosts the daemon in the foreground. Every other
// command is a thin client of the daemon API: batches are submitted from
// manifests and controlled by ID, quality rules are replaced wholesale, and
// prompts are versioned and activated by name.
package main
