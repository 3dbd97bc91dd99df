package preflight

import (
	"context"

	"extractflow/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Detail   string `json:"detail"`
	Optional bool   `json:"optional,omitempty"`
}

// RunAll executes every applicable check for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckExtractor(cfg),
	}
	if cfg.Quality.RulesPath != "" {
		results = append(results, CheckFileReadable("Quality rules file", cfg.Quality.RulesPath, cfg.Quality.WatchRules))
	}
	for _, sched := range cfg.Schedules {
		r := CheckFileReadable("Schedule "+sched.Name+" manifest", sched.Manifest, true)
		results = append(results, r)
	}
	return results
}

// Failed returns the required checks that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed && !r.Optional {
			failed = append(failed, r)
		}
	}
	return failed
}
