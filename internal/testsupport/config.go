package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"extractflow/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.LLM.APIKey = "test"
	cfgVal.LLM.Model = "test-model"
	cfgVal.Orchestrator.RetryBackoffMS = 0
	cfgVal.Orchestrator.RunTimeoutSeconds = 30

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithConcurrency bounds in-flight runs per batch.
func WithConcurrency(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Orchestrator.Concurrency = n
	}
}

// WithMaxRetryDepth sets how many runs a unit's lineage may hold.
func WithMaxRetryDepth(depth int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Orchestrator.MaxRetryDepth = depth
	}
}

// WithTransientRetries sets extractor retries inside a single run.
func WithTransientRetries(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Orchestrator.TransientRetries = n
	}
}

// WithFailurePolicy sets the batch failure policy.
func WithFailurePolicy(policy string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Orchestrator.FailurePolicy = policy
	}
}

// WithRunTimeoutSeconds sets the per-run wall-clock budget.
func WithRunTimeoutSeconds(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Orchestrator.RunTimeoutSeconds = seconds
	}
}

// WithFailureThreshold sets tolerated error-severity violations per run.
func WithFailureThreshold(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Quality.FailureThreshold = n
	}
}

// WithRulesFile writes rules JSON into the temp dir and points the config at it.
func WithRulesFile(rulesJSON string, watch bool) ConfigOption {
	return func(b *configBuilder) {
		path := filepath.Join(b.baseDir, "rules.json")
		if err := os.WriteFile(path, []byte(rulesJSON), 0o644); err != nil {
			b.t.Fatalf("write rules file: %v", err)
		}
		b.cfg.Quality.RulesPath = path
		b.cfg.Quality.WatchRules = watch
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
