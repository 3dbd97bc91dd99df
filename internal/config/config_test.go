package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"extractflow/internal/config"
)

func TestLoadDefaultConfigExpandsPathsAndUsesEnvKey(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "or-key")
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "extractflow")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.DatabasePath() != filepath.Join(wantData, "extractflow.db") {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath())
	}
	if cfg.LLM.APIKey != "or-key" {
		t.Fatalf("expected api key from env, got %q", cfg.LLM.APIKey)
	}
	if cfg.LLM.BaseURL == "" {
		t.Fatal("expected default openrouter base url")
	}
	if cfg.Orchestrator.FailurePolicy != config.FailurePolicyFailBatch {
		t.Fatalf("unexpected failure policy %q", cfg.Orchestrator.FailurePolicy)
	}
	if !cfg.API.RequestIDHeader || cfg.API.RequestIDHeaderName != "X-Request-Id" {
		t.Fatalf("unexpected api config %+v", cfg.API)
	}
}

func TestLoadCustomConfigOverrides(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	configPath := filepath.Join(t.TempDir(), "config.toml")
	content := `
[paths]
data_dir = "~/flow"

[llm]
provider = "Anthropic"
api_key = "sk-ant"
model = "claude-sonnet-4-5"

[orchestrator]
concurrency = 0
max_retry_depth = 5
failure_policy = "complete_with_failures"

[api]
request_id_header = false
request_id_header_name = "x-correlation-id"

[[schedule]]
name = "nightly"
cron = "0 2 * * *"
manifest = "~/manifests/nightly.yaml"
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("expected custom config to be used: exists=%v resolved=%q", exists, resolved)
	}
	if cfg.Paths.DataDir != filepath.Join(tempHome, "flow") {
		t.Fatalf("unexpected data dir %q", cfg.Paths.DataDir)
	}
	if cfg.LLM.Provider != config.ProviderAnthropic {
		t.Fatalf("provider not normalized: %q", cfg.LLM.Provider)
	}
	if cfg.Orchestrator.Concurrency != config.Default().Orchestrator.Concurrency {
		t.Fatalf("expected concurrency default, got %d", cfg.Orchestrator.Concurrency)
	}
	if cfg.Orchestrator.MaxRetryDepth != 5 {
		t.Fatalf("unexpected max retry depth %d", cfg.Orchestrator.MaxRetryDepth)
	}
	if cfg.API.RequestIDHeader {
		t.Fatal("expected request id header disabled")
	}
	if cfg.API.RequestIDHeaderName != "X-Correlation-Id" {
		t.Fatalf("header name not canonicalized: %q", cfg.API.RequestIDHeaderName)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Manifest != filepath.Join(tempHome, "manifests", "nightly.yaml") {
		t.Fatalf("unexpected schedules %+v", cfg.Schedules)
	}
	if err := cfg.ValidateExtractor(); err != nil {
		t.Fatalf("ValidateExtractor: %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte("[orchestrator]\nconcurency = 3\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, _, _, err := config.Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "concurency") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"provider", func(c *config.Config) { c.LLM.Provider = "bard" }, "llm.provider"},
		{"retry depth", func(c *config.Config) { c.Orchestrator.MaxRetryDepth = 0 }, "max_retry_depth"},
		{"policy", func(c *config.Config) { c.Orchestrator.FailurePolicy = "ignore" }, "failure_policy"},
		{"threshold", func(c *config.Config) { c.Quality.FailureThreshold = -1 }, "failure_threshold"},
		{"log format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bind", func(c *config.Config) { c.Paths.APIBind = "nope" }, "api_bind"},
		{"ntfy topic", func(c *config.Config) { c.Notifications.NtfyTopic = "extractflow" }, "ntfy_topic"},
		{"schedule cron", func(c *config.Config) {
			c.Schedules = []config.Schedule{{Name: "a", Manifest: "/tmp/a.yaml"}}
		}, "cron must be set"},
		{"schedule dup", func(c *config.Config) {
			c.Schedules = []config.Schedule{
				{Name: "a", Cron: "@daily", Manifest: "/tmp/a.yaml"},
				{Name: "a", Cron: "@daily", Manifest: "/tmp/b.yaml"},
			}
		}, "defined twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Paths.DataDir = t.TempDir()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestValidateExtractorRequiresKeyExceptOllama(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Model = "m"
	if err := cfg.ValidateExtractor(); err == nil {
		t.Fatal("expected missing api key error")
	}
	cfg.LLM.Provider = config.ProviderOllama
	if err := cfg.ValidateExtractor(); err != nil {
		t.Fatalf("ollama should not require a key: %v", err)
	}
}

func TestCreateSampleParsesWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	cfg := config.Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("sample config does not parse: %v", err)
	}
	if cfg.Orchestrator.MaxRetryDepth != 3 {
		t.Fatalf("unexpected sample retry depth %d", cfg.Orchestrator.MaxRetryDepth)
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.LogDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s", dir)
		}
	}
}
