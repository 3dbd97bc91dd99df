package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// LLM selects and configures the extractor backend.
type LLM struct {
	Provider       string `toml:"provider"`
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	Referer        string `toml:"referer"`
	Title          string `toml:"title"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxTokens      int    `toml:"max_tokens"`
}

// Orchestrator controls batch dispatch and retry behaviour.
type Orchestrator struct {
	// Concurrency bounds in-flight extraction runs per batch.
	Concurrency       int    `toml:"concurrency"`
	MaxRetryDepth     int    `toml:"max_retry_depth"`
	TransientRetries  int    `toml:"transient_retries"`
	RetryBackoffMS    int    `toml:"retry_backoff_ms"`
	RunTimeoutSeconds int    `toml:"run_timeout_seconds"`
	FailurePolicy     string `toml:"failure_policy"`
}

// Quality configures rule evaluation.
type Quality struct {
	// FailureThreshold is the number of error-severity violations a run may
	// carry before it is marked quality_failed.
	FailureThreshold int    `toml:"failure_threshold"`
	RulesPath        string `toml:"rules_path"`
	WatchRules       bool   `toml:"watch_rules"`
}

// API configures the daemon HTTP surface.
type API struct {
	RequestIDHeader     bool   `toml:"request_id_header"`
	RequestIDHeaderName string `toml:"request_id_header_name"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
	MaxSizeMB     int    `toml:"max_size_mb"`
	MaxBackups    int    `toml:"max_backups"`
}

// Notifications configures ntfy alerts for finished batches and failed
// schedules. An empty topic disables them.
type Notifications struct {
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// Schedule submits a manifest on a cron expression.
type Schedule struct {
	Name     string `toml:"name"`
	Cron     string `toml:"cron"`
	Manifest string `toml:"manifest"`
}

// Config encapsulates all configuration values for extractflow.
//
// Configuration sections by subsystem:
//   - Paths: data and log directories plus the API bind address
//   - LLM: extractor provider and connection settings
//   - Orchestrator: dispatch concurrency, retries, timeouts, failure policy
//   - Quality: rule threshold and the optional rules file to watch
//   - API: request correlation header
//   - Logging: log format, level, and rotation
//   - Notifications: ntfy topic for batch and schedule alerts
//   - Schedules: cron-triggered manifest submissions
type Config struct {
	Paths         Paths         `toml:"paths"`
	LLM           LLM           `toml:"llm"`
	Orchestrator  Orchestrator  `toml:"orchestrator"`
	Quality       Quality       `toml:"quality"`
	API           API           `toml:"api"`
	Logging       Logging       `toml:"logging"`
	Notifications Notifications `toml:"notifications"`
	Schedules     []Schedule    `toml:"schedule"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, "", false, fmt.Errorf("parse config: %s", strict.String())
			}
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("extractflow.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "extractflow.db")
}

// LockPath returns the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "extractflow.lock")
}

// RunTimeout returns the per-run wall-clock budget. Zero disables it.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Orchestrator.RunTimeoutSeconds) * time.Second
}

// RetryBackoff returns the base delay between transient extractor retries.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Orchestrator.RetryBackoffMS) * time.Millisecond
}

// LLMTimeout returns the HTTP timeout for extractor calls.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
