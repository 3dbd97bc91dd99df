package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateLLM(); err != nil {
		return err
	}
	if err := c.validateOrchestrator(); err != nil {
		return err
	}
	if err := c.validateQuality(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return c.validateSchedules()
}

func (c *Config) validatePaths() error {
	if c.Paths.DataDir == "" {
		return errors.New("paths.data_dir must be set")
	}
	if _, _, err := net.SplitHostPort(c.Paths.APIBind); err != nil {
		return fmt.Errorf("paths.api_bind %q: %w", c.Paths.APIBind, err)
	}
	return nil
}

func (c *Config) validateLLM() error {
	switch c.LLM.Provider {
	case ProviderOpenRouter, ProviderAnthropic, ProviderOllama:
	default:
		return fmt.Errorf("llm.provider: unsupported value %q (want openrouter, anthropic, or ollama)", c.LLM.Provider)
	}
	return nil
}

// ValidateExtractor reports whether the configured provider can be called.
// The CLI skips this check for commands that never reach the extractor.
func (c *Config) ValidateExtractor() error {
	if c.LLM.Model == "" {
		return errors.New("llm.model must be set")
	}
	if c.LLM.Provider != ProviderOllama && c.LLM.APIKey == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = defaultConfigPath
		}
		return fmt.Errorf("llm.api_key is required for provider %s. Set the provider env var or edit %s (create with 'extractflow config init')", c.LLM.Provider, defaultPath)
	}
	return nil
}

func (c *Config) validateOrchestrator() error {
	if c.Orchestrator.MaxRetryDepth < 1 {
		return errors.New("orchestrator.max_retry_depth must be at least 1")
	}
	switch c.Orchestrator.FailurePolicy {
	case FailurePolicyFailBatch, FailurePolicyCompleteWithFailures:
	default:
		return fmt.Errorf("orchestrator.failure_policy: unsupported value %q", c.Orchestrator.FailurePolicy)
	}
	return nil
}

func (c *Config) validateQuality() error {
	if c.Quality.FailureThreshold < 0 {
		return errors.New("quality.failure_threshold must be >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.NtfyTopic == "" {
		return nil
	}
	u, err := url.Parse(c.Notifications.NtfyTopic)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("notifications.ntfy_topic: %q is not an http(s) URL", c.Notifications.NtfyTopic)
	}
	return nil
}

func (c *Config) validateSchedules() error {
	seen := make(map[string]struct{}, len(c.Schedules))
	for i, sched := range c.Schedules {
		if sched.Name == "" {
			return fmt.Errorf("schedule[%d].name must be set", i)
		}
		if _, dup := seen[sched.Name]; dup {
			return fmt.Errorf("schedule %q is defined twice", sched.Name)
		}
		seen[sched.Name] = struct{}{}
		if sched.Cron == "" {
			return fmt.Errorf("schedule %q: cron must be set", sched.Name)
		}
		if sched.Manifest == "" {
			return fmt.Errorf("schedule %q: manifest must be set", sched.Name)
		}
	}
	return nil
}
