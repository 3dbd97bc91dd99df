package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeLLM()
	c.normalizeOrchestrator()
	if err := c.normalizeQuality(); err != nil {
		return err
	}
	c.normalizeAPI()
	c.normalizeLogging()
	c.normalizeNotifications()
	return c.normalizeSchedules()
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	if c.Paths.APIToken == "" {
		c.Paths.APIToken = strings.TrimSpace(os.Getenv("EXTRACTFLOW_API_TOKEN"))
	}
	return nil
}

func (c *Config) normalizeLLM() {
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = ProviderOpenRouter
	}
	c.LLM.APIKey = strings.TrimSpace(c.LLM.APIKey)
	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case ProviderOpenRouter:
			c.LLM.APIKey = strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY"))
		case ProviderAnthropic:
			c.LLM.APIKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
		}
	}
	c.LLM.BaseURL = strings.TrimSpace(c.LLM.BaseURL)
	if c.LLM.BaseURL == "" {
		switch c.LLM.Provider {
		case ProviderOpenRouter:
			c.LLM.BaseURL = defaultOpenRouterURL
		case ProviderOllama:
			if host := strings.TrimSpace(os.Getenv("OLLAMA_HOST")); host != "" {
				c.LLM.BaseURL = host
			} else {
				c.LLM.BaseURL = defaultOllamaURL
			}
		}
	}
	c.LLM.Model = strings.TrimSpace(c.LLM.Model)
	c.LLM.Referer = strings.TrimSpace(c.LLM.Referer)
	c.LLM.Title = strings.TrimSpace(c.LLM.Title)
	if c.LLM.Title == "" {
		c.LLM.Title = defaultLLMTitle
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = defaultLLMTimeout
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = defaultLLMMaxTokens
	}
}

func (c *Config) normalizeOrchestrator() {
	if c.Orchestrator.Concurrency <= 0 {
		c.Orchestrator.Concurrency = defaultConcurrency
	}
	if c.Orchestrator.TransientRetries < 0 {
		c.Orchestrator.TransientRetries = 0
	}
	if c.Orchestrator.RetryBackoffMS < 0 {
		c.Orchestrator.RetryBackoffMS = 0
	}
	if c.Orchestrator.RunTimeoutSeconds < 0 {
		c.Orchestrator.RunTimeoutSeconds = 0
	}
	policy := strings.ToLower(strings.TrimSpace(c.Orchestrator.FailurePolicy))
	if policy == "" {
		policy = FailurePolicyFailBatch
	}
	c.Orchestrator.FailurePolicy = policy
}

func (c *Config) normalizeQuality() error {
	c.Quality.RulesPath = strings.TrimSpace(c.Quality.RulesPath)
	if c.Quality.RulesPath == "" {
		c.Quality.WatchRules = false
		return nil
	}
	var err error
	if c.Quality.RulesPath, err = expandPath(c.Quality.RulesPath); err != nil {
		return fmt.Errorf("quality.rules_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeAPI() {
	name := strings.TrimSpace(c.API.RequestIDHeaderName)
	if name == "" {
		name = defaultRequestIDName
	}
	c.API.RequestIDHeaderName = http.CanonicalHeaderKey(name)
}

func (c *Config) normalizeLogging() {
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if format == "" {
		format = "console"
	}
	c.Logging.Format = format
	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if level == "" {
		level = "info"
	}
	c.Logging.Level = level
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 50
	}
	if c.Logging.MaxBackups < 0 {
		c.Logging.MaxBackups = 0
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeoutSeconds <= 0 {
		c.Notifications.RequestTimeoutSeconds = 10
	}
}

func (c *Config) normalizeSchedules() error {
	for i := range c.Schedules {
		sched := &c.Schedules[i]
		sched.Name = strings.TrimSpace(sched.Name)
		sched.Cron = strings.TrimSpace(sched.Cron)
		sched.Manifest = strings.TrimSpace(sched.Manifest)
		if sched.Manifest == "" {
			continue
		}
		var err error
		if sched.Manifest, err = expandPath(sched.Manifest); err != nil {
			return fmt.Errorf("schedule[%d].manifest: %w", i, err)
		}
	}
	return nil
}
