package config

const (
	defaultConfigPath     = "~/.config/extractflow/config.toml"
	defaultDataDir        = "~/.local/share/extractflow"
	defaultLogDir         = "~/.local/share/extractflow/logs"
	defaultAPIBind        = "127.0.0.1:7587"
	defaultOpenRouterURL  = "https://openrouter.ai/api/v1/chat/completions"
	defaultOllamaURL      = "http://127.0.0.1:11434"
	defaultRequestIDName  = "X-Request-ID"
	defaultLLMTitle       = "extractflow"
	defaultLLMMaxTokens   = 4096
	defaultLLMTimeout     = 120
	defaultConcurrency    = 4
	defaultMaxRetryDepth  = 3
	defaultTransientTries = 3
	defaultRetryBackoffMS = 500
	defaultRunTimeout     = 600
)

// LLM providers.
const (
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"
	ProviderOllama     = "ollama"
)

// Failure policies decide the terminal state of a batch with failed units.
const (
	// FailurePolicyFailBatch marks the batch failed when any unit exhausts its retries.
	FailurePolicyFailBatch = "fail_batch"
	// FailurePolicyCompleteWithFailures finishes the batch as completed_with_failures.
	FailurePolicyCompleteWithFailures = "complete_with_failures"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		LLM: LLM{
			Provider:       ProviderOpenRouter,
			Title:          defaultLLMTitle,
			TimeoutSeconds: defaultLLMTimeout,
			MaxTokens:      defaultLLMMaxTokens,
		},
		Orchestrator: Orchestrator{
			Concurrency:       defaultConcurrency,
			MaxRetryDepth:     defaultMaxRetryDepth,
			TransientRetries:  defaultTransientTries,
			RetryBackoffMS:    defaultRetryBackoffMS,
			RunTimeoutSeconds: defaultRunTimeout,
			FailurePolicy:     FailurePolicyFailBatch,
		},
		Quality: Quality{
			FailureThreshold: 0,
		},
		API: API{
			RequestIDHeader:     true,
			RequestIDHeaderName: defaultRequestIDName,
		},
		Logging: Logging{
			Format:        "console",
			Level:         "info",
			RetentionDays: 30,
			MaxSizeMB:     50,
			MaxBackups:    5,
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: 10,
		},
	}
}
