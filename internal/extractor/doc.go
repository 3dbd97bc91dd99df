// Package extractor turns a prompt and a document into structured entities
// plus token usage by calling an LLM backend.
//
// Three backends implement Extractor: OpenRouter chat completions over plain
// HTTP, the Anthropic Messages API through the official SDK, and a local
// Ollama server. Every backend asks for an {"entities": [...]} JSON object,
// decodes it with DecodeLLMJSON (tolerating code fences and chatter around
// the payload), and reports usage as runstore.TokenUsage.
//
// Backends make a single attempt per call. Retryable failures (timeouts,
// 408/429/5xx, empty completions) are wrapped with services.ErrTransient so
// the run controller can decide how many times to try again; RetryAfter
// exposes any server-provided delay.
package extractor
