package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"extractflow/internal/runstore"
)

const ollamaComponent = "ollama"

// OllamaConfig configures a local Ollama server.
type OllamaConfig struct {
	BaseURL string
	Model   string
}

// Ollama calls a local model through the Ollama generate endpoint.
type Ollama struct {
	client *api.Client
	model  string
}

// NewOllama builds the backend. An empty BaseURL falls back to OLLAMA_HOST.
func NewOllama(cfg OllamaConfig, httpClient *http.Client) (*Ollama, error) {
	var (
		client *api.Client
		err    error
	)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		parsed, parseErr := url.Parse(base)
		if parseErr != nil {
			return nil, permanent(ollamaComponent, "init", fmt.Errorf("parse base url: %w", parseErr))
		}
		if httpClient == nil {
			httpClient = http.DefaultClient
		}
		client = api.NewClient(parsed, httpClient)
	} else {
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, permanent(ollamaComponent, "init", err)
		}
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, permanent(ollamaComponent, "init", errors.New("model required"))
	}
	return &Ollama{client: client, model: model}, nil
}

// Extract runs one non-streaming generate call in JSON mode.
func (o *Ollama) Extract(ctx context.Context, req Request) (Response, error) {
	var empty Response
	if strings.TrimSpace(req.Document) == "" {
		return empty, permanent(ollamaComponent, "extract", errors.New("document required"))
	}
	stream := false
	genReq := &api.GenerateRequest{
		Model:  o.model,
		System: SystemPrompt,
		Prompt: BuildUserPrompt(req.Prompt, req.Document),
		Format: json.RawMessage(`"json"`),
		Stream: &stream,
	}

	var (
		text  strings.Builder
		final api.GenerateResponse
	)
	err := o.client.Generate(ctx, genReq, func(resp api.GenerateResponse) error {
		text.WriteString(resp.Response)
		if resp.Done {
			final = resp
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return empty, ctx.Err()
		}
		var statusErr api.StatusError
		if errors.As(err, &statusErr) && !retryableStatus(statusErr.StatusCode) {
			return empty, permanent(ollamaComponent, "generate", err)
		}
		return empty, transient(ollamaComponent, "generate", err)
	}
	if strings.TrimSpace(text.String()) == "" {
		return empty, transient(ollamaComponent, "generate", errors.New("empty response"))
	}
	entities, err := ParseEntities(text.String())
	if err != nil {
		return empty, permanent(ollamaComponent, "generate", err)
	}

	usage := runstore.TokenUsage{}
	if final.Done {
		input := int64(final.PromptEvalCount)
		output := int64(final.EvalCount)
		usage.Input = &input
		usage.Output = &output
	}
	return Response{Entities: entities, Usage: usage, Model: o.model}, nil
}
