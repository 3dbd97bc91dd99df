package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Error is a non-2xx daemon response.
type Error struct {
	Status    int
	Message   string
	Kind      string
	RequestID string
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("daemon returned %d: %s (request %s)", e.Status, e.Message, e.RequestID)
	}
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Message)
}

// ErrorKind exposes the server-side classification.
func (e *Error) ErrorKind() string { return e.Kind }

// Client talks to the daemon's HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a client for the daemon bound at bind (host:port or URL).
func NewClient(bind, token string) *Client {
	base := strings.TrimRight(strings.TrimSpace(bind), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: base,
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Status retrieves daemon runtime information.
func (c *Client) Status(ctx context.Context) (*DaemonStatus, error) {
	var resp DaemonStatus
	return &resp, c.do(ctx, http.MethodGet, "/api/status", nil, &resp)
}

// ListBatches returns batches, optionally filtered by state.
func (c *Client) ListBatches(ctx context.Context, states ...string) ([]Batch, error) {
	query := url.Values{}
	for _, s := range states {
		query.Add("state", s)
	}
	path := "/api/batches"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var resp BatchListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Batches, nil
}

// SubmitBatch creates a batch from a manifest and optionally starts it.
func (c *Client) SubmitBatch(ctx context.Context, req SubmitBatchRequest) (*Batch, error) {
	var resp BatchResponse
	if err := c.do(ctx, http.MethodPost, "/api/batches", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Batch, nil
}

// Batch returns a batch with its units and run totals.
func (c *Client) Batch(ctx context.Context, id string) (*BatchDetail, error) {
	var resp BatchDetail
	return &resp, c.do(ctx, http.MethodGet, "/api/batches/"+url.PathEscape(id), nil, &resp)
}

// Runs lists every run of a batch.
func (c *Client) Runs(ctx context.Context, id string) ([]Run, error) {
	var resp RunListResponse
	if err := c.do(ctx, http.MethodGet, "/api/batches/"+url.PathEscape(id)+"/runs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// Control issues pause, resume, start or cancel against a batch.
func (c *Client) Control(ctx context.Context, id, action string) (*Batch, error) {
	var resp BatchResponse
	if err := c.do(ctx, http.MethodPost, "/api/batches/"+url.PathEscape(id)+"/"+action, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Batch, nil
}

// DeleteBatch removes a pending or finished batch and its run history.
func (c *Client) DeleteBatch(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/batches/"+url.PathEscape(id), nil, nil)
}

// Rules returns the stored quality rule document.
func (c *Client) Rules(ctx context.Context) (*QualityRules, error) {
	var resp QualityRules
	return &resp, c.do(ctx, http.MethodGet, "/api/quality-rules", nil, &resp)
}

// SetRules replaces the rule document wholesale. document is the full
// {"rules": ...} body.
func (c *Client) SetRules(ctx context.Context, document json.RawMessage) (*QualityRules, error) {
	var resp QualityRules
	return &resp, c.do(ctx, http.MethodPut, "/api/quality-rules", document, &resp)
}

// Prompts lists stored prompts.
func (c *Client) Prompts(ctx context.Context) ([]Prompt, error) {
	var resp PromptListResponse
	if err := c.do(ctx, http.MethodGet, "/api/prompts", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Prompts, nil
}

// AddPrompt stores a prompt version.
func (c *Client) AddPrompt(ctx context.Context, req AddPromptRequest) (*PromptVersion, error) {
	var resp PromptVersion
	return &resp, c.do(ctx, http.MethodPost, "/api/prompts", req, &resp)
}

// ActivatePrompt selects the active prompt version.
func (c *Client) ActivatePrompt(ctx context.Context, name string, version int) error {
	return c.do(ctx, http.MethodPost, "/api/prompts/"+url.PathEscape(name)+"/activate", ActivatePromptRequest{Version: version}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		var payload []byte
		if raw, ok := body.(json.RawMessage); ok {
			payload = raw
		} else {
			encoded, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("encode request: %w", err)
			}
			payload = encoded
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var decoded ErrorResponse
		if json.Unmarshal(data, &decoded) == nil && decoded.Error != "" {
			apiErr.Message = decoded.Error
			apiErr.Kind = decoded.Kind
			apiErr.RequestID = decoded.RequestID
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
