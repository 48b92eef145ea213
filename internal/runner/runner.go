// Package runner is the HTTP client for the local model runner
// (Ollama-compatible generate API).
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "chatrelay/0.1"
	probeTimeout    = 3 * time.Second
)

// ErrUnavailable indicates the model runner did not answer its probe.
var ErrUnavailable = errors.New("model runner unavailable")

// Options are the per-call generation knobs.
type Options struct {
	Temperature float64
	MaxTokens   int
	System      string
}

// Client talks to one local model runner instance.
type Client struct {
	baseURL string
	model   string
	client  *http.Client

	mu        sync.Mutex
	available bool
	probed    bool
}

// New constructs a client for the runner at baseURL serving model.
func New(baseURL, model string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// Available reports whether the runner answered its last probe, probing
// on first use.
func (c *Client) Available(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.probed {
		c.available = c.probe(ctx)
		c.probed = true
	}
	return c.available
}

// Init forces a fresh availability probe. Used for the one permitted
// reinitialization attempt per request.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.available = c.probe(ctx)
	c.probed = true
	if !c.available {
		return ErrUnavailable
	}
	return nil
}

func (c *Client) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))

	return resp.StatusCode == http.StatusOK
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options,omitempty"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generate produces text for prompt with the given options.
func (c *Client) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	payload := generateRequest{
		Model:  c.model,
		Prompt: prompt,
		System: opts.System,
		Stream: false,
		Options: generateOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal generate payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("construct generate request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		c.markDown()
		return "", fmt.Errorf("runner generate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
		return "", fmt.Errorf("runner returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("decode runner response: %w", err)
	}
	if genResp.Error != "" {
		return "", fmt.Errorf("runner error: %s", genResp.Error)
	}

	return genResp.Response, nil
}

func (c *Client) markDown() {
	c.mu.Lock()
	c.available = false
	c.probed = true
	c.mu.Unlock()
}
