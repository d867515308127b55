package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Pipeline roles a Router can bind.
const (
	RoleChange   = "change"
	RoleArbiter  = "arbiter"
	RoleResponse = "response"
	RoleAudit    = "audit"
)

// ErrNoJSON is returned when a structured completion contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in completion")

// Completer is the model-call surface the director depends on.
type Completer interface {
	CompleteText(ctx context.Context, model, prompt string) (string, error)
	CompleteStructured(ctx context.Context, model, prompt string, schema Schema) (json.RawMessage, error)
	CompleteVisionStructured(ctx context.Context, model, prompt string, images []Image, schema Schema) (json.RawMessage, error)
	CompleteChat(ctx context.Context, model string, turns []Message) (string, error)
	CompleteVisionChat(ctx context.Context, model string, turns []Message) (string, error)
}

// Client implements Completer for one role on top of a Router.
type Client struct {
	router      *Router
	role        string
	temperature float64
	maxTokens   int
	logger      *zap.Logger
}

// NewClient creates a Completer for role.
func NewClient(router *Router, role string, logger *zap.Logger) *Client {
	return &Client{router: router, role: role, temperature: 0.7, maxTokens: 1024, logger: logger}
}

// WithSampling overrides temperature and max tokens.
func (c *Client) WithSampling(temperature float64, maxTokens int) *Client {
	c.temperature = temperature
	c.maxTokens = maxTokens
	return c
}

func (c *Client) do(ctx context.Context, req *ChatRequest) (string, error) {
	req.Temperature = c.temperature
	req.MaxTokens = c.maxTokens
	resp, err := c.router.Route(ctx, c.role, req)
	if err != nil {
		return "", err
	}
	c.logger.Debug("completion",
		zap.String("role", c.role),
		zap.String("model", resp.Model),
		zap.Int("tokens", resp.Usage.TotalTokens))
	return strings.TrimSpace(resp.Content), nil
}

// CompleteText issues a single-turn text completion.
func (c *Client) CompleteText(ctx context.Context, model, prompt string) (string, error) {
	return c.do(ctx, &ChatRequest{
		Model:    model,
		Messages: []Message{{Role: "user", Content: prompt}},
	})
}

// CompleteStructured issues a schema-constrained completion and returns the
// JSON object it produced.
func (c *Client) CompleteStructured(ctx context.Context, model, prompt string, schema Schema) (json.RawMessage, error) {
	return c.CompleteVisionStructured(ctx, model, prompt, nil, schema)
}

// CompleteVisionStructured is CompleteStructured with images attached.
func (c *Client) CompleteVisionStructured(ctx context.Context, model, prompt string, images []Image, schema Schema) (json.RawMessage, error) {
	out, err := c.do(ctx, &ChatRequest{
		Model:    model,
		Messages: []Message{{Role: "user", Content: prompt, Images: images}},
		ResponseFormat: &ResponseFormat{
			Type:       "json_schema",
			JSONSchema: &JSONSchema{Name: schema.Name, Strict: true, Schema: schema.Definition},
		},
	})
	if err != nil {
		return nil, err
	}
	return ExtractJSON(out)
}

// CompleteChat issues a multi-turn completion. Images on turns are dropped.
func (c *Client) CompleteChat(ctx context.Context, model string, turns []Message) (string, error) {
	stripped := make([]Message, len(turns))
	for i, t := range turns {
		t.Images = nil
		stripped[i] = t
	}
	return c.do(ctx, &ChatRequest{Model: model, Messages: stripped})
}

// CompleteVisionChat issues a multi-turn completion keeping images.
func (c *Client) CompleteVisionChat(ctx context.Context, model string, turns []Message) (string, error) {
	return c.do(ctx, &ChatRequest{Model: model, Messages: turns})
}

// ExtractJSON returns the outermost JSON object in s, tolerating code fences
// and surrounding prose.
func ExtractJSON(s string) (json.RawMessage, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: %q", ErrNoJSON, truncate(s, 120))
	}
	raw := json.RawMessage(s[start : end+1])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: invalid JSON %q", ErrNoJSON, truncate(string(raw), 120))
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
