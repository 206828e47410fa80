// Package genai wraps the OpenAI chat completions API with tool calling.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/TDXCORE/FullStackAgent2025/internal/models"
)

// Defaults for the chat model.
const (
	DefaultModel       = openai.ChatModelGPT4oMini
	DefaultTemperature = 0.2
	DefaultMaxTokens   = 1024
)

// ErrNoChoicesReturned is returned when the API answers without choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService is the subset of the chat completions API the client needs.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK completions service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// ClientInterface is implemented by Client and by test doubles.
type ClientInterface interface {
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
	GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error)
}

// ToolCallResponse carries the assistant text and any requested tool calls.
type ToolCallResponse struct {
	Content   string            `json:"content"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
}

// Client generates chat completions.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
	debugMode   bool
	stateDir    string
}

var _ ClientInterface = (*Client)(nil)

// Opts holds configuration for the client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int64
	BaseURL     string
	DebugMode   bool
	StateDir    string
}

// Option configures the client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option { return func(o *Opts) { o.APIKey = key } }

// WithModel sets the chat model.
func WithModel(model string) Option { return func(o *Opts) { o.Model = model } }

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option { return func(o *Opts) { o.Temperature = t } }

// WithMaxTokens caps completion tokens.
func WithMaxTokens(n int64) Option { return func(o *Opts) { o.MaxTokens = n } }

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(u string) Option { return func(o *Opts) { o.BaseURL = u } }

// WithDebugMode writes every request/response pair as JSON under stateDir/debug.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

// NewClient creates a client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel, Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("genai.NewClient: created", "model", cfg.Model, "debug", cfg.DebugMode)
	return &Client{
		chat:        completionsAdapter{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

func (c *Client) params(messages []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		p.MaxCompletionTokens = openai.Int(c.maxTokens)
	}
	return p
}

// GeneratePrompt answers a single system + user prompt pair.
func (c *Client) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	})
}

// GenerateWithMessages returns the assistant text for a message history.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	params := c.params(messages)
	resp, err := c.chat.Create(ctx, params)
	c.writeDebugLog("GenerateWithMessages", params, resp, err)
	if err != nil {
		slog.Error("Client.GenerateWithMessages: completion failed", "error", err)
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateWithTools sends the history with tool definitions and returns the
// assistant content together with any tool calls it requested.
func (c *Client) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error) {
	params := c.params(messages)
	params.Tools = tools
	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	c.writeDebugLog("GenerateWithTools", params, resp, err)
	if err != nil {
		slog.Error("Client.GenerateWithTools: completion failed", "error", err, "elapsed", time.Since(start))
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoicesReturned
	}
	msg := resp.Choices[0].Message
	out := &ToolCallResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: models.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			},
		})
	}
	slog.Debug("Client.GenerateWithTools", "toolCalls", len(out.ToolCalls), "contentLength", len(out.Content), "elapsed", time.Since(start))
	return out, nil
}

func (c *Client) writeDebugLog(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion, callErr error) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("Client.writeDebugLog: mkdir failed", "error", err)
		return
	}
	entry := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"method":    method,
		"model":     c.model,
		"params":    params,
		"response":  resp,
	}
	if callErr != nil {
		entry["error"] = callErr.Error()
	}
	b, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("Client.writeDebugLog: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%d.json", method, time.Now().UnixNano())
	if err := os.WriteFile(filepath.Join(dir, name), b, 0644); err != nil {
		slog.Warn("Client.writeDebugLog: write failed", "error", err)
	}
}
