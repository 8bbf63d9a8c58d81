package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// ErrEmptyResponse is returned when the backend answers without any content.
var ErrEmptyResponse = errors.New("LLM returned no content")

// Generator turns a prompt into raw text. Output carries no schema guarantee.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a plain function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

type stageKey struct{}

// WithStage records the pipeline stage a generator call belongs to.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey{}, stage)
}

// StageFromContext returns the stage set by WithStage, or "".
func StageFromContext(ctx context.Context) string {
	s, _ := ctx.Value(stageKey{}).(string)
	return s
}

const systemPrompt = "You are a component of an AI study companion. " +
	"Respond ONLY with a single JSON object. Do not add commentary or markdown."

// Options tunes the OpenAI-compatible client.
type Options struct {
	Temperature float32
	// JSONMode asks the backend for a JSON object response format.
	// Some OpenAI-compatible servers reject it; extraction still copes without it.
	JSONMode bool
	// RequestsPerMinute bounds outgoing calls; 0 disables the limiter.
	RequestsPerMinute int
}

// DefaultOptions returns the options used by the CLI when no flags override them.
func DefaultOptions() Options {
	return Options{Temperature: 0.3, JSONMode: true, RequestsPerMinute: 60}
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api     *openai.Client
	model   string
	opts    Options
	limiter *rate.Limiter
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string, opts Options) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	c := &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
		opts:  opts,
	}
	if opts.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60), 1)
	}
	return c
}

// Ping checks that the endpoint is reachable and knows about the configured model.
func (c *Client) Ping(ctx context.Context) error {
	models, err := c.api.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	for _, m := range models.Models {
		if m.ID == c.model {
			return nil
		}
	}
	slog.Warn("model not listed by endpoint", "model", c.model, "available", len(models.Models))
	return nil
}

// Generate sends prompt as a single user turn and returns the raw completion text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: c.opts.Temperature,
	}
	if c.opts.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "stage", StageFromContext(ctx), "model", c.model, "finish_reason", resp.Choices[0].FinishReason, "raw", raw)
	return raw, nil
}
