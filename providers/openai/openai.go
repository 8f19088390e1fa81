// Package openai generates replies through any OpenAI compatible completion API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/agnivade/voicechat/providers"
)

const (
	providerName = "openai"
	apiVersion   = "v1"

	systemPrompt = "You are a friendly voice assistant. Answer in one to three short spoken sentences, without markdown or lists."
)

// ErrEmptyResponse is returned when the service answers without choices.
var ErrEmptyResponse = errors.New("completion returned no choices")

type completionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateCompletion(ctx context.Context, req openai.CompletionRequest) (openai.CompletionResponse, error)
}

// Config for the completer. BaseURL may point at any compatible endpoint.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
}

// Completer implements providers.Completer.
type Completer struct {
	client completionClient
	cfg    Config
}

// NewCompleter returns a completer for the configured model.
func NewCompleter(cfg Config) (*Completer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key missing")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT3Dot5TurboInstruct
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 256
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Completer{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
	}, nil
}

func (c *Completer) Name() string {
	return providerName
}

// Complete sends the prompt. Instruct models go through the legacy
// completions endpoint, everything else through chat.
func (c *Completer) Complete(ctx context.Context, prompt string) (providers.Completion, error) {
	if isLegacyModel(c.cfg.Model) {
		return c.complete(ctx, prompt)
	}
	return c.chat(ctx, prompt)
}

func (c *Completer) complete(ctx context.Context, prompt string) (providers.Completion, error) {
	resp, err := c.client.CreateCompletion(ctx, openai.CompletionRequest{
		Model:       c.cfg.Model,
		Prompt:      prompt,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return providers.Completion{}, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return providers.Completion{}, ErrEmptyResponse
	}
	return providers.Completion{
		Text:             strings.TrimSpace(resp.Choices[0].Text),
		Model:            resp.Model,
		APIPath:          "/completions",
		APIVersion:       apiVersion,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

func (c *Completer) chat(ctx context.Context, prompt string) (providers.Completion, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return providers.Completion{}, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return providers.Completion{}, ErrEmptyResponse
	}
	return providers.Completion{
		Text:             strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:            resp.Model,
		APIPath:          "/chat/completions",
		APIVersion:       apiVersion,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

func isLegacyModel(model string) bool {
	return strings.Contains(model, "instruct") ||
		strings.HasPrefix(model, "text-") ||
		strings.HasPrefix(model, "davinci") ||
		strings.HasPrefix(model, "babbage")
}
