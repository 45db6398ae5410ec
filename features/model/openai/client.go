// Package openai implements the plan-rewrite and field-fallback model
// contracts on top of the OpenAI Chat Completions API using
// github.com/openai/openai-go.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/parserator/features/model/prompt"
	"goa.design/parserator/runtime/model"
)

type (
	// ChatClient captures the subset of the OpenAI SDK used by the adapter.
	// It is satisfied by the SDK's chat completion service so callers can
	// pass either a real client or a mock in tests.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the adapter.
	Options struct {
		// Model is the chat model identifier. Required.
		Model string
		// MaxTokens caps the completion. Zero defaults to 2048.
		MaxTokens int
		// Temperature is forwarded when positive.
		Temperature float64
	}

	// Client implements model.RewriteClient and model.FieldClient via OpenAI
	// chat completions.
	Client struct {
		chat   ChatClient
		model  string
		maxTok int64
		temp   float64
	}
)

var (
	_ model.RewriteClient = (*Client)(nil)
	_ model.FieldClient   = (*Client)(nil)
)

const defaultMaxTokens = 2048

// New builds an OpenAI-backed adapter from the provided chat client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{
		chat:   chat,
		model:  opts.Model,
		maxTok: int64(maxTok),
		temp:   opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs an adapter using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Chat.Completions, opts)
}

// RewritePlan implements model.RewriteClient.
func (c *Client) RewritePlan(ctx context.Context, req *model.PlanRewriteRequest) (*model.PlanRewriteResponse, error) {
	system, user := prompt.Rewrite(req)
	text, usage, err := c.complete(ctx, system, user, req.Timeout)
	if err != nil {
		return nil, err
	}
	resp, err := prompt.DecodeRewrite(text, req)
	if err != nil {
		return nil, err
	}
	resp.Usage = usage
	return resp, nil
}

// ResolveFields implements model.FieldClient.
func (c *Client) ResolveFields(ctx context.Context, req *model.FieldBatchRequest) (*model.FieldBatchResponse, error) {
	system, user := prompt.Fields(req)
	text, usage, err := c.complete(ctx, system, user, req.Timeout)
	if err != nil {
		return nil, err
	}
	resp, err := prompt.DecodeFields(text)
	if err != nil {
		return nil, err
	}
	resp.Usage = usage
	return resp, nil
}

func (c *Client) complete(ctx context.Context, system, user string, timeout time.Duration) (string, model.Usage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(c.model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage(system),
			sdk.UserMessage(user),
		},
		MaxTokens: sdk.Int(c.maxTok),
	}
	if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}

	start := time.Now()
	completion, err := c.chat.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return "", model.Usage{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return "", model.Usage{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return "", model.Usage{}, errors.New("openai: completion has no choices")
	}

	choice := completion.Choices[0]
	usage := model.Usage{
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
		TotalTokens:  int(completion.Usage.TotalTokens),
		Model:        c.model,
		LatencyMs:    time.Since(start).Milliseconds(),
		FinishReason: string(choice.FinishReason),
	}
	return choice.Message.Content, usage, nil
}

// isRateLimited reports whether the SDK error is an HTTP 429.
func isRateLimited(err error) bool {
	var apierr *sdk.Error
	return errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests
}
