// Package anthropic implements the plan-rewrite and field-fallback model
// contracts on top of the Anthropic Claude Messages API using
// github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/parserator/features/model/prompt"
	"goa.design/parserator/runtime/model"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK used by the
	// adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the adapter.
	Options struct {
		// Model is the Claude model identifier. Required. Use the typed model
		// constants from anthropic-sdk-go, for example
		// string(sdk.ModelClaudeSonnet4_5_20250929).
		Model string
		// MaxTokens caps the completion. Zero defaults to 2048.
		MaxTokens int
		// Temperature is forwarded when positive.
		Temperature float64
	}

	// Client implements model.RewriteClient and model.FieldClient on top of
	// Anthropic Claude Messages.
	Client struct {
		msg    MessagesClient
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

// New builds an Anthropic-backed adapter from the provided Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{
		msg:    msg,
		model:  opts.Model,
		maxTok: int64(maxTok),
		temp:   opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs an adapter using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
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
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTok,
		System:    []sdk.TextBlockParam{{Text: system}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(user))},
	}
	if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}

	start := time.Now()
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return "", model.Usage{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return "", model.Usage{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	if msg == nil {
		return "", model.Usage{}, errors.New("anthropic: response message is nil")
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			text.WriteString(block.Text)
		}
	}
	usage := model.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		Model:        c.model,
		LatencyMs:    time.Since(start).Milliseconds(),
		FinishReason: string(msg.StopReason),
	}
	return text.String(), usage, nil
}

// isRateLimited reports whether the SDK error is an HTTP 429.
func isRateLimited(err error) bool {
	var apierr *sdk.Error
	return errors.As(err, &apierr) && apierr.StatusCode == 429
}
