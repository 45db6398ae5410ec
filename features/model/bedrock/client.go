// Package bedrock implements the plan-rewrite and field-fallback model
// contracts on top of the AWS Bedrock Converse API using aws-sdk-go-v2.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/parserator/features/model/prompt"
	"goa.design/parserator/runtime/model"
)

type (
	// ConverseClient captures the subset of the Bedrock runtime client used
	// by the adapter. It is satisfied by *bedrockruntime.Client.
	ConverseClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the adapter.
	Options struct {
		// Model is the Bedrock model identifier. Required.
		Model string
		// MaxTokens caps the completion. Zero defaults to 2048.
		MaxTokens int
		// Temperature is forwarded when positive.
		Temperature float32
	}

	// Client implements model.RewriteClient and model.FieldClient on top of
	// Bedrock Converse.
	Client struct {
		runtime ConverseClient
		model   string
		maxTok  int32
		temp    float32
	}
)

var (
	_ model.RewriteClient = (*Client)(nil)
	_ model.FieldClient   = (*Client)(nil)
)

const defaultMaxTokens = 2048

// New builds a Bedrock-backed adapter from the provided runtime client.
func New(runtime ConverseClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{
		runtime: runtime,
		model:   opts.Model,
		maxTok:  int32(maxTok),
		temp:    opts.Temperature,
	}, nil
}

// RewritePlan implements model.RewriteClient.
func (c *Client) RewritePlan(ctx context.Context, req *model.PlanRewriteRequest) (*model.PlanRewriteResponse, error) {
	system, user := prompt.Rewrite(req)
	text, usage, err := c.converse(ctx, system, user, req.Timeout)
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
	text, usage, err := c.converse(ctx, system, user, req.Timeout)
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

func (c *Client) converse(ctx context.Context, system, user string, timeout time.Duration) (string, model.Usage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.model),
		System:  []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: system}},
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: user}},
		}},
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens: aws.Int32(c.maxTok),
		},
	}
	if c.temp > 0 {
		input.InferenceConfig.Temperature = aws.Float32(c.temp)
	}

	start := time.Now()
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return "", model.Usage{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return "", model.Usage{}, fmt.Errorf("bedrock converse: %w", err)
	}

	text, err := outputText(output)
	if err != nil {
		return "", model.Usage{}, err
	}
	usage := model.Usage{
		Model:        c.model,
		LatencyMs:    time.Since(start).Milliseconds(),
		FinishReason: string(output.StopReason),
	}
	if u := output.Usage; u != nil {
		usage.InputTokens = int(aws.ToInt32(u.InputTokens))
		usage.OutputTokens = int(aws.ToInt32(u.OutputTokens))
		usage.TotalTokens = int(aws.ToInt32(u.TotalTokens))
	}
	return text, usage, nil
}

func outputText(output *bedrockruntime.ConverseOutput) (string, error) {
	if output == nil {
		return "", errors.New("bedrock: converse output is nil")
	}
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", fmt.Errorf("bedrock: unexpected output type %T", output.Output)
	}
	var text strings.Builder
	for _, block := range msg.Value.Content {
		if t, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text.WriteString(t.Value)
		}
	}
	return text.String(), nil
}

// isRateLimited reports whether the error is a Bedrock throttling condition.
// It treats both HTTP 429 responses and provider error codes like
// ThrottlingException as rate-limited signals.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429
}
