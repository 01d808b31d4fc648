// Package bedrock implements a completion client on the Bedrock Converse API.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"foodledger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
)

const (
	// defaultModelID is an inference profile ID, not the foundation model's ID.
	// See https://docs.aws.amazon.com/bedrock/latest/userguide/inference-profiles.html.
	defaultModelID = "us.anthropic.claude-3-7-sonnet-20250219-v1:0"

	// Replies are short JSON arrays; 1k leaves room for a large meal.
	defaultMaxTokens = 1024

	// Low temperature keeps JSON output deterministic.
	defaultTemperature = 0.2

	defaultTopP = 0.9
)

type bedrockRuntimeClient interface {
	Converse(context.Context, *bedrockruntime.ConverseInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

type LLMOptions struct {
	ModelID     string
	MaxTokens   int32
	Temperature float32
	TopP        float32
}

type LLMClient struct {
	brc  bedrockRuntimeClient
	opts LLMOptions
}

func NewLLMClient(brc bedrockRuntimeClient, opts LLMOptions) *LLMClient {
	if opts.ModelID == "" {
		opts.ModelID = defaultModelID
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Temperature == 0 {
		opts.Temperature = defaultTemperature
	}
	if opts.TopP == 0 {
		opts.TopP = defaultTopP
	}
	return &LLMClient{
		brc:  brc,
		opts: opts,
	}
}

// OptionsFrom maps the model configuration onto client options.
func OptionsFrom(cfg foodledger.ModelConfig) LLMOptions {
	return LLMOptions{
		ModelID:     cfg.ModelID,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
	}
}

// Complete sends prompt as a single user turn and returns the assistant text.
func (c *LLMClient) Complete(ctx context.Context, prompt string) (string, error) {
	slog.Info("LLM_CLIENT: Invoked", "provider", "bedrock", "model", c.opts.ModelID, "prompt_len", len(prompt))

	in := &bedrockruntime.ConverseInput{
		ModelId: &c.opts.ModelID,
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: prompt}},
		}},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(c.opts.MaxTokens),
			Temperature: aws.Float32(c.opts.Temperature),
			TopP:        aws.Float32(c.opts.TopP),
		},
	}

	out, err := c.brc.Converse(ctx, in)
	if err != nil {
		slog.Error("LLM_CLIENT: Bedrock invoke failed", "error", err)
		if isThrottle(err) {
			return "", foodledger.NewError(foodledger.KindRateLimited, "bedrock.converse", err)
		}
		return "", foodledger.NewError(foodledger.Classify(err), "bedrock.converse", err)
	}

	slog.Info("LLM_CLIENT: Bedrock invoke succeeded",
		"stop_reason", out.StopReason,
		"latency_ms", latency(out),
		"input_tokens", inputTokens(out),
		"output_tokens", outputTokens(out),
	)

	switch out.StopReason {
	case "max_tokens":
		slog.Warn("LLM_CLIENT: Model hit MaxTokens limit; consider increasing MaxTokens")
		return "", foodledger.Errorf(foodledger.KindMalformedReply, "bedrock.converse", "model hit MaxTokens limit; consider increasing MaxTokens")
	case "guardrail_intervened", "content_filtered":
		slog.Warn("LLM_CLIENT: Model response blocked by Bedrock safety filters")
		return "", foodledger.Errorf(foodledger.KindMalformedReply, "bedrock.converse", "model response blocked by Bedrock safety filters")
	}

	text := textFromOutput(out)
	slog.Info("LLM_CLIENT: Extracted text", "text_len", len(text))
	return text, nil
}

func isThrottle(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.ErrorCode() {
	case "ThrottlingException", "ServiceQuotaExceededException", "TooManyRequestsException":
		return true
	}
	return false
}

// textFromOutput returns the assistant text. A text block that looks like a
// JSON array wins; otherwise all text blocks are joined with '\n'.
func textFromOutput(out *bedrockruntime.ConverseOutput) string {
	if out == nil || out.Output == nil {
		return ""
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok || msg == nil || len(msg.Value.Content) == 0 {
		return ""
	}

	texts := make([]string, 0, len(msg.Value.Content))
	for _, cb := range msg.Value.Content {
		if t, ok := cb.(*types.ContentBlockMemberText); ok && t != nil && t.Value != "" {
			texts = append(texts, t.Value)
		}
	}

	for i := len(texts) - 1; i >= 0; i-- {
		s := strings.TrimSpace(texts[i])
		if len(s) > 1 && s[0] == '[' && s[len(s)-1] == ']' {
			return s
		}
	}
	return strings.Join(texts, "\n")
}

func latency(out *bedrockruntime.ConverseOutput) int64 {
	if out.Metrics == nil {
		return 0
	}
	return aws.ToInt64(out.Metrics.LatencyMs)
}

func inputTokens(out *bedrockruntime.ConverseOutput) int32 {
	if out.Usage == nil {
		return 0
	}
	return aws.ToInt32(out.Usage.InputTokens)
}

func outputTokens(out *bedrockruntime.ConverseOutput) int32 {
	if out.Usage == nil {
		return 0
	}
	return aws.ToInt32(out.Usage.OutputTokens)
}

func (c *LLMClient) String() string {
	return fmt.Sprintf("bedrock(%s)", c.opts.ModelID)
}
