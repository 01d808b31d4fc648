package bedrock

import (
	"context"
	"errors"
	"testing"

	"foodledger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBedrockClient implements bedrockRuntimeClient for testing
type mockBedrockClient struct {
	response *bedrockruntime.ConverseOutput
	err      error
	input    *bedrockruntime.ConverseInput
}

func (m *mockBedrockClient) Converse(ctx context.Context, input *bedrockruntime.ConverseInput, opts ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	m.input = input
	return m.response, m.err
}

func textOutput(stop types.StopReason, texts ...string) *bedrockruntime.ConverseOutput {
	content := make([]types.ContentBlock, 0, len(texts))
	for _, t := range texts {
		content = append(content, &types.ContentBlockMemberText{Value: t})
	}
	return &bedrockruntime.ConverseOutput{
		StopReason: stop,
		Output:     &types.ConverseOutputMemberMessage{Value: types.Message{Content: content}},
		Usage:      &types.TokenUsage{InputTokens: aws.Int32(10), OutputTokens: aws.Int32(20)},
		Metrics:    &types.ConverseMetrics{LatencyMs: aws.Int64(100)},
	}
}

func TestNewLLMClient(t *testing.T) {
	tests := []struct {
		name     string
		input    LLMOptions
		expected LLMOptions
	}{
		{
			name:  "empty options uses defaults",
			input: LLMOptions{},
			expected: LLMOptions{
				ModelID:     defaultModelID,
				MaxTokens:   defaultMaxTokens,
				Temperature: defaultTemperature,
				TopP:        defaultTopP,
			},
		},
		{
			name:     "custom options preserved",
			input:    LLMOptions{ModelID: "custom-model", MaxTokens: 2048, Temperature: 0.5, TopP: 0.8},
			expected: LLMOptions{ModelID: "custom-model", MaxTokens: 2048, Temperature: 0.5, TopP: 0.8},
		},
		{
			name:     "partial options with defaults",
			input:    LLMOptions{ModelID: "custom-model", MaxTokens: 2048},
			expected: LLMOptions{ModelID: "custom-model", MaxTokens: 2048, Temperature: defaultTemperature, TopP: defaultTopP},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := &mockBedrockClient{}
			client := NewLLMClient(mockClient, tt.input)

			assert.Equal(t, tt.expected, client.opts)
			assert.Equal(t, mockClient, client.brc)
		})
	}
}

func TestLLMClient_Complete(t *testing.T) {
	tests := []struct {
		name         string
		mockResponse *bedrockruntime.ConverseOutput
		mockError    error
		expected     string
		expectedKind foodledger.Kind
	}{
		{
			name:         "successful text response",
			mockResponse: textOutput("end_turn", `[{"match_id": 0}]`),
			expected:     `[{"match_id": 0}]`,
		},
		{
			name:         "array block preferred over prose",
			mockResponse: textOutput("end_turn", "Here you go:", ` [{"match_id": 1}] `),
			expected:     `[{"match_id": 1}]`,
		},
		{
			name:         "prose blocks joined",
			mockResponse: textOutput("end_turn", "one", "two"),
			expected:     "one\ntwo",
		},
		{
			name:         "max tokens",
			mockResponse: textOutput("max_tokens", `[{"match_id"`),
			expectedKind: foodledger.KindMalformedReply,
		},
		{
			name:         "content filtered",
			mockResponse: textOutput("content_filtered"),
			expectedKind: foodledger.KindMalformedReply,
		},
		{
			name:         "throttled",
			mockError:    &smithy.GenericAPIError{Code: "ThrottlingException", Message: "Rate exceeded"},
			expectedKind: foodledger.KindRateLimited,
		},
		{
			name:         "quota exceeded",
			mockError:    &smithy.GenericAPIError{Code: "ServiceQuotaExceededException", Message: "Too many tokens"},
			expectedKind: foodledger.KindRateLimited,
		},
		{
			name:         "other service error",
			mockError:    &smithy.GenericAPIError{Code: "ValidationException", Message: "bad model id"},
			expectedKind: foodledger.KindServiceUnavailable,
		},
		{
			name:         "transport error",
			mockError:    errors.New("dial tcp: connection refused"),
			expectedKind: foodledger.KindServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := &mockBedrockClient{response: tt.mockResponse, err: tt.mockError}
			client := NewLLMClient(mockClient, LLMOptions{})

			got, err := client.Complete(context.Background(), "Convert this food description into JSON")
			if tt.expectedKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.expectedKind, foodledger.KindOf(err))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)

			require.NotNil(t, mockClient.input)
			assert.Equal(t, defaultModelID, aws.ToString(mockClient.input.ModelId))
			require.Len(t, mockClient.input.Messages, 1)
			assert.Equal(t, types.ConversationRoleUser, mockClient.input.Messages[0].Role)
		})
	}
}

func TestTextFromOutput(t *testing.T) {
	assert.Empty(t, textFromOutput(nil))
	assert.Empty(t, textFromOutput(&bedrockruntime.ConverseOutput{}))
	assert.Empty(t, textFromOutput(textOutput("end_turn")))
}
