package gemini

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"foodledger"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	flashURL = `=~^https://generativelanguage\.googleapis\.com/v1beta/models/gemini-2\.5-flash:generateContent`
	liteURL  = `=~^https://generativelanguage\.googleapis\.com/v1beta/models/gemini-2\.5-flash-lite:generateContent`
)

func successBody(text string) string {
	b, _ := json.Marshal(map[string]any{
		"candidates": []any{map[string]any{
			"content":      map[string]any{"role": "model", "parts": []any{map[string]any{"text": text}}},
			"finishReason": "STOP",
		}},
	})
	return string(b)
}

const quotaBody = `{"error": {"code": 429, "message": "Resource has been exhausted (e.g. check quota).", "status": "RESOURCE_EXHAUSTED"}}`

func newTestClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	client, err := NewClient(ClientOpts{
		APIKey:      "test-key",
		Temperature: 0.2,
		HTTPClient:  &http.Client{Transport: transport},
	})
	require.NoError(t, err)
	return client, transport
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(ClientOpts{})
	assert.ErrorIs(t, err, foodledger.ErrConfiguration)
}

func TestComplete_Primary(t *testing.T) {
	client, transport := newTestClient(t)

	var sent generateRequest
	var key string
	transport.RegisterResponder(http.MethodPost, flashURL, func(req *http.Request) (*http.Response, error) {
		key = req.URL.Query().Get("key")
		body, _ := io.ReadAll(req.Body)
		_ = json.Unmarshal(body, &sent)
		return httpmock.NewStringResponse(http.StatusOK, successBody(`[{"match_id": 0}]`)), nil
	})
	transport.RegisterResponder(http.MethodPost, liteURL, httpmock.NewStringResponder(http.StatusOK, successBody("unused")))

	got, err := client.Complete(context.Background(), "Convert this food description into JSON")
	require.NoError(t, err)
	assert.Equal(t, `[{"match_id": 0}]`, got)
	assert.Equal(t, "test-key", key)
	require.Len(t, sent.Contents, 1)
	assert.Equal(t, "Convert this food description into JSON", sent.Contents[0].Parts[0].Text)
	require.NotNil(t, sent.GenerationConfig)
	assert.InDelta(t, 0.2, sent.GenerationConfig.Temperature, 1e-6)
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestComplete_FallsBack(t *testing.T) {
	client, transport := newTestClient(t)
	transport.RegisterResponder(http.MethodPost, flashURL, httpmock.NewStringResponder(http.StatusServiceUnavailable, `{"error": {"code": 503, "message": "overloaded", "status": "UNAVAILABLE"}}`))
	transport.RegisterResponder(http.MethodPost, liteURL, httpmock.NewStringResponder(http.StatusOK, successBody("coffee,5,1,cup")))

	got, err := client.Complete(context.Background(), "cup of joe")
	require.NoError(t, err)
	assert.Equal(t, "coffee,5,1,cup", got)
	assert.Equal(t, 2, transport.GetTotalCallCount())
}

func TestComplete_RateLimited(t *testing.T) {
	client, transport := newTestClient(t)
	transport.RegisterResponder(http.MethodPost, flashURL, httpmock.NewStringResponder(http.StatusTooManyRequests, quotaBody))
	transport.RegisterResponder(http.MethodPost, liteURL, httpmock.NewStringResponder(http.StatusTooManyRequests, quotaBody))

	_, err := client.Complete(context.Background(), "eggs")
	require.Error(t, err)
	assert.Equal(t, foodledger.KindRateLimited, foodledger.KindOf(err))
	assert.Contains(t, err.Error(), "RESOURCE_EXHAUSTED")
	assert.Equal(t, 2, transport.GetTotalCallCount())
}

func TestComplete_MalformedResponses(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "no candidates", body: `{"candidates": []}`},
		{name: "not json", body: `<html>oops</html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, transport := newTestClient(t)
			transport.RegisterResponder(http.MethodPost, flashURL, httpmock.NewStringResponder(http.StatusOK, tt.body))
			transport.RegisterResponder(http.MethodPost, liteURL, httpmock.NewStringResponder(http.StatusOK, tt.body))

			_, err := client.Complete(context.Background(), "eggs")
			assert.ErrorIs(t, err, foodledger.ErrMalformedReply)
		})
	}
}

func TestWithPrimary(t *testing.T) {
	client, transport := newTestClient(t)
	lite := client.WithPrimary(defaultFallbackModel)
	assert.Equal(t, []string{defaultFallbackModel, defaultModelID}, lite.Models())
	assert.Equal(t, []string{defaultModelID, defaultFallbackModel}, client.Models())

	transport.RegisterResponder(http.MethodPost, liteURL, httpmock.NewStringResponder(http.StatusOK, successBody("ok")))
	got, err := lite.Complete(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 1, transport.GetTotalCallCount())
}
