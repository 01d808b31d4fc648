// Package gemini implements a completion client on the Gemini generateContent
// REST endpoint with a fallback model.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"foodledger"
)

const (
	defaultBaseURL       = "https://generativelanguage.googleapis.com/v1beta"
	defaultModelID       = "gemini-2.5-flash"
	defaultFallbackModel = "gemini-2.5-flash-lite"
)

type ClientOpts struct {
	APIKey        string
	BaseURL       string
	ModelID       string
	FallbackModel string
	MaxTokens     int32
	Temperature   float32
	TopP          float32
	HTTPClient    foodledger.HTTPClient
}

// Client tries the primary model first and the fallback model when the
// primary call fails.
type Client struct {
	opts ClientOpts
}

func NewClient(opts ClientOpts) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, foodledger.Errorf(foodledger.KindConfiguration, "gemini.new", "GEMINI_API_KEY is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.ModelID == "" {
		opts.ModelID = defaultModelID
	}
	if opts.FallbackModel == "" {
		opts.FallbackModel = defaultFallbackModel
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Client{opts: opts}, nil
}

// Models returns the models tried by Complete, in order.
func (c *Client) Models() []string {
	if c.opts.FallbackModel == c.opts.ModelID {
		return []string{c.opts.ModelID}
	}
	return []string{c.opts.ModelID, c.opts.FallbackModel}
}

// WithPrimary returns a copy of the client that tries model first. The
// segmenter uses it to start with the lighter model.
func (c *Client) WithPrimary(model string) *Client {
	opts := c.opts
	if model == opts.FallbackModel {
		opts.FallbackModel = opts.ModelID
	}
	opts.ModelID = model
	return &Client{opts: opts}
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float32 `json:"temperature,omitempty"`
	TopP            float32 `json:"topP,omitempty"`
	MaxOutputTokens int32   `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Complete returns the text of the first candidate. When every model fails
// the last error is returned.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for i, model := range c.Models() {
		if i > 0 {
			slog.Warn("LLM_CLIENT: Falling back to secondary model", "model", model, "error", lastErr)
		}
		text, err := c.generate(ctx, model, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func (c *Client) generate(ctx context.Context, model, prompt string) (string, error) {
	slog.Info("LLM_CLIENT: Invoked", "provider", "gemini", "model", model, "prompt_len", len(prompt))
	op := "gemini." + model

	body := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
	}
	if c.opts.Temperature != 0 || c.opts.TopP != 0 || c.opts.MaxTokens != 0 {
		body.GenerationConfig = &generationConfig{
			Temperature:     c.opts.Temperature,
			TopP:            c.opts.TopP,
			MaxOutputTokens: c.opts.MaxTokens,
		}
	}
	reqBytes, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.opts.BaseURL, url.PathEscape(model), url.QueryEscape(c.opts.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBytes))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return "", foodledger.NewError(foodledger.Classify(err), op, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	var gr generateResponse
	decodeErr := json.Unmarshal(raw, &gr)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && gr.Error != nil {
			msg = fmt.Sprintf("%d %s: %s", gr.Error.Code, gr.Error.Status, gr.Error.Message)
		}
		kind := foodledger.KindServiceUnavailable
		if resp.StatusCode == http.StatusTooManyRequests || foodledger.IsRateLimitMessage(msg) || (gr.Error != nil && gr.Error.Status == "RESOURCE_EXHAUSTED") {
			kind = foodledger.KindRateLimited
		}
		slog.Error("LLM_CLIENT: Gemini invoke failed", "model", model, "status", resp.StatusCode, "error", msg)
		return "", foodledger.Errorf(kind, op, "%s", msg)
	}
	if decodeErr != nil {
		return "", foodledger.NewError(foodledger.KindMalformedReply, op, decodeErr)
	}

	if len(gr.Candidates) == 0 {
		return "", foodledger.Errorf(foodledger.KindMalformedReply, op, "no candidates in response")
	}

	var b strings.Builder
	for _, p := range gr.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}

	slog.Info("LLM_CLIENT: Gemini invoke succeeded", "model", model, "finish_reason", gr.Candidates[0].FinishReason, "text_len", b.Len())
	return b.String(), nil
}
