// Package ollama implements a completion client on Ollama's /api/chat endpoint.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"foodledger"
)

const defaultModelID = "llama3.2"

type options struct {
	Temperature   float64 `json:"temperature,omitempty"`
	TopP          float64 `json:"top_p,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
	NumCtx        int     `json:"num_ctx,omitempty"`
}

type Client struct {
	endpoint     string
	model        string
	systemPrompt string
	httpClient   foodledger.HTTPClient
	options      options
}

type ClientOpts struct {
	BaseEndpoint string
	ModelID      string
	SystemPrompt string
	Temperature  float64
	TopP         float64
	HTTPClient   foodledger.HTTPClient
}

func NewClient(opts ClientOpts) (*Client, error) {
	if strings.TrimSpace(opts.BaseEndpoint) == "" {
		return nil, fmt.Errorf("invalid base endpoint")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.ModelID == "" {
		opts.ModelID = defaultModelID
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.2
	}
	if opts.TopP == 0 {
		opts.TopP = 0.9
	}

	return &Client{
		model:        opts.ModelID,
		systemPrompt: opts.SystemPrompt,
		httpClient:   opts.HTTPClient,
		endpoint:     strings.TrimRight(opts.BaseEndpoint, "/") + "/api/chat",
		options: options{
			Temperature:   opts.Temperature,
			TopP:          opts.TopP,
			RepeatPenalty: 1.05,
			NumCtx:        8192,
		},
	}, nil
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  options       `json:"options,omitempty"`
}

type wireResponse struct {
	Message wireMessage `json:"message"`
	Error   string      `json:"error,omitempty"`
}

// Complete sends prompt as one user message and returns the model's content verbatim.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	slog.Info("LLM_CLIENT: Invoked", "provider", "ollama", "model", c.model, "prompt_len", len(prompt))

	msgs := make([]wireMessage, 0, 2)
	if sp := strings.TrimSpace(c.systemPrompt); sp != "" {
		msgs = append(msgs, wireMessage{Role: "system", Content: sp})
	}
	msgs = append(msgs, wireMessage{Role: "user", Content: prompt})

	reqBytes, err := json.Marshal(wireRequest{
		Model:    c.model,
		Messages: msgs,
		Stream:   false,
		Options:  c.options,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(reqBytes))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", foodledger.NewError(foodledger.Classify(err), "ollama.chat", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", foodledger.Errorf(foodledger.KindRateLimited, "ollama.chat", "%s: %s", resp.Status, string(body))
	case resp.StatusCode != http.StatusOK:
		return "", foodledger.Errorf(foodledger.KindServiceUnavailable, "ollama.chat", "%s: %s", resp.Status, string(body))
	}

	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		slog.Warn("LLM_CLIENT: decode failed, returning raw", "err", err, "body", string(body))
		return string(body), nil
	}
	if wr.Error != "" {
		return "", foodledger.Errorf(foodledger.KindServiceUnavailable, "ollama.chat", "%s", wr.Error)
	}

	slog.Info("LLM_CLIENT: Ollama invoke succeeded", "content_len", len(wr.Message.Content))
	return wr.Message.Content, nil
}
