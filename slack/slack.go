// Package slack posts ledger summaries to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"foodledger"
)

const (
	defaultUsername = "Food Ledger"
	defaultIcon     = ":green_salad:"
)

type webhookMessage struct {
	Channel   string `json:"channel,omitempty"`
	Text      string `json:"text"`
	Username  string `json:"username,omitempty"`
	IconEmoji string `json:"icon_emoji,omitempty"`
}

type Client struct {
	webhookURL string
	httpClient foodledger.HTTPClient
	username   string
	icon       string
}

func NewClient(webhookURL string, httpClient foodledger.HTTPClient) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		webhookURL: webhookURL,
		httpClient: httpClient,
		username:   defaultUsername,
		icon:       defaultIcon,
	}
}

// PostMessage sends message as a preformatted block so per-day totals line up.
func (c *Client) PostMessage(ctx context.Context, channel string, message string) error {
	if strings.TrimSpace(c.webhookURL) == "" {
		return foodledger.Errorf(foodledger.KindConfiguration, "slack.post", "webhook URL is not configured")
	}

	payload, err := json.Marshal(webhookMessage{
		Channel:   channel,
		Text:      "```\n" + message + "\n```",
		Username:  c.username,
		IconEmoji: c.icon,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("failed to post message: %s %s", resp.Status, strings.TrimSpace(string(body)))
	}

	return nil
}
