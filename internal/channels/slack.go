package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/clawdbot/internal/bus"
)

// slackSender posts via the Slack Web API directly; the surface needed here
// is one endpoint.
type slackSender struct {
	token  string
	client *http.Client
}

func newSlackSender(token string) (Sender, error) {
	if token == "" {
		return nil, fmt.Errorf("slack: botToken not configured")
	}
	return &slackSender{
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (s *slackSender) SendText(ctx context.Context, msg bus.OutboundMessage) error {
	payload := map[string]any{
		"channel": msg.To,
		"text":    msg.Content,
	}
	if msg.ThreadID != "" {
		payload["thread_ts"] = msg.ThreadID
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://slack.com/api/chat.postMessage", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("slack: decode response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("slack: %s", out.Error)
	}
	return nil
}
