// Package slack posts operator alerts to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/alert"
)

const providerName = "slack"

func init() {
	alert.Register(providerName, func(config map[string]string) (alert.Sender, error) {
		return NewSender(config["webhook_url"]), nil
	})
}

// Sender posts Block Kit messages to an incoming webhook.
type Sender struct {
	webhookURL string
	httpClient *http.Client
}

// NewSender creates a Slack sender for webhookURL.
func NewSender(webhookURL string) *Sender {
	return &Sender{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *Sender) Name() string { return providerName }

type message struct {
	Blocks []block `json:"blocks"`
}

type block struct {
	Type     string  `json:"type"`
	Text     *text   `json:"text,omitempty"`
	Elements []text  `json:"elements,omitempty"`
	Fields   []*text `json:"fields,omitempty"`
}

type text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func render(a alert.Alert) message {
	msg := message{Blocks: []block{
		{Type: "header", Text: &text{Type: "plain_text", Text: levelTag(a.Level) + " " + a.Title}},
		{Type: "section", Text: &text{Type: "mrkdwn", Text: a.Message}},
	}}
	var fields []*text
	if a.TaskID != "" {
		fields = append(fields, &text{Type: "mrkdwn", Text: "*Task*\n`" + a.TaskID + "`"})
	}
	if a.Stage != "" {
		fields = append(fields, &text{Type: "mrkdwn", Text: "*Stage*\n" + a.Stage})
	}
	if len(fields) > 0 {
		msg.Blocks = append(msg.Blocks, block{Type: "section", Fields: fields})
	}
	msg.Blocks = append(msg.Blocks, block{Type: "context", Elements: []text{{Type: "mrkdwn", Text: "_event: " + string(a.Event) + "_"}}})
	return msg
}

func (s *Sender) Send(ctx context.Context, a alert.Alert) error {
	if s.webhookURL == "" {
		return alert.ErrNotConfigured
	}

	body, err := json.Marshal(render(a))
	if err != nil {
		return fmt.Errorf("slack marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req) //nolint:gosec // webhook URL from trusted config
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack webhook %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

func levelTag(level string) string {
	switch level {
	case "error":
		return "[ERROR]"
	case "warning":
		return "[WARN]"
	default:
		return "[INFO]"
	}
}
