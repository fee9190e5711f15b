// Package discord posts operator alerts to a Discord webhook as embeds.
package discord

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

const providerName = "discord"

func init() {
	alert.Register(providerName, func(config map[string]string) (alert.Sender, error) {
		return NewSender(config["webhook_url"]), nil
	})
}

// Sender posts embeds to a Discord webhook.
type Sender struct {
	webhookURL string
	httpClient *http.Client
}

func NewSender(webhookURL string) *Sender {
	return &Sender{webhookURL: webhookURL, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (s *Sender) Name() string { return providerName }

type webhook struct {
	Embeds []embed `json:"embeds"`
}

type embed struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Color       int     `json:"color"`
	Fields      []field `json:"fields,omitempty"`
	Footer      *footer `json:"footer,omitempty"`
}

type field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type footer struct {
	Text string `json:"text"`
}

func (s *Sender) Send(ctx context.Context, a alert.Alert) error {
	if s.webhookURL == "" {
		return alert.ErrNotConfigured
	}

	e := embed{
		Title:       a.Title,
		Description: a.Message,
		Color:       levelColor(a.Level),
		Footer:      &footer{Text: "event: " + string(a.Event)},
	}
	if a.TaskID != "" {
		e.Fields = append(e.Fields, field{Name: "Task", Value: a.TaskID, Inline: true})
	}
	if a.Stage != "" {
		e.Fields = append(e.Fields, field{Name: "Stage", Value: a.Stage, Inline: true})
	}

	body, err := json.Marshal(webhook{Embeds: []embed{e}})
	if err != nil {
		return fmt.Errorf("discord marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req) //nolint:gosec // webhook URL from trusted config
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// 204 on success
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord webhook %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

func levelColor(level string) int {
	switch level {
	case "error":
		return 0xE74C3C
	case "warning":
		return 0xF39C12
	default:
		return 0x3498DB
	}
}
