// Package litellm provides a translation provider backed by an
// OpenAI-compatible chat completion endpoint, such as a LiteLLM proxy or
// the OpenAI API itself.
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/translate"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/resilience"
)

const providerName = "openai"

const defaultTimeout = 2 * time.Minute

const systemPrompt = `You translate subtitle lines. You receive a JSON array of strings and a target language.
Reply with only a JSON array of the same length where element i is the translation of input element i.
Keep line breaks, do not merge or split lines, do not add commentary.`

func init() {
	translate.Register(providerName, func(cfg map[string]string) (translate.Provider, error) {
		if cfg["url"] == "" {
			return nil, errors.New("openai translate: url is required")
		}
		timeout := defaultTimeout
		if v := cfg["timeout"]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("openai translate: timeout: %w", err)
			}
			timeout = d
		}
		return NewClient(cfg["url"], cfg["api_key"], cfg["model"], timeout), nil
	})
}

// Client calls POST {baseURL}/chat/completions.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a new chat completion client. baseURL should include
// the API version prefix, e.g. "http://litellm:4000/v1".
func NewClient(baseURL, apiKey, model string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

func (c *Client) Name() string { return providerName }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Translate sends texts as one JSON array and expects one back.
func (c *Client) Translate(ctx context.Context, texts []string, target string) ([]string, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	lines, err := json.Marshal(texts)
	if err != nil {
		return nil, domain.Fatal("could not encode subtitle lines", err)
	}
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: "Target language: " + target + "\n" + string(lines)},
		},
	})
	if err != nil {
		return nil, domain.Fatal("could not encode translation request", err)
	}

	resp, err := c.doRequest(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var cr chatResponse
	if err := json.Unmarshal(resp, &cr); err != nil || len(cr.Choices) == 0 {
		return nil, domain.Transient("translation returned an invalid response", fmt.Errorf("decode completion: %w", err))
	}
	out, err := parseLines(cr.Choices[0].Message.Content)
	if err != nil {
		return nil, domain.Transient("translation returned an invalid response", err)
	}
	if len(out) != len(texts) {
		return nil, domain.Transient("translation returned the wrong number of lines",
			fmt.Errorf("sent %d lines, got %d", len(texts), len(out)))
	}
	return out, nil
}

// parseLines extracts the JSON array from a completion, tolerating a
// surrounding markdown code fence.
func parseLines(content string) ([]string, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end < start {
		return nil, errors.New("completion has no JSON array")
	}
	var out []string
	if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("decode lines: %w", err)
	}
	return out, nil
}

func (c *Client) doRequest(ctx context.Context, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return domain.Fatal("invalid translation url", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return domain.Transient("translation unavailable", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return domain.Transient("translation unavailable", err)
		}
		if resp.StatusCode >= 400 {
			return domain.FromStatus("translation failed", resp.StatusCode,
				fmt.Errorf("completion API error %d: %s", resp.StatusCode, string(data)))
		}
		result = data
		return nil
	}

	if c.breaker == nil {
		if err := call(); err != nil {
			return nil, err
		}
		return result, nil
	}
	err := c.breaker.ExecuteIgnoring(call, func(err error) bool {
		return ctx.Err() != nil || domain.Classify(err) == domain.ClassFatal
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, domain.Transient("translation unavailable", err)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
