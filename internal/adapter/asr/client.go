// Package asr provides an HTTP client for a remote speech recognition
// service.
package asr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/config"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/subtitle"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/resilience"
)

// maxErrorBody bounds how much of an error response is kept for logs.
const maxErrorBody = 2048

// Client uploads audio to POST {url}/transcribe as multipart form data
// (fields "file" and "language") and decodes the returned transcript.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates an ASR client from cfg.
func NewClient(cfg config.ASR) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Transcribe streams audio to the engine. Rate limiting, 5xx responses and
// network failures are transient; other client errors are fatal.
func (c *Client) Transcribe(ctx context.Context, audio io.Reader, filename, language string) (*subtitle.Transcript, error) {
	var out *subtitle.Transcript
	call := func() error {
		t, err := c.transcribe(ctx, audio, filename, language)
		out = t
		return err
	}

	var err error
	if c.breaker != nil {
		// Caller cancellation and bad input say nothing about engine health.
		err = c.breaker.ExecuteIgnoring(call, func(err error) bool {
			return ctx.Err() != nil || domain.Classify(err) == domain.ClassFatal
		})
	} else {
		err = call()
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, domain.Transient("speech recognition unavailable", err)
	}
	return out, err
}

func (c *Client) transcribe(ctx context.Context, audio io.Reader, filename, language string) (*subtitle.Transcript, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, audio, filename, language))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", pr)
	if err != nil {
		_ = pr.Close()
		return nil, domain.Fatal("invalid speech recognition url", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		_ = pr.Close()
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, domain.Transient("speech recognition unavailable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, domain.FromStatus("speech recognition failed", resp.StatusCode,
			fmt.Errorf("asr API error %d: %s", resp.StatusCode, string(body)))
	}

	var t subtitle.Transcript
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return nil, domain.Transient("speech recognition returned an invalid response", err)
	}
	if t.Language == "" {
		t.Language = language
	}
	return &t, nil
}

func writeForm(mw *multipart.Writer, audio io.Reader, filename, language string) error {
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return err
	}
	return mw.Close()
}
