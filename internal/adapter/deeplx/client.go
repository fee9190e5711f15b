// Package deeplx provides a translation provider backed by a DeepLX
// HTTP endpoint.
package deeplx

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

	"golang.org/x/sync/errgroup"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/translate"
)

const providerName = "deeplx"

// parallelism bounds concurrent line requests to one DeepLX instance.
const parallelism = 4

func init() {
	translate.Register(providerName, func(cfg map[string]string) (translate.Provider, error) {
		if cfg["url"] == "" {
			return nil, errors.New("deeplx: url is required")
		}
		timeout := 30 * time.Second
		if v := cfg["timeout"]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("deeplx: timeout: %w", err)
			}
			timeout = d
		}
		return NewClient(cfg["url"], cfg["api_key"], timeout), nil
	})
}

// Client calls POST {url}/translate once per line.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a DeepLX client. token may be empty.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Name() string { return providerName }

type request struct {
	Text       string `json:"text"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
}

type response struct {
	Code int    `json:"code"`
	Data string `json:"data"`
}

func (c *Client) Translate(ctx context.Context, texts []string, target string) ([]string, error) {
	out := make([]string, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		g.Go(func() error {
			s, err := c.translateOne(gctx, text, target)
			out[i] = s
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) translateOne(ctx context.Context, text, target string) (string, error) {
	body, err := json.Marshal(request{Text: text, SourceLang: "auto", TargetLang: strings.ToUpper(target)})
	if err != nil {
		return "", domain.Fatal("could not encode translation request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/translate", bytes.NewReader(body))
	if err != nil {
		return "", domain.Fatal("invalid translation url", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		return "", domain.Transient("translation unavailable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", domain.Transient("translation unavailable", err)
	}
	if resp.StatusCode >= 400 {
		return "", domain.FromStatus("translation failed", resp.StatusCode,
			fmt.Errorf("deeplx error %d: %s", resp.StatusCode, string(data)))
	}
	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return "", domain.Transient("translation returned an invalid response", err)
	}
	if r.Code != 0 && r.Code != http.StatusOK {
		return "", domain.FromStatus("translation failed", r.Code, fmt.Errorf("deeplx code %d", r.Code))
	}
	return r.Data, nil
}
