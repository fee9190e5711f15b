package litellm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/litellm"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/translate"
)

func completion(content string) map[string]any {
	return map[string]any{
		"choices": []any{map[string]any{"message": map[string]string{"role": "assistant", "content": content}}},
	}
}

func TestTranslate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Contains(t, req.Messages[1].Content, "Target language: en")
		assert.Contains(t, req.Messages[1].Content, `["こんにちは","さようなら"]`)

		_ = json.NewEncoder(w).Encode(completion("```json\n[\"hello\", \"goodbye\"]\n```"))
	}))
	defer srv.Close()

	c := litellm.NewClient(srv.URL+"/v1", "test-key", "gpt-4o-mini", 5*time.Second)
	out, err := c.Translate(context.Background(), []string{"こんにちは", "さようなら"}, "en")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "goodbye"}, out)
}

func TestTranslateLengthMismatchIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(completion(`["only one"]`))
	}))
	defer srv.Close()

	c := litellm.NewClient(srv.URL, "", "m", 5*time.Second)
	_, err := c.Translate(context.Background(), []string{"a", "b"}, "en")
	assert.Equal(t, domain.ClassTransient, domain.Classify(err))
}

func TestTranslateStatusClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid api key sk-123"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := litellm.NewClient(srv.URL, "bad", "m", 5*time.Second)
	_, err := c.Translate(context.Background(), []string{"a"}, "en")
	assert.Equal(t, domain.ClassFatal, domain.Classify(err))
	assert.NotContains(t, domain.Sanitize(err), "sk-123")
}

func TestRegisteredAsOpenAI(t *testing.T) {
	p, err := translate.New("openai", map[string]string{"url": "http://localhost:4000/v1", "model": "m"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	_, err = translate.New("openai", map[string]string{})
	assert.Error(t, err)
}
