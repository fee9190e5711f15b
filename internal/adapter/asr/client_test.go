package asr

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/config"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/resilience"
)

func TestTranscribeUploadsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transcribe", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "ja", r.FormValue("language"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "abc.mp3", hdr.Filename)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "audio-bytes", string(data))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"language":"ja","segments":[{"start":0,"end":1.5,"text":"こんにちは"}]}`))
	}))
	defer srv.Close()

	c := NewClient(config.ASR{URL: srv.URL + "/", Timeout: 5 * time.Second})
	tr, err := c.Transcribe(context.Background(), strings.NewReader("audio-bytes"), "abc.mp3", "ja")
	require.NoError(t, err)
	assert.Equal(t, "ja", tr.Language)
	require.Len(t, tr.Segments, 1)
	assert.Equal(t, "こんにちは", tr.Segments[0].Text)
	assert.InDelta(t, 1.5, tr.Segments[0].End, 0.001)
}

func TestTranscribeClassifiesStatus(t *testing.T) {
	tests := []struct {
		status int
		want   domain.Class
	}{
		{http.StatusTooManyRequests, domain.ClassTransient},
		{http.StatusBadGateway, domain.ClassTransient},
		{http.StatusUnprocessableEntity, domain.ClassFatal},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.Copy(io.Discard, r.Body)
			http.Error(w, "provider detail", tt.status)
		}))
		c := NewClient(config.ASR{URL: srv.URL, Timeout: 5 * time.Second})
		_, err := c.Transcribe(context.Background(), strings.NewReader("x"), "a.mp3", "")
		assert.Equal(t, tt.want, domain.Classify(err), tt.status)
		assert.NotContains(t, domain.Sanitize(err), "provider detail")
		srv.Close()
	}
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(config.ASR{URL: srv.URL, Timeout: 5 * time.Second})
	c.SetBreaker(resilience.NewBreaker("asr", 2, time.Minute))

	for range 3 {
		_, err := c.Transcribe(context.Background(), strings.NewReader("x"), "a.mp3", "")
		assert.Equal(t, domain.ClassTransient, domain.Classify(err))
	}
	assert.Equal(t, int32(2), hits.Load(), "open breaker must short-circuit the third call")
}

func TestFatalErrorsDoNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(config.ASR{URL: srv.URL, Timeout: 5 * time.Second})
	c.SetBreaker(resilience.NewBreaker("asr", 1, time.Minute))
	for range 3 {
		_, _ = c.Transcribe(context.Background(), strings.NewReader("x"), "a.mp3", "")
	}
	assert.Equal(t, int32(3), hits.Load())
}
