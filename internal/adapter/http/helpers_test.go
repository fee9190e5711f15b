package http

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
)

func TestIncludes(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/task/x?include=parent,%20children", http.NoBody)
	assert.True(t, includes(req, "children"))
	assert.False(t, includes(req, "logs"))
}

func TestQueryInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/deadletters?limit=900&bad=x", http.NoBody)
	assert.Equal(t, 500, queryInt(req, "limit", 50, 500))
	assert.Equal(t, 50, queryInt(req, "bad", 50, 500))
	assert.Equal(t, 50, queryInt(req, "missing", 50, 500))
}

func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("get task: %w", domain.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: bad", domain.ErrValidation), http.StatusBadRequest},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{domain.ErrConflict, http.StatusConflict},
		{fmt.Errorf("enqueue: %w", domain.ErrBackpressure), http.StatusTooManyRequests},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeDomainError(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody), tt.err, 1500*time.Millisecond)
		assert.Equal(t, tt.status, rec.Code, tt.err.Error())
	}
}

func TestValidationMessage(t *testing.T) {
	err := fmt.Errorf("submit: %w", fmt.Errorf("%w: params.url is required", domain.ErrValidation))
	assert.Equal(t, "params.url is required", validationMessage(err))
}
