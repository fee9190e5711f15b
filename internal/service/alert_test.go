package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/alert"
)

type recordingSender struct {
	name string
	err  error

	mu   sync.Mutex
	sent []alert.Alert
}

func (r *recordingSender) Name() string { return r.name }

func (r *recordingSender) Send(_ context.Context, a alert.Alert) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, a)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestAlertService_FansOut(t *testing.T) {
	a, b := &recordingSender{name: "a"}, &recordingSender{name: "b"}
	svc := NewAlertService([]alert.Sender{a, b}, nil)

	svc.Notify(context.Background(), alert.Alert{Event: alert.EventDeadLetter, Title: "x"})
	svc.Wait()

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
}

func TestAlertService_FiltersEvents(t *testing.T) {
	s := &recordingSender{name: "s"}
	svc := NewAlertService([]alert.Sender{s}, []string{string(alert.EventBudgetExceeded)})

	svc.Notify(context.Background(), alert.Alert{Event: alert.EventDeadLetter})
	svc.Wait()
	assert.Zero(t, s.count())

	svc.Notify(context.Background(), alert.Alert{Event: alert.EventBudgetExceeded})
	svc.Wait()
	assert.Equal(t, 1, s.count())
}

func TestAlertService_FailureDoesNotStopOthers(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("connection refused")}
	good := &recordingSender{name: "good"}
	svc := NewAlertService([]alert.Sender{bad, good}, nil)

	svc.Notify(context.Background(), alert.Alert{Event: alert.EventDeadLetter})
	svc.Wait()
	assert.Equal(t, 1, good.count())
}

func TestAlertService_SurvivesCancelledContext(t *testing.T) {
	s := &recordingSender{name: "s"}
	svc := NewAlertService([]alert.Sender{s}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.Notify(ctx, alert.Alert{Event: alert.EventDeadLetter})
	svc.Wait()
	require.Equal(t, 1, s.count())
}

func TestAlertService_NoSenders(t *testing.T) {
	svc := NewAlertService(nil, nil)
	svc.Notify(context.Background(), alert.Alert{Event: alert.EventDeadLetter})
	svc.Wait()
	assert.Zero(t, svc.SenderCount())
}
