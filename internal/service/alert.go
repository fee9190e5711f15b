package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/alert"
)

const alertSendTimeout = 15 * time.Second

// Alerter receives operator alerts. Implementations must not block the caller.
type Alerter interface {
	Notify(ctx context.Context, a alert.Alert)
}

type nopAlerter struct{}

func (nopAlerter) Notify(context.Context, alert.Alert) {}

// AlertService fans alerts out to every configured sender in the background.
type AlertService struct {
	senders []alert.Sender
	enabled map[alert.Event]bool
	wg      sync.WaitGroup
}

// NewAlertService creates an AlertService. An empty events list enables all events.
func NewAlertService(senders []alert.Sender, events []string) *AlertService {
	enabled := make(map[alert.Event]bool, len(events))
	for _, e := range events {
		enabled[alert.Event(e)] = true
	}
	return &AlertService{senders: senders, enabled: enabled}
}

// Notify delivers a asynchronously. Delivery outlives ctx cancellation but
// not alertSendTimeout; failures are logged per sender.
func (s *AlertService) Notify(ctx context.Context, a alert.Alert) {
	if len(s.senders) == 0 {
		return
	}
	if len(s.enabled) > 0 && !s.enabled[a.Event] {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
		defer cancel()
		for _, sender := range s.senders {
			if err := sender.Send(ctx, a); err != nil {
				slog.WarnContext(ctx, "alert send failed", "sender", sender.Name(), "event", a.Event, "error", err)
				continue
			}
			slog.DebugContext(ctx, "alert sent", "sender", sender.Name(), "event", a.Event)
		}
	}()
}

// Wait blocks until in-flight deliveries finish.
func (s *AlertService) Wait() { s.wg.Wait() }

// SenderCount returns the number of configured senders.
func (s *AlertService) SenderCount() int { return len(s.senders) }
