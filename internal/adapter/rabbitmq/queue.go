// Package rabbitmq implements the message queue port on RabbitMQ.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/streadway/amqp"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/config"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/messagequeue"
)

// deadLetterExchange routes rejected stage messages to "<subject>.dlq".
const deadLetterExchange = "sublearn.dlx"

// delaySuffix names the holding queue for deferred stage messages. A message
// parked there expires after its per-message TTL and is dead-lettered back
// onto the stage queue through the default exchange.
const delaySuffix = ".delay"

func delayQueue(subject string) string { return subject + delaySuffix }

func delayQueueArgs(subject string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": subject,
	}
}

// deferred builds the publishing that parks body in the delay queue for
// delay. The retry count header is carried over unchanged.
func deferred(body []byte, headers amqp.Table, delay time.Duration) amqp.Publishing {
	ms := max(delay.Milliseconds(), 1)
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Expiration:   strconv.FormatInt(ms, 10),
		Body:         body,
	}
}

// Queue implements messagequeue.Queue on RabbitMQ. Each stage subject is a
// durable queue of the same name, bounded by x-max-length with
// reject-publish overflow so a full queue refuses new messages instead of
// dropping old ones.
type Queue struct {
	conn       *amqp.Connection
	maxDeliver int
	prefetch   int

	pubMu    sync.Mutex
	pub      *amqp.Channel
	confirms chan amqp.Confirmation
	declared map[string]bool

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	ch   *amqp.Channel
	tag  string
	done chan struct{}
}

// Dial connects to RabbitMQ and declares the stage queues, their dead-letter
// queues and the dead-letter exchange. Queues hold at most maxLength ready
// messages.
func Dial(cfg config.AMQP, maxLength int) (*Queue, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	fail := func(err error) (*Queue, error) {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(deadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return fail(fmt.Errorf("amqp declare dlx: %w", err))
	}

	declared := make(map[string]bool)
	for _, s := range stage.All {
		dlq := s.DeadLetterSubject()
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fail(fmt.Errorf("amqp declare %s: %w", dlq, err))
		}
		if err := ch.QueueBind(dlq, dlq, deadLetterExchange, false, nil); err != nil {
			return fail(fmt.Errorf("amqp bind %s: %w", dlq, err))
		}
		args := amqp.Table{
			"x-max-length":              int32(maxLength),
			"x-overflow":                "reject-publish",
			"x-dead-letter-exchange":    deadLetterExchange,
			"x-dead-letter-routing-key": dlq,
		}
		if _, err := ch.QueueDeclare(s.Subject(), true, false, false, false, args); err != nil {
			return fail(fmt.Errorf("amqp declare %s: %w", s.Subject(), err))
		}
		delay := delayQueue(s.Subject())
		if _, err := ch.QueueDeclare(delay, true, false, false, false, delayQueueArgs(s.Subject())); err != nil {
			return fail(fmt.Errorf("amqp declare %s: %w", delay, err))
		}
		declared[s.Subject()] = true
		declared[dlq] = true
		declared[delay] = true
	}

	// reject-publish is only reported through publisher confirms.
	if err := ch.Confirm(false); err != nil {
		return fail(fmt.Errorf("amqp confirm mode: %w", err))
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	slog.Info("amqp connected", "queues", len(declared))
	return &Queue{
		conn:       conn,
		maxDeliver: cfg.MaxDeliver,
		prefetch:   max(cfg.Prefetch, 1),
		pub:        ch,
		confirms:   confirms,
		declared:   declared,
		subs:       make(map[string]*subscription),
	}, nil
}

// Publish sends a persistent message and waits for the broker's confirm.
// A negative confirm means the queue is at x-max-length.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	return q.publish(ctx, subject, data, nil)
}

func (q *Queue) publish(ctx context.Context, subject string, data []byte, headers amqp.Table) error {
	return q.send(ctx, subject, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         data,
	})
}

func (q *Queue) send(ctx context.Context, subject string, msg amqp.Publishing) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	err := q.pub.Publish("", subject, false, false, msg)
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", subject, err)
	}
	select {
	case c, ok := <-q.confirms:
		if !ok {
			return fmt.Errorf("amqp publish %s: channel closed", subject)
		}
		if !c.Ack {
			return messagequeue.ErrQueueFull
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth returns the number of ready messages on subject.
func (q *Queue) Depth(_ context.Context, subject string) (int, error) {
	if !q.declared[subject] {
		return 0, fmt.Errorf("amqp depth: unknown queue %q", subject)
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	info, err := q.pub.QueueInspect(subject)
	if err != nil {
		return 0, fmt.Errorf("amqp inspect %s: %w", subject, err)
	}
	return info.Messages, nil
}

// Subscribe opens a dedicated channel with the configured prefetch and
// consumes subject until the returned cancel func is called.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	if !q.declared[subject] {
		return nil, fmt.Errorf("amqp subscribe: unknown queue %q", subject)
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("amqp qos: %w", err)
	}
	tag := "sublearn-" + shortuuid.New()
	deliveries, err := ch.Consume(subject, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("amqp consume %s: %w", subject, err)
	}

	sub := &subscription{ch: ch, tag: tag, done: make(chan struct{})}
	q.mu.Lock()
	q.subs[tag] = sub
	q.mu.Unlock()

	go func() {
		defer close(sub.done)
		for d := range deliveries {
			q.handle(ctx, subject, d, handler)
		}
	}()

	return func() { q.stop(tag) }, nil
}

func (q *Queue) stop(tag string) {
	q.mu.Lock()
	sub, ok := q.subs[tag]
	delete(q.subs, tag)
	q.mu.Unlock()
	if !ok {
		return
	}
	// Cancel stops new deliveries; the loop exits after the in-flight one.
	_ = sub.ch.Cancel(sub.tag, false)
	<-sub.done
	_ = sub.ch.Close()
}

func attempts(h amqp.Table) int {
	switch v := h[messagequeue.HeaderRetryCount].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

func (q *Queue) handle(ctx context.Context, subject string, d amqp.Delivery, handler messagequeue.Handler) {
	err := handler(ctx, subject, d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	// Park deferred messages in the delay queue so the consumer moves on.
	if delay, ok := messagequeue.AsDefer(err); ok {
		target := delayQueue(subject)
		if perr := q.send(context.WithoutCancel(ctx), target, deferred(d.Body, d.Headers, delay)); perr != nil {
			slog.Error("amqp defer failed", "subject", subject, "error", perr)
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
		return
	}

	n := attempts(d.Headers) + 1
	if q.maxDeliver > 0 && n >= q.maxDeliver {
		slog.Error("message exceeded max deliveries, moving to dlq",
			"subject", subject, "deliveries", n, "error", err)
		_ = d.Nack(false, false)
		return
	}

	slog.Error("message handler failed", "subject", subject, "deliveries", n, "error", err)
	headers := amqp.Table{messagequeue.HeaderRetryCount: int32(n)}
	if perr := q.publish(context.WithoutCancel(ctx), subject, d.Body, headers); perr != nil {
		if !errors.Is(perr, messagequeue.ErrQueueFull) {
			slog.Error("amqp republish failed", "subject", subject, "error", perr)
		}
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// Drain cancels every consumer, waits for in-flight handlers and closes.
func (q *Queue) Drain() error {
	q.mu.Lock()
	tags := make([]string, 0, len(q.subs))
	for tag := range q.subs {
		tags = append(tags, tag)
	}
	q.mu.Unlock()
	for _, tag := range tags {
		q.stop(tag)
	}
	return q.Close()
}

// Close shuts down the connection.
func (q *Queue) Close() error {
	if q.conn.IsClosed() {
		return nil
	}
	if err := q.conn.Close(); err != nil {
		return fmt.Errorf("amqp close: %w", err)
	}
	return nil
}

// IsConnected reports whether the connection is open.
func (q *Queue) IsConnected() bool {
	return !q.conn.IsClosed()
}
