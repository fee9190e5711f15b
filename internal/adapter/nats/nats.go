// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/config"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/messagequeue"
)

// dlqRetention bounds how long dead-lettered messages stay in the mirror stream.
const dlqRetention = 30 * 24 * time.Hour

// Queue implements messagequeue.Queue using NATS JetStream. Each stage
// subject is consumed through one durable work-queue consumer shared by
// every worker process.
type Queue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
	cfg    config.NATS

	mu   sync.Mutex
	subs []jetstream.ConsumeContext
}

// Connect establishes a connection to NATS and ensures the stage and
// dead-letter streams exist.
func Connect(ctx context.Context, cfg config.NATS) (*Queue, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("sublearn"),
		nats.Timeout(cfg.ConnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	// Stage queues: one message is consumed by exactly one worker.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  messagequeue.Subjects(stage.All...),
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream + "_DLQ",
		Subjects: []string{"stages.*.dlq"},
		MaxAge:   dlqRetention,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream dlq stream create: %w", err)
	}

	slog.Info("nats connected", "url", cfg.URL, "stream", cfg.Stream)
	return &Queue{nc: nc, js: js, stream: cfg.Stream, cfg: cfg}, nil
}

// Publish sends a message to the given subject.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := q.js.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Depth returns the number of messages stored for subject. In a work-queue
// stream that is every message not yet acknowledged.
func (q *Queue) Depth(ctx context.Context, subject string) (int, error) {
	s, err := q.js.Stream(ctx, q.stream)
	if err != nil {
		return 0, fmt.Errorf("nats stream %s: %w", q.stream, err)
	}
	info, err := s.Info(ctx, jetstream.WithSubjectFilter(subject))
	if err != nil {
		return 0, fmt.Errorf("nats stream info: %w", err)
	}
	return int(info.State.Subjects[subject]), nil
}

func durableName(subject string) string {
	s, err := stage.FromSubject(subject)
	if err != nil {
		return "sublearn-" + subject
	}
	return "sublearn-" + string(s)
}

// Subscribe registers a handler for messages on the given subject. Each
// call pulls one message at a time.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Durable:       durableName(subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxDeliver:    -1,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		q.handle(ctx, msg, handler)
	}, jetstream.PullMaxMessages(1))
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	q.mu.Lock()
	q.subs = append(q.subs, cons)
	q.mu.Unlock()
	return cons.Stop, nil
}

func (q *Queue) handle(ctx context.Context, msg jetstream.Msg, handler messagequeue.Handler) {
	// Long stages outlive AckWait; keep the delivery alive while it runs.
	done := make(chan struct{})
	go func() {
		interval := max(q.cfg.AckWait/2, time.Second)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					slog.Warn("nats in-progress failed", "subject", msg.Subject(), "error", err)
				}
			}
		}
	}()
	err := handler(ctx, msg.Subject(), msg.Data())
	close(done)

	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "error", ackErr)
		}
		return
	}
	if d, ok := messagequeue.AsDefer(err); ok {
		if nakErr := msg.NakWithDelay(d); nakErr != nil {
			slog.Error("nats nak failed", "error", nakErr)
		}
		return
	}

	var delivered uint64 = 1
	if meta, merr := msg.Metadata(); merr == nil {
		delivered = meta.NumDelivered
	}
	if q.cfg.MaxDeliver > 0 && delivered >= uint64(q.cfg.MaxDeliver) {
		slog.Error("message exceeded max deliveries, moving to dlq",
			"subject", msg.Subject(), "deliveries", delivered, "error", err)
		if _, perr := q.js.Publish(context.WithoutCancel(ctx), msg.Subject()+".dlq", msg.Data()); perr != nil {
			slog.Error("nats dlq publish failed", "error", perr)
			_ = msg.Nak()
			return
		}
		if termErr := msg.Term(); termErr != nil {
			slog.Error("nats term failed", "error", termErr)
		}
		return
	}

	slog.Error("message handler failed", "subject", msg.Subject(), "deliveries", delivered, "error", err)
	if nakErr := msg.NakWithDelay(time.Duration(delivered) * time.Second); nakErr != nil {
		slog.Error("nats nak failed", "error", nakErr)
	}
}

// Drain stops all consumers after their in-flight message and drains the connection.
func (q *Queue) Drain() error {
	q.mu.Lock()
	subs := q.subs
	q.subs = nil
	q.mu.Unlock()
	for _, s := range subs {
		s.Drain()
	}
	if err := q.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the NATS connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}

// KeyValue opens (or creates) a JetStream key-value bucket on the same
// connection, for the natskv stores. A positive ttl expires every key that
// long after its last write.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket, TTL: ttl})
	if err != nil {
		return nil, fmt.Errorf("nats kv %s: %w", bucket, err)
	}
	return kv, nil
}
