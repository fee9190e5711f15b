package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/asr"
	sublhttp "github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/http"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/memory"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/minio"
	subnats "github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/nats"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/natskv"
	subotel "github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/otel"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/postgres"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/rabbitmq"
	subredis "github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/redis"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/ristretto"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/sysload"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/tiered"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/ytdlp"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/config"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/subtitle"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/middleware"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/alert"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/broadcast"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/cache"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/database"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/messagequeue"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/objectstore"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/stagehandler"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/translate"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/resilience"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/service"
)

// infra holds the backends selected by configuration and the closers that
// release them in reverse order.
type infra struct {
	cfg       *config.Config
	pool      *pgxpool.Pool
	store     database.Store
	feed      broadcast.Feed
	queue     messagequeue.Queue
	nats      *subnats.Queue
	redis     *goredis.Client
	objects   objectstore.Store
	telemetry service.Telemetry
	checks    map[string]sublhttp.HealthCheck
	closers   []func()
}

func (in *infra) onClose(fn func()) { in.closers = append(in.closers, fn) }

func (in *infra) Close() {
	for i := len(in.closers) - 1; i >= 0; i-- {
		in.closers[i]()
	}
}

func buildInfra(ctx context.Context, cfg *config.Config) (*infra, error) {
	in := &infra{cfg: cfg, checks: make(map[string]sublhttp.HealthCheck)}
	ok := false
	defer func() {
		if !ok {
			in.Close()
		}
	}()

	shutdown, err := subotel.Init(ctx, cfg.OTEL)
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}
	in.onClose(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	})
	tel, err := subotel.NewTelemetry(otel.GetMeterProvider(), otel.GetTracerProvider())
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	in.telemetry = tel

	if err := in.openStore(ctx); err != nil {
		return nil, err
	}
	if err := in.openQueue(ctx); err != nil {
		return nil, err
	}
	if err := in.openObjects(ctx); err != nil {
		return nil, err
	}
	ok = true
	return in, nil
}

func (in *infra) openStore(ctx context.Context) error {
	switch in.cfg.Store.Driver {
	case "postgres":
		pool, err := postgres.NewPool(ctx, in.cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		in.onClose(pool.Close)
		if err := postgres.RunMigrations(ctx, in.cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		store := postgres.NewStore(pool)
		in.pool, in.store, in.feed = pool, store, postgres.NewListener(pool)
		in.checks["postgres"] = store.Ping
		slog.Info("postgres connected", "max_conns", in.cfg.Postgres.MaxConns)
	default:
		store := memory.NewStore()
		in.store, in.feed = store, store
	}
	return nil
}

func (in *infra) openQueue(ctx context.Context) error {
	switch in.cfg.Queue.Driver {
	case "nats":
		q, err := subnats.Connect(ctx, in.cfg.NATS)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		in.onClose(func() { _ = q.Close() })
		in.queue, in.nats = q, q
	case "amqp":
		// The broker ceiling leaves room for retries and chained stages,
		// which bypass the dispatcher's depth check.
		q, err := rabbitmq.Dial(in.cfg.AMQP, 2*in.cfg.Queue.MaxDepth)
		if err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
		in.onClose(func() { _ = q.Close() })
		in.queue = q
	default:
		q := memory.NewQueue()
		in.onClose(func() { _ = q.Close() })
		in.queue = q
	}
	in.checks["queue"] = func(context.Context) error {
		if !in.queue.IsConnected() {
			return errors.New("disconnected")
		}
		return nil
	}
	return nil
}

func (in *infra) openObjects(ctx context.Context) error {
	if in.cfg.ObjectStore.Driver != "minio" {
		in.objects = memory.NewObjectStore()
		return nil
	}
	objects, err := minio.New(ctx, in.cfg.ObjectStore)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	in.objects = objects
	return nil
}

// artifactCache builds the L2 cache named by cache.l2 behind a ristretto L1.
func (in *infra) artifactCache(ctx context.Context) (cache.Cache, error) {
	var l2 cache.Cache
	switch in.cfg.Cache.L2 {
	case "postgres":
		if in.pool == nil {
			return nil, errors.New("cache.l2=postgres needs the postgres store")
		}
		l2 = postgres.NewCache(in.pool)
	case "natskv":
		if in.nats == nil {
			return nil, errors.New("cache.l2=natskv needs queue.driver=nats")
		}
		kv, err := in.nats.KeyValue(ctx, in.cfg.Cache.Bucket, 0)
		if err != nil {
			return nil, fmt.Errorf("cache bucket: %w", err)
		}
		l2 = natskv.New(kv)
	case "redis":
		client, err := in.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		l2 = subredis.New(client, subredis.DefaultPrefix)
	default:
		l2 = memory.NewCache()
	}

	l1, err := ristretto.New(int64(in.cfg.Cache.L1MaxCost.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("l1 cache: %w", err)
	}
	in.onClose(l1.Close)
	return tiered.New(l1, l2, in.cfg.Cache.L1TTL), nil
}

func (in *infra) redisClient(ctx context.Context) (*goredis.Client, error) {
	if in.redis != nil {
		return in.redis, nil
	}
	client, err := subredis.NewClient(ctx, in.cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	in.onClose(func() { _ = client.Close() })
	in.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	in.redis = client
	return client, nil
}

// responseStore picks where idempotency responses live so every API
// process sees the same keys: the NATS KV bucket next to a NATS queue, else
// postgres, else redis. Only a single-process deployment keeps them in
// ristretto.
func (in *infra) responseStore(ctx context.Context) (middleware.ResponseStore, error) {
	switch {
	case in.nats != nil:
		kv, err := in.nats.KeyValue(ctx, in.cfg.Server.IdempotencyBucket, in.cfg.Server.IdempotencyTTL)
		if err != nil {
			return nil, fmt.Errorf("idempotency bucket: %w", err)
		}
		return natskv.NewResponses(kv), nil
	case in.pool != nil:
		responses := postgres.NewResponses(in.pool)
		go responses.RunPurge(ctx, time.Hour)
		return responses, nil
	case in.cfg.Cache.L2 == "redis":
		client, err := in.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return subredis.NewResponses(client, subredis.ResponsePrefix), nil
	}
	responses, err := ristretto.New(idempotencyCacheBytes)
	if err != nil {
		return nil, fmt.Errorf("idempotency cache: %w", err)
	}
	in.onClose(responses.Close)
	return responses, nil
}

// core is the service graph shared by the API and the workers.
type core struct {
	tasks       *service.TaskService
	dispatcher  *service.Dispatcher
	submissions *service.SubmissionService
	alerts      *service.AlertService
	policy      resilience.Policy
}

func buildCore(in *infra) (*core, error) {
	cfg := in.cfg
	policy := resilience.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		Multiplier:  cfg.Retry.Multiplier,
		MaxDelay:    cfg.Retry.MaxDelay,
		Jitter:      cfg.Retry.Jitter,
	}
	tasks := service.NewTaskService(in.store, cfg.Lease.TTL)
	tasks.SetTelemetry(in.telemetry)
	senders, err := alertSenders(cfg.Alerts)
	if err != nil {
		return nil, err
	}
	alerts := service.NewAlertService(senders, cfg.Alerts.Events)
	dispatcher := service.NewDispatcher(in.queue, in.store, policy, cfg.Queue.MaxDepth)
	dispatcher.SetTelemetry(in.telemetry)
	dispatcher.SetAlerts(alerts)
	return &core{
		tasks:       tasks,
		dispatcher:  dispatcher,
		submissions: service.NewSubmissionService(tasks, dispatcher),
		alerts:      alerts,
		policy:      policy,
	}, nil
}

// alertSenders creates one sender per configured webhook.
func alertSenders(cfg config.Alerts) ([]alert.Sender, error) {
	webhooks := map[string]string{
		"discord": cfg.DiscordWebhookURL,
		"slack":   cfg.SlackWebhookURL,
	}
	var senders []alert.Sender
	for _, name := range alert.Available() {
		url := webhooks[name]
		if url == "" {
			continue
		}
		sender, err := alert.New(name, map[string]string{"webhook_url": url})
		if err != nil {
			return nil, fmt.Errorf("alert sender %s: %w", name, err)
		}
		senders = append(senders, sender)
		slog.Info("alert sender enabled", "sender", name)
	}
	return senders, nil
}

// stageHandlers builds one handler per pipeline stage.
func stageHandlers(in *infra) ([]stagehandler.Handler, error) {
	cfg := in.cfg
	download, err := ytdlp.New(cfg.Media, in.objects)
	if err != nil {
		return nil, fmt.Errorf("download stage: %w", err)
	}

	engine := asr.NewClient(cfg.ASR)
	engine.SetBreaker(resilience.NewBreaker("asr", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	provider, err := translate.New(cfg.Translate.Provider, map[string]string{
		"url":     cfg.Translate.URL,
		"api_key": cfg.Translate.APIKey,
		"model":   cfg.Translate.Model,
		"timeout": cfg.Translate.Timeout.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("translate provider: %w", err)
	}
	if b, ok := provider.(interface{ SetBreaker(*resilience.Breaker) }); ok {
		b.SetBreaker(resilience.NewBreaker("translate", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	}
	slog.Info("translate provider selected", "provider", provider.Name(), "available", translate.Available())

	budget := subtitle.Budget{MaxCJK: cfg.Subtitle.MaxWordCountCJK, MaxEnglish: cfg.Subtitle.MaxWordCountEnglish}
	return []stagehandler.Handler{
		download,
		service.NewTranscribeStage(in.objects, engine),
		service.NewSubtitleStage(in.objects, provider, budget),
	}, nil
}

func buildWorker(ctx context.Context, in *infra, c *core) (*service.Worker, error) {
	cfg := in.cfg
	stages := make([]stage.Stage, 0, len(cfg.Worker.Stages))
	for _, name := range cfg.Worker.Stages {
		s, err := stage.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("worker.stages: %w", err)
		}
		stages = append(stages, s)
	}

	handlers, err := stageHandlers(in)
	if err != nil {
		return nil, err
	}
	backend, err := in.artifactCache(ctx)
	if err != nil {
		return nil, err
	}
	artifacts := service.NewArtifactCache(backend)
	artifacts.SetTelemetry(in.telemetry)

	w := service.NewWorker(service.WorkerConfig{
		Concurrency:     cfg.Worker.Concurrency,
		Stages:          stages,
		RenewInterval:   cfg.Lease.RenewInterval,
		WallClockBudget: cfg.Task.WallClockBudget,
		BusyDelay:       cfg.Worker.BusyDelay,
	}, c.tasks, c.dispatcher, artifacts, in.queue, handlers...)
	w.SetGate(sysload.New(cfg.Worker, cfg.Media.WorkDir))
	w.SetTelemetry(in.telemetry)
	return w, nil
}

func retryAfter(p resilience.Policy) time.Duration {
	if p.BaseDelay > 0 {
		return p.BaseDelay
	}
	return time.Second
}
