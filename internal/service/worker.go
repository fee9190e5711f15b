package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sync/errgroup"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/task"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/logger"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/messagequeue"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/stagehandler"
)

// errBudgetExceeded is the cancel cause when a task outlives its
// wall-clock budget mid-stage.
var errBudgetExceeded = errors.New("wall-clock budget exceeded")

// AdmissionGate decides whether this host may start another stage now.
type AdmissionGate interface {
	Admit(ctx context.Context) (ok bool, reason string)
}

// WorkerConfig tunes a Worker.
type WorkerConfig struct {
	Concurrency     int
	Stages          []stage.Stage
	RenewInterval   time.Duration
	WallClockBudget time.Duration
	BusyDelay       time.Duration
}

// Worker consumes stage queues, executes stages under a renewable lease and
// chains tasks through their pipeline.
type Worker struct {
	id         string
	cfg        WorkerConfig
	tasks      *TaskService
	dispatcher *Dispatcher
	cache      *ArtifactCache
	queue      messagequeue.Queue
	handlers   map[stage.Stage]stagehandler.Handler
	gate       AdmissionGate
	telemetry  Telemetry
	now        func() time.Time
}

// NewWorker creates a Worker with a fresh worker id.
func NewWorker(cfg WorkerConfig, tasks *TaskService, dispatcher *Dispatcher, cache *ArtifactCache, queue messagequeue.Queue, handlers ...stagehandler.Handler) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.BusyDelay <= 0 {
		cfg.BusyDelay = 5 * time.Second
	}
	hm := make(map[stage.Stage]stagehandler.Handler, len(handlers))
	for _, h := range handlers {
		hm[h.Stage()] = h
	}
	if len(cfg.Stages) == 0 {
		cfg.Stages = stage.All
	}
	return &Worker{
		id:         "worker-" + shortuuid.New(),
		cfg:        cfg,
		tasks:      tasks,
		dispatcher: dispatcher,
		cache:      cache,
		queue:      queue,
		handlers:   hm,
		telemetry:  NopTelemetry,
		now:        time.Now,
	}
}

// ID returns the lease holder id of this worker.
func (w *Worker) ID() string { return w.id }

// SetGate installs a host admission gate.
func (w *Worker) SetGate(g AdmissionGate) { w.gate = g }

// SetTelemetry installs a telemetry sink.
func (w *Worker) SetTelemetry(t Telemetry) { w.telemetry = t }

// Run subscribes Concurrency consumers per configured stage and blocks
// until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	var cancels []func()
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	subs := make(chan func(), len(w.cfg.Stages)*w.cfg.Concurrency)
	for _, s := range w.cfg.Stages {
		if _, ok := w.handlers[s]; !ok {
			return fmt.Errorf("no handler registered for stage %s", s)
		}
		for range w.cfg.Concurrency {
			g.Go(func() error {
				cancel, err := w.queue.Subscribe(gctx, s.Subject(), w.HandleMessage)
				if err != nil {
					return fmt.Errorf("subscribe %s: %w", s.Subject(), err)
				}
				subs <- cancel
				return nil
			})
		}
	}
	err := g.Wait()
	close(subs)
	for c := range subs {
		cancels = append(cancels, c)
	}
	if err != nil {
		return err
	}

	slog.Info("worker started", "worker_id", w.id, "stages", w.cfg.Stages, "concurrency", w.cfg.Concurrency)
	<-ctx.Done()
	slog.Info("worker stopping", "worker_id", w.id)
	return nil
}

// HandleMessage processes one delivery. A nil return acknowledges it.
func (w *Worker) HandleMessage(ctx context.Context, subject string, data []byte) error {
	msg, err := messagequeue.Decode(subject, data)
	if err != nil {
		slog.Error("dropping malformed stage message", "subject", subject, "error", err)
		return nil
	}
	if msg.NotBefore != nil {
		if wait := msg.NotBefore.Sub(w.now()); wait > 0 {
			return messagequeue.Defer(wait)
		}
	}
	ctx = logger.WithTaskID(ctx, msg.TaskID)
	log := slog.With("task_id", msg.TaskID, "stage", msg.Stage, "worker_id", w.id, "attempt", msg.AttemptCount)

	t, err := w.tasks.Get(ctx, msg.TaskID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		log.Warn("dropping message for unknown task")
		return nil
	case err != nil:
		return fmt.Errorf("load task: %w", err)
	}
	if t.Status.IsTerminal() || t.Stage != msg.Stage {
		log.Debug("dropping stale message", "status", t.Status, "task_stage", t.Stage)
		return nil
	}
	h, ok := w.handlers[msg.Stage]
	if !ok {
		return fmt.Errorf("no handler for stage %s", msg.Stage)
	}
	if w.gate != nil {
		if ok, reason := w.gate.Admit(ctx); !ok {
			log.Info("host busy, deferring stage", "reason", reason)
			return messagequeue.Defer(w.cfg.BusyDelay)
		}
	}

	t, acquired, err := w.tasks.AcquireLease(ctx, msg.TaskID, w.id)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		log.Info("lease held elsewhere, dropping duplicate delivery")
		return nil
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := w.tasks.ReleaseLease(rctx, msg.TaskID, w.id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			log.Warn("release lease failed", "error", err)
		}
	}()

	if t.CancelRequested {
		_, err := w.tasks.Transition(ctx, t.ID, w.id, task.StatusCancelled, "")
		return ignoreLeaseLost(err)
	}
	step, ok := t.Type.StepFor(msg.Stage)
	if !ok {
		log.Error("stage not in task pipeline", "type", t.Type)
		return nil
	}
	return w.execute(ctx, log, t, msg, step, h)
}

func (w *Worker) execute(ctx context.Context, log *slog.Logger, t *task.Task, msg messagequeue.StageMessage, step task.Step, h stagehandler.Handler) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if w.cfg.WallClockBudget > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithDeadlineCause(runCtx, t.QueuedAt.Add(w.cfg.WallClockBudget), errBudgetExceeded)
		defer stop()
	}

	renewDone := make(chan struct{})
	defer close(renewDone)
	go w.renew(runCtx, cancel, renewDone, t.ID, log)

	started := w.now()
	ref, hit, err := w.runStage(runCtx, cancel, t, step, h, msg.AttemptCount)
	if err == nil && runCtx.Err() != nil {
		err = runCtx.Err()
	}
	outcome := w.outcome(hit, err)
	w.telemetry.StageFinished(ctx, step.Stage, outcome, w.now().Sub(started))

	if err != nil {
		return w.fail(ctx, runCtx, log, msg, err)
	}
	return w.complete(ctx, log, t, msg, step, ref)
}

// runStage resolves the stage artifact from the cache or by running the
// handler. The returned ref is the cache winner.
func (w *Worker) runStage(ctx context.Context, cancel context.CancelCauseFunc, t *task.Task, step task.Step, h stagehandler.Handler, attempt int) (ref string, hit bool, err error) {
	ctx, end := w.telemetry.StartStage(ctx, step.Stage, t.ID, attempt)
	defer func() { end(err) }()

	if err := w.progress(ctx, cancel, t.ID, step.Band.Start, step.Message); err != nil {
		return "", false, err
	}

	input := stage.CacheInputFor(step.Stage, t.InputParams, t.OutputRefs)
	input.Variant = stagehandler.VariantOf(h)
	fp, err := w.cache.Fingerprint(step.Stage, input)
	if err != nil {
		return "", false, domain.Fatal("could not fingerprint stage input", err)
	}

	ref, hit, err = w.cache.Lookup(ctx, step.Stage, fp)
	if err != nil {
		slog.Warn("cache lookup failed, running stage", "task_id", t.ID, "stage", step.Stage, "error", err)
	}
	if hit {
		return ref, true, w.progress(ctx, cancel, t.ID, step.Band.End, step.Message)
	}

	report := func(pct int, message string) {
		if message == "" {
			message = step.Message
		}
		_ = w.progress(ctx, cancel, t.ID, step.Band.At(pct), message)
	}
	out, err := h.Run(ctx, stage.Input{
		TaskID:      t.ID,
		Fingerprint: fp,
		Params:      t.InputParams,
		Artifacts:   t.OutputRefs,
	}, report)
	if err != nil {
		return "", false, err
	}
	if out.Ref == "" {
		return "", false, domain.Fatal("stage produced no artifact", errors.New("empty artifact ref"))
	}
	won, err := w.cache.Store(ctx, fp, out.Ref)
	if err != nil {
		return "", false, domain.Transient("artifact cache unavailable", err)
	}
	return won, false, nil
}

func (w *Worker) progress(ctx context.Context, cancel context.CancelCauseFunc, id string, pct int, message string) error {
	err := w.tasks.UpdateProgress(ctx, id, w.id, pct, message)
	if errors.Is(err, domain.ErrLeaseLost) || errors.Is(err, domain.ErrInvalidTransition) {
		cancel(domain.ErrLeaseLost)
		return domain.ErrLeaseLost
	}
	if err != nil {
		slog.Warn("progress update failed", "task_id", id, "error", err)
	}
	return nil
}

// renew keeps the lease alive and turns a cancel request or a lost lease
// into cancellation of the running stage.
func (w *Worker) renew(ctx context.Context, cancel context.CancelCauseFunc, done <-chan struct{}, id string, log *slog.Logger) {
	interval := w.cfg.RenewInterval
	if interval <= 0 {
		interval = w.tasks.LeaseTTL() / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t, err := w.tasks.RenewLease(ctx, id, w.id)
		switch {
		case errors.Is(err, domain.ErrLeaseLost):
			log.Warn("lease lost, abandoning stage")
			cancel(domain.ErrLeaseLost)
			return
		case err != nil:
			log.Warn("lease renewal failed", "error", err)
		case t.CancelRequested:
			log.Info("cancel requested, stopping stage")
			cancel(domain.ErrCancelled)
			return
		}
	}
}

func (w *Worker) outcome(hit bool, err error) string {
	switch {
	case err == nil && hit:
		return "cache_hit"
	case err == nil:
		return "ok"
	default:
		return domain.Classify(err).String()
	}
}

// fail settles a stage error: cancellation, budget exhaustion, retry or
// dead-letter. ctx is the delivery context, runCtx the stage context.
func (w *Worker) fail(ctx context.Context, runCtx context.Context, log *slog.Logger, msg messagequeue.StageMessage, err error) error {
	cause := context.Cause(runCtx)
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	switch {
	case errors.Is(cause, domain.ErrLeaseLost) || errors.Is(err, domain.ErrLeaseLost):
		log.Warn("stage abandoned after losing lease")
		return nil
	case ctx.Err() != nil:
		log.Info("worker shutting down, returning task to queue")
		if err := w.tasks.Requeue(wctx, msg.TaskID, w.id, "worker shutting down, requeued"); err != nil {
			log.Warn("requeue on shutdown failed", "error", err)
		}
		return fmt.Errorf("shutdown: %w", ctx.Err())
	case errors.Is(cause, domain.ErrCancelled) || domain.Classify(err) == domain.ClassCancelled:
		_, err := w.tasks.Transition(wctx, msg.TaskID, w.id, task.StatusCancelled, "")
		return ignoreLeaseLost(err)
	case errors.Is(cause, errBudgetExceeded):
		_, err := w.tasks.Transition(wctx, msg.TaskID, w.id, task.StatusFailed, "fatal: wall-clock budget exceeded")
		return ignoreLeaseLost(err)
	}

	if domain.Classify(err) == domain.ClassTransient && !w.dispatcher.Policy().Exhausted(msg.AttemptCount) {
		note := fmt.Sprintf("retrying (attempt %d/%d)", msg.AttemptCount+1, w.dispatcher.Policy().MaxAttempts)
		if rerr := w.tasks.Requeue(wctx, msg.TaskID, w.id, note); rerr != nil {
			return ignoreLeaseLost(rerr)
		}
		if _, rerr := w.dispatcher.Retry(wctx, msg, err); rerr != nil {
			return fmt.Errorf("schedule retry: %w", rerr)
		}
		return nil
	}

	if derr := w.dispatcher.DeadLetter(wctx, msg, err); derr != nil {
		return fmt.Errorf("dead letter: %w", derr)
	}
	_, terr := w.tasks.Transition(wctx, msg.TaskID, w.id, task.StatusFailed, domain.Sanitize(err))
	return ignoreLeaseLost(terr)
}

// complete records the artifact and chains the task onward.
func (w *Worker) complete(ctx context.Context, log *slog.Logger, t *task.Task, msg messagequeue.StageMessage, step task.Step, ref string) error {
	updated, err := w.tasks.SetOutput(ctx, t.ID, w.id, step.Stage.ArtifactName(), ref)
	if err != nil {
		return ignoreLeaseLost(err)
	}

	if step.Spawn != "" {
		child, created, err := w.tasks.SpawnChild(ctx, updated, step.Spawn)
		if err == nil && child.Status == task.StatusPending {
			err = w.dispatcher.Reenqueue(ctx, child.ID, child.Stage)
		}
		if err != nil {
			return w.fail(ctx, ctx, log, msg, domain.Transient("could not start follow-up task", err))
		}
		log.Info("child task spawned", "child_id", child.ID, "child_type", child.Type, "created", created)
	}

	if next, ok := t.Type.Next(step.Stage); ok {
		if err := w.tasks.AdvanceStage(ctx, t.ID, w.id, next); err != nil {
			return ignoreLeaseLost(err)
		}
		if err := w.dispatcher.Reenqueue(ctx, t.ID, next.Stage); err != nil {
			// The supervisor re-enqueues orphaned tasks once the lease TTL passes.
			log.Error("enqueue next stage failed", "next_stage", next.Stage, "error", err)
		}
		return nil
	}

	_, err = w.tasks.Transition(ctx, t.ID, w.id, task.StatusCompleted, "")
	return ignoreLeaseLost(err)
}

func ignoreLeaseLost(err error) error {
	if errors.Is(err, domain.ErrLeaseLost) || errors.Is(err, domain.ErrInvalidTransition) {
		slog.Warn("task write rejected, another worker owns it", "error", err)
		return nil
	}
	return err
}
