package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/task"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/alert"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/messagequeue"
)

func submit(t *testing.T, h *harness, typ task.Type, p stage.Params) *task.Task {
	t.Helper()
	tk, err := NewSubmissionService(h.tasks, h.dispatcher).Submit(context.Background(), typ, p)
	require.NoError(t, err)
	return tk
}

func snapshot(t *testing.T, h *harness, id string) task.Snapshot {
	t.Helper()
	s, err := h.tasks.Snapshot(context.Background(), id, false)
	require.NoError(t, err)
	return s
}

func TestWorkerAnalysisEndToEnd(t *testing.T) {
	h := newHarness(t, 0)
	tk := submit(t, h, task.TypeAnalysis, analysisParams)

	var seen []task.Snapshot
	observe := func(next func(context.Context, stage.Input, stage.ProgressFunc, int) (stage.Output, error)) func(context.Context, stage.Input, stage.ProgressFunc, int) (stage.Output, error) {
		return func(ctx context.Context, in stage.Input, report stage.ProgressFunc, call int) (stage.Output, error) {
			seen = append(seen, snapshot(t, h, in.TaskID))
			return next(ctx, in, report, call)
		}
	}
	ok := func(_ context.Context, in stage.Input, report stage.ProgressFunc, _ int) (stage.Output, error) {
		report(50, "")
		return stage.Output{Ref: "ref/" + in.Fingerprint}, nil
	}
	h.stages[stage.Download].run = observe(ok)
	h.stages[stage.Transcribe].run = observe(ok)

	assert.Equal(t, task.StatusPending, snapshot(t, h, tk.ID).Status)

	ok1, err := h.deliver(t, stage.Download)
	require.True(t, ok1)
	require.NoError(t, err)
	ok2, err := h.deliver(t, stage.Transcribe)
	require.True(t, ok2)
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, task.StatusRunning, seen[0].Status)
	assert.Equal(t, 10, seen[0].Progress)
	assert.Equal(t, "downloading", seen[0].Message)
	assert.Equal(t, 60, seen[1].Progress)
	assert.Equal(t, "transcribing", seen[1].Message)

	final := snapshot(t, h, tk.ID)
	assert.Equal(t, task.StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Contains(t, final.OutputRefs, "audio")
	assert.Contains(t, final.OutputRefs, "transcript")
	require.Len(t, final.ChildIDs, 1)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)

	child := snapshot(t, h, final.ChildIDs[0])
	assert.Equal(t, task.StatusPending, child.Status)
	assert.Equal(t, tk.ID, child.ParentID)
	assert.Equal(t, child.TaskID, h.queue.peek(t, stage.Subtitle.Subject()).TaskID)

	ok3, err := h.deliver(t, stage.Subtitle)
	require.True(t, ok3)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, snapshot(t, h, child.TaskID).Status)
	assert.Equal(t, task.StatusCompleted, snapshot(t, h, tk.ID).Status, "child completion leaves parent untouched")
}

func TestWorkerRetryWithinBudgetCompletes(t *testing.T) {
	for _, tc := range []struct {
		name     string
		failures int
		want     task.Status
		dead     int
	}{
		{"succeeds on last attempt", 2, task.StatusCompleted, 0},
		{"exceeds budget", 3, task.StatusFailed, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 0)
			h.stages[stage.Subtitle].run = func(_ context.Context, in stage.Input, _ stage.ProgressFunc, call int) (stage.Output, error) {
				if call <= tc.failures {
					return stage.Output{}, domain.Transient("translation provider unavailable", errors.New("HTTP 503 secret"))
				}
				return stage.Output{Ref: "subtitles/" + in.Fingerprint + ".srt"}, nil
			}
			tk := submit(t, h, task.TypeSubtitleProcessing, stage.Params{TranscriptRef: "transcripts/a.json"})
			h.drain(t)

			got := snapshot(t, h, tk.ID)
			assert.Equal(t, tc.want, got.Status)
			dls, err := h.dispatcher.ListDeadLetters(context.Background(), 0)
			require.NoError(t, err)
			assert.Len(t, dls, tc.dead)
			if tc.dead > 0 {
				assert.Equal(t, "transient: translation provider unavailable", got.Error)
				assert.NotContains(t, got.Error, "secret")
				assert.Equal(t, 3, dls[0].AttemptCount)
			}
		})
	}
}

func TestWorkerFatalFailsImmediately(t *testing.T) {
	h := newHarness(t, 0)
	h.stages[stage.Transcribe].run = func(context.Context, stage.Input, stage.ProgressFunc, int) (stage.Output, error) {
		return stage.Output{}, domain.Fatal("unsupported audio format", errors.New("ffprobe: codec xyz"))
	}
	tk := submit(t, h, task.TypeTranscription, stage.Params{AudioRef: "audio/a.mp3"})
	h.drain(t)

	got := snapshot(t, h, tk.ID)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, "fatal: unsupported audio format", got.Error)
	assert.Equal(t, int32(1), h.stages[stage.Transcribe].calls.Load())

	dls, err := h.dispatcher.ListDeadLetters(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "fatal", dls[0].Class)
}

func TestWorkerDropsDuplicateDelivery(t *testing.T) {
	h := newHarness(t, 0)
	tk := submit(t, h, task.TypeTranscription, stage.Params{AudioRef: "audio/a.mp3"})
	_, ok, err := h.tasks.AcquireLease(context.Background(), tk.ID, "other-worker")
	require.NoError(t, err)
	require.True(t, ok)

	delivered, err := h.deliver(t, stage.Transcribe)
	require.True(t, delivered)
	require.NoError(t, err, "duplicate is acknowledged")
	assert.Equal(t, int32(0), h.stages[stage.Transcribe].calls.Load())
}

func TestWorkerCacheHitSkipsHandlerButReportsProgress(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	p := stage.Params{AudioRef: "audio/a.mp3"}
	fp, err := h.artifacts.Fingerprint(stage.Transcribe, stage.CacheInputFor(stage.Transcribe, p, nil))
	require.NoError(t, err)
	_, err = h.artifacts.Store(ctx, fp, "transcripts/cached.json")
	require.NoError(t, err)

	tk := submit(t, h, task.TypeTranscription, p)
	h.drain(t)

	got := snapshot(t, h, tk.ID)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "transcripts/cached.json", got.OutputRefs["transcript"])
	assert.Equal(t, int32(0), h.stages[stage.Transcribe].calls.Load())
}

func TestWorkerCancelPendingNeverRuns(t *testing.T) {
	h := newHarness(t, 0)
	tk := submit(t, h, task.TypeAnalysis, analysisParams)
	_, err := NewSubmissionService(h.tasks, h.dispatcher).Cancel(context.Background(), tk.ID)
	require.NoError(t, err)

	h.drain(t)
	assert.Equal(t, task.StatusCancelled, snapshot(t, h, tk.ID).Status)
	assert.Equal(t, int32(0), h.stages[stage.Download].calls.Load())
}

func TestWorkerCancelRunningIsCooperative(t *testing.T) {
	h := newHarness(t, 0)
	started := make(chan struct{})
	h.stages[stage.Download].run = func(ctx context.Context, _ stage.Input, _ stage.ProgressFunc, _ int) (stage.Output, error) {
		close(started)
		<-ctx.Done()
		return stage.Output{}, ctx.Err()
	}
	tk := submit(t, h, task.TypeAnalysis, analysisParams)

	done := make(chan error, 1)
	go func() {
		_, err := h.deliver(t, stage.Download)
		done <- err
	}()
	<-started

	got, err := h.tasks.RequestCancel(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status)
	assert.True(t, got.CancelRequested)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not observe cancellation")
	}
	final := snapshot(t, h, tk.ID)
	assert.Equal(t, task.StatusCancelled, final.Status)
	assert.Empty(t, final.Error)
	dls, err := h.dispatcher.ListDeadLetters(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, dls)
}

func TestWorkerDefersFutureRetry(t *testing.T) {
	h := newHarness(t, 0)
	nb := h.clock.Now().Add(time.Minute)
	subject, data, err := messagequeue.Encode(messagequeue.StageMessage{TaskID: "t", Stage: stage.Download, AttemptCount: 2, NotBefore: &nb})
	require.NoError(t, err)

	err = h.worker.HandleMessage(context.Background(), subject, data)
	d, ok := messagequeue.AsDefer(err)
	require.True(t, ok)
	assert.Equal(t, time.Minute, d)
}

type busyGate struct{}

func (busyGate) Admit(context.Context) (bool, string) { return false, "cpu 97%" }

func TestWorkerDefersWhenHostBusy(t *testing.T) {
	h := newHarness(t, 0)
	h.worker.SetGate(busyGate{})
	tk := submit(t, h, task.TypeTranscription, stage.Params{AudioRef: "audio/a.mp3"})

	delivered, err := h.deliver(t, stage.Transcribe)
	require.True(t, delivered)
	_, deferred := messagequeue.AsDefer(err)
	assert.True(t, deferred)
	assert.Equal(t, task.StatusPending, snapshot(t, h, tk.ID).Status)
}

func TestWorkerCrashRecoveryWritesSingleCacheEntry(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	tk := submit(t, h, task.TypeTranscription, stage.Params{AudioRef: "audio/a.mp3"})

	// A first worker claims the task and dies without renewing.
	_, ok, err := h.tasks.AcquireLease(ctx, tk.ID, "crashed-worker")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.tasks.UpdateProgress(ctx, tk.ID, "crashed-worker", 40, "transcribing"))
	_, _ = h.queue.pop(stage.Transcribe.Subject())

	sup := NewSupervisor(h.tasks, h.dispatcher, time.Second, 0)
	sup.Sweep(ctx)
	assert.Equal(t, task.StatusRunning, snapshot(t, h, tk.ID).Status, "lease still valid")

	h.clock.Advance(31 * time.Second)
	sup.Sweep(ctx)
	reclaimed := snapshot(t, h, tk.ID)
	assert.Equal(t, task.StatusPending, reclaimed.Status)
	assert.Equal(t, 40, reclaimed.Progress, "reclaim leaves progress alone")

	h.drain(t)
	final := snapshot(t, h, tk.ID)
	assert.Equal(t, task.StatusCompleted, final.Status)
	assert.Equal(t, int32(1), h.stages[stage.Transcribe].calls.Load())

	fp, err := h.artifacts.Fingerprint(stage.Transcribe, stage.CacheInputFor(stage.Transcribe, tk.InputParams, nil))
	require.NoError(t, err)
	ref, hit, err := h.artifacts.Lookup(ctx, stage.Transcribe, fp)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, final.OutputRefs["transcript"], ref)
}

func TestSupervisorFailsOverBudgetTasks(t *testing.T) {
	h := newHarness(t, 0)
	tk := submit(t, h, task.TypeAnalysis, analysisParams)
	h.clock.Advance(3 * time.Hour)

	sender := &recordingSender{name: "ops"}
	alerts := NewAlertService([]alert.Sender{sender}, nil)
	sup := NewSupervisor(h.tasks, h.dispatcher, time.Second, 2*time.Hour)
	sup.SetAlerts(alerts)

	sup.Sweep(context.Background())
	got := snapshot(t, h, tk.ID)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, "fatal: wall-clock budget exceeded", got.Error)

	alerts.Wait()
	require.Equal(t, 1, sender.count())
	assert.Equal(t, alert.EventBudgetExceeded, sender.sent[0].Event)
	assert.Equal(t, tk.ID, sender.sent[0].TaskID)

	// A second sweep finds nothing left to fail.
	sup.Sweep(context.Background())
	alerts.Wait()
	assert.Equal(t, 1, sender.count())
}
