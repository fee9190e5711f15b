package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/task"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/alert"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/messagequeue"
)

func TestDispatcherEnqueueBackpressure(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	require.NoError(t, h.dispatcher.Enqueue(ctx, "t1", stage.Download, nil))
	require.NoError(t, h.dispatcher.Enqueue(ctx, "t2", stage.Download, nil))
	err := h.dispatcher.Enqueue(ctx, "t3", stage.Download, nil)
	assert.ErrorIs(t, err, domain.ErrBackpressure)

	// Other stages are isolated from the download backlog.
	require.NoError(t, h.dispatcher.Enqueue(ctx, "t3", stage.Subtitle, nil))
}

func TestDispatcherTransportFullIsBackpressure(t *testing.T) {
	h := newHarness(t, 0)
	h.queue.publishErr = messagequeue.ErrQueueFull
	err := h.dispatcher.Enqueue(context.Background(), "t1", stage.Download, nil)
	assert.ErrorIs(t, err, domain.ErrBackpressure)
}

func TestDispatcherRetrySchedulesNextAttempt(t *testing.T) {
	h := newHarness(t, 0)
	h.dispatcher.policy.BaseDelay = 5e9
	ctx := context.Background()
	msg := messagequeue.StageMessage{TaskID: "t1", Stage: stage.Transcribe, AttemptCount: 1}

	exhausted, err := h.dispatcher.Retry(ctx, msg, domain.Transient("asr rate limited", errors.New("429")))
	require.NoError(t, err)
	assert.False(t, exhausted)

	next := h.queue.peek(t, stage.Transcribe.Subject())
	assert.Equal(t, 2, next.AttemptCount)
	require.NotNil(t, next.NotBefore)
	assert.Equal(t, h.clock.Now().Add(h.dispatcher.policy.BaseDelay), *next.NotBefore)
}

func TestDispatcherRetryExhaustedDeadLetters(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	msg := messagequeue.StageMessage{TaskID: "t1", Stage: stage.Transcribe, AttemptCount: 3}
	sender := &recordingSender{name: "ops"}
	alerts := NewAlertService([]alert.Sender{sender}, nil)
	h.dispatcher.SetAlerts(alerts)

	exhausted, err := h.dispatcher.Retry(ctx, msg, domain.Transient("asr rate limited", errors.New("HTTP 429 body")))
	require.NoError(t, err)
	assert.True(t, exhausted)

	dls, err := h.dispatcher.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "t1", dls[0].TaskID)
	assert.Equal(t, 3, dls[0].AttemptCount)
	assert.Equal(t, "transient", dls[0].Class)
	assert.Contains(t, dls[0].Error, "HTTP 429 body")

	depth, err := h.queue.Depth(ctx, stage.Transcribe.DeadLetterSubject())
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	got, err := h.dispatcher.GetDeadLetter(ctx, dls[0].ID)
	require.NoError(t, err)
	assert.Equal(t, dls[0].ID, got.ID)

	alerts.Wait()
	require.Equal(t, 1, sender.count())
	assert.Equal(t, alert.EventDeadLetter, sender.sent[0].Event)
	assert.Equal(t, "t1", sender.sent[0].TaskID)
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	h := newHarness(t, 1)
	sub := NewSubmissionService(h.tasks, h.dispatcher)
	ctx := context.Background()

	first, err := sub.Submit(ctx, task.TypeAnalysis, analysisParams)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, first.Status)

	_, err = sub.Submit(ctx, task.TypeAnalysis, analysisParams)
	assert.ErrorIs(t, err, domain.ErrBackpressure)

	_, err = sub.Submit(ctx, task.TypeAnalysis, stage.Params{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSubmitFailsTaskWhenPublishFails(t *testing.T) {
	h := newHarness(t, 0)
	h.queue.publishErr = errors.New("nats: connection closed")
	sub := NewSubmissionService(h.tasks, h.dispatcher)

	_, err := sub.Submit(context.Background(), task.TypeAnalysis, analysisParams)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrBackpressure)
}
