package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/flybeeper/session-segmenter/internal/models"
	"github.com/flybeeper/session-segmenter/internal/segment"
	"github.com/flybeeper/session-segmenter/pkg/utils"
)

func testQueueConfig() QueueConfig {
	return QueueConfig{Workers: 2, Size: 10, RunsPerSecond: 0, Burst: 1, MaxRetries: 2, RetryDelay: time.Millisecond}
}

func TestRunQueue_ProcessesAndDrains(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.Anything, mock.Anything).Return(okResult("s"), nil)

	q, err := NewRunQueue(runner, testQueueConfig(), utils.NopLogger())
	require.NoError(t, err)

	for _, id := range []string{"s-1", "s-2", "s-3"} {
		require.NoError(t, q.Enqueue(id, models.SessionContext{Mode: models.RunModeComplete}))
	}

	require.NoError(t, q.Stop(context.Background()))

	stats := q.Stats()
	assert.Equal(t, int64(3), stats.Queued)
	assert.Equal(t, int64(3), stats.Completed)
	assert.Zero(t, stats.Failed)
	runner.AssertNumberOfCalls(t, "Run", 3)
}

func TestRunQueue_RetriesTransientErrors(t *testing.T) {
	runner := &mockRunner{}
	transient := &segment.TransientError{Op: "open fix stream", Err: errors.New("timeout")}
	runner.On("Run", mock.Anything, "s-1", mock.Anything).Return(nil, transient).Once()
	runner.On("Run", mock.Anything, "s-1", mock.Anything).Return(okResult("s-1"), nil).Once()

	q, err := NewRunQueue(runner, testQueueConfig(), utils.NopLogger())
	require.NoError(t, err)

	require.NoError(t, q.Enqueue("s-1", models.SessionContext{}))
	require.NoError(t, q.Stop(context.Background()))

	assert.Equal(t, int64(1), q.Stats().Completed)
	runner.AssertExpectations(t)
}

func TestRunQueue_DoesNotRetryPermanentErrors(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, "gone", mock.Anything).Return(nil, segment.ErrSessionNotFound).Once()

	q, err := NewRunQueue(runner, testQueueConfig(), utils.NopLogger())
	require.NoError(t, err)

	require.NoError(t, q.Enqueue("gone", models.SessionContext{}))
	require.NoError(t, q.Stop(context.Background()))

	assert.Equal(t, int64(1), q.Stats().Failed)
	runner.AssertNumberOfCalls(t, "Run", 1)
}

func TestRunQueue_GivesUpAfterMaxRetries(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, "s-1", mock.Anything).Return(nil, segment.ErrSessionBusy)

	q, err := NewRunQueue(runner, testQueueConfig(), utils.NopLogger())
	require.NoError(t, err)

	require.NoError(t, q.Enqueue("s-1", models.SessionContext{}))
	require.NoError(t, q.Stop(context.Background()))

	assert.Equal(t, int64(1), q.Stats().Failed)
	runner.AssertNumberOfCalls(t, "Run", 3)
}

func TestRunQueue_FullAndStopped(t *testing.T) {
	unblock := make(chan struct{})
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-unblock }).
		Return(okResult("s"), nil)

	cfg := testQueueConfig()
	cfg.Workers = 1
	cfg.Size = 1
	q, err := NewRunQueue(runner, cfg, utils.NopLogger())
	require.NoError(t, err)

	// Первый запрос забирает worker, второй занимает буфер
	require.NoError(t, q.Enqueue("s-1", models.SessionContext{}))
	require.Eventually(t, func() bool { return q.Stats().Depth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, q.Enqueue("s-2", models.SessionContext{}))

	assert.ErrorIs(t, q.Enqueue("s-3", models.SessionContext{}), ErrQueueFull)

	close(unblock)
	require.NoError(t, q.Stop(context.Background()))

	assert.ErrorIs(t, q.Enqueue("s-4", models.SessionContext{}), ErrQueueStopped)
	assert.Equal(t, int64(2), q.Stats().Rejected)
	assert.NoError(t, q.Stop(context.Background()), "second stop is a no-op")
}

func TestRunQueue_StopTimeoutCancelsRuns(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.Canceled)

	q, err := NewRunQueue(runner, testQueueConfig(), utils.NopLogger())
	require.NoError(t, err)
	require.NoError(t, q.Enqueue("s-1", models.SessionContext{}))
	require.Eventually(t, func() bool { return q.Stats().Depth == 0 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, q.Stop(ctx))
}

func TestNewRunQueue_Validation(t *testing.T) {
	_, err := NewRunQueue(nil, testQueueConfig(), utils.NopLogger())
	assert.Error(t, err)

	cfg := testQueueConfig()
	cfg.Workers = 0
	_, err = NewRunQueue(&mockRunner{}, cfg, utils.NopLogger())
	assert.Error(t, err)
}
