package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/flybeeper/session-segmenter/internal/segment"
	"github.com/flybeeper/session-segmenter/pkg/utils"
)

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "s-1")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "s-1")
	assert.ErrorIs(t, err, segment.ErrSessionBusy)

	release()
	release() // повторный вызов безопасен

	release, err = l.Acquire(ctx, "s-1")
	require.NoError(t, err)
	release()
}

type mockLockStore struct {
	mock.Mock
}

func (m *mockLockStore) AcquireSessionLock(ctx context.Context, sessionID string, ttl time.Duration) (string, error) {
	args := m.Called(ctx, sessionID, ttl)
	return args.String(0), args.Error(1)
}

func (m *mockLockStore) ReleaseSessionLock(ctx context.Context, sessionID, token string) error {
	return m.Called(ctx, sessionID, token).Error(0)
}

func TestRedisLocker(t *testing.T) {
	store := &mockLockStore{}
	store.On("AcquireSessionLock", mock.Anything, "s-1", time.Minute).Return("token-1", nil).Once()
	store.On("ReleaseSessionLock", mock.Anything, "s-1", "token-1").Return(nil).Once()
	store.On("AcquireSessionLock", mock.Anything, "s-2", time.Minute).Return("", segment.ErrSessionBusy).Once()

	l, err := NewRedisLocker(store, time.Minute, utils.NopLogger())
	require.NoError(t, err)

	release, err := l.Acquire(context.Background(), "s-1")
	require.NoError(t, err)
	release()
	release()

	_, err = l.Acquire(context.Background(), "s-2")
	assert.ErrorIs(t, err, segment.ErrSessionBusy)

	store.AssertExpectations(t)
}

func TestRedisLocker_ReleaseErrorIsLogged(t *testing.T) {
	store := &mockLockStore{}
	store.On("AcquireSessionLock", mock.Anything, "s-1", time.Minute).Return("token-1", nil)
	store.On("ReleaseSessionLock", mock.Anything, "s-1", "token-1").Return(errors.New("redis down"))

	l, err := NewRedisLocker(store, time.Minute, utils.NopLogger())
	require.NoError(t, err)

	release, err := l.Acquire(context.Background(), "s-1")
	require.NoError(t, err)
	assert.NotPanics(t, release)
}

func TestNewRedisLocker_Validation(t *testing.T) {
	_, err := NewRedisLocker(nil, time.Minute, utils.NopLogger())
	assert.Error(t, err)
	_, err = NewRedisLocker(&mockLockStore{}, 0, utils.NopLogger())
	assert.Error(t, err)
	_, err = NewRedisLocker(&mockLockStore{}, time.Minute, nil)
	assert.Error(t, err)
}
