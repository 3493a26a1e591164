package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"offsync/internal/domain"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockBackend) Set(ctx context.Context, key string, value []byte) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func TestFailoverBackend(t *testing.T) {
	primary := new(mockBackend)
	fallback := NewMemoryBackend()
	logger := zerolog.New(io.Discard)
	repo := NewFailoverBackend(primary, fallback, time.Minute, &logger)
	ctx := context.Background()

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return clock }

	t.Run("PrimarySuccess", func(t *testing.T) {
		primary.On("Get", ctx, "q").Return([]byte("v1"), nil).Once()

		got, err := repo.Get(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)
		assert.False(t, repo.Down())
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryNotFoundIsNotAFailure", func(t *testing.T) {
		primary.On("Get", ctx, "missing").Return(nil, domain.ErrNotFound).Once()

		_, err := repo.Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.False(t, repo.Down())
		primary.AssertExpectations(t)
	})

	t.Run("SetFailsOver", func(t *testing.T) {
		primary.On("Set", ctx, "q", []byte("v2")).Return(errors.New("connection refused")).Once()

		require.NoError(t, repo.Set(ctx, "q", []byte("v2")))
		assert.True(t, repo.Down())

		got, err := fallback.Get(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
		primary.AssertExpectations(t)
	})

	t.Run("ReadsServedByFallbackWhileDown", func(t *testing.T) {
		got, err := repo.Get(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)

		_, err = repo.Get(ctx, "state")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrNotFound)
		primary.AssertExpectations(t)
	})

	t.Run("RecoveryAttemptFail", func(t *testing.T) {
		clock = clock.Add(2 * time.Minute)
		primary.On("Set", ctx, "q", []byte("v2")).Return(errors.New("still down")).Once()

		got, err := repo.Get(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
		assert.True(t, repo.Down())
		primary.AssertExpectations(t)
	})

	t.Run("RecoveryReplaysWrites", func(t *testing.T) {
		clock = clock.Add(2 * time.Minute)
		primary.On("Set", ctx, "q", []byte("v2")).Return(nil).Once()
		primary.On("Get", ctx, "q").Return([]byte("v2"), nil).Once()

		got, err := repo.Get(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
		assert.False(t, repo.Down())
		primary.AssertExpectations(t)
	})

	t.Run("GetFailsOverToWrittenKey", func(t *testing.T) {
		primary.On("Set", ctx, "q", []byte("v3")).Return(errors.New("timeout")).Once()
		require.NoError(t, repo.Set(ctx, "q", []byte("v3")))

		got, err := repo.Get(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, []byte("v3"), got)
		primary.AssertExpectations(t)
	})
}

func TestNewFailoverBackendDefaults(t *testing.T) {
	repo := NewFailoverBackend(NewMemoryBackend(), NewMemoryBackend(), 0, nil)
	assert.Equal(t, defaultRecoveryInterval, repo.interval)
	assert.NotNil(t, repo.logger)
}
