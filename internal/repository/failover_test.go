package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"recallbot/internal/models"
)

type mockCache struct {
	mock.Mock
}

func (m *mockCache) GetRemoteEvent(ctx context.Context, id string) (*models.RemoteEvent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RemoteEvent), args.Error(1)
}

func (m *mockCache) SetRemoteEvent(ctx context.Context, ev *models.RemoteEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *mockCache) DeleteRemoteEvent(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockCache) MarkDelivered(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, id, ttl)
	return args.Bool(0), args.Error(1)
}

func TestFailoverCache(t *testing.T) {
	primary := new(mockCache)
	fallback := new(mockCache)
	logger := zerolog.New(io.Discard)
	repo := NewFailoverCache(primary, fallback, &logger)
	ctx := context.Background()

	t.Run("PrimarySuccess", func(t *testing.T) {
		ev := &models.RemoteEvent{ID: "E1"}
		primary.On("GetRemoteEvent", ctx, "E1").Return(ev, nil).Once()

		got, err := repo.GetRemoteEvent(ctx, "E1")
		assert.NoError(t, err)
		assert.Equal(t, ev, got)
		assert.False(t, repo.Degraded())
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		ev := &models.RemoteEvent{ID: "E2"}
		primary.On("GetRemoteEvent", ctx, "E2").Return(nil, errors.New("fail")).Once()
		fallback.On("GetRemoteEvent", ctx, "E2").Return(ev, nil).Once()

		got, err := repo.GetRemoteEvent(ctx, "E2")
		assert.NoError(t, err)
		assert.Equal(t, ev, got)
		assert.True(t, repo.Degraded())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("AlreadyDownSkipsPrimary", func(t *testing.T) {
		ev := &models.RemoteEvent{ID: "E3"}
		fallback.On("SetRemoteEvent", ctx, ev).Return(nil).Once()

		assert.NoError(t, repo.SetRemoteEvent(ctx, ev))
		fallback.AssertExpectations(t)
		primary.AssertNotCalled(t, "SetRemoteEvent", ctx, ev)
	})

	t.Run("RecoveryAttempt", func(t *testing.T) {
		repo.isDown.Store(true)
		repo.lastCheck.Store(time.Now().Add(-2 * time.Minute).UnixNano())

		primary.On("GetRemoteEvent", ctx, "E4").Return(nil, nil).Once()

		got, err := repo.GetRemoteEvent(ctx, "E4")
		assert.NoError(t, err)
		assert.Nil(t, got)
		assert.False(t, repo.Degraded())
		primary.AssertExpectations(t)
	})

	t.Run("RecoveryAttemptFail", func(t *testing.T) {
		repo.isDown.Store(true)
		repo.lastCheck.Store(time.Now().Add(-2 * time.Minute).UnixNano())

		primary.On("MarkDelivered", ctx, "d1", time.Minute).Return(false, errors.New("still fail")).Once()
		fallback.On("MarkDelivered", ctx, "d1", time.Minute).Return(true, nil).Once()

		first, err := repo.MarkDelivered(ctx, "d1", time.Minute)
		assert.NoError(t, err)
		assert.True(t, first)
		assert.True(t, repo.Degraded())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("DeleteClearsBoth", func(t *testing.T) {
		repo.isDown.Store(false)
		fallback.On("DeleteRemoteEvent", ctx, "E5").Return(nil).Once()
		primary.On("DeleteRemoteEvent", ctx, "E5").Return(nil).Once()

		assert.NoError(t, repo.DeleteRemoteEvent(ctx, "E5"))
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})
}
