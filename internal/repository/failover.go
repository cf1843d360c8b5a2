package repository

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"recallbot/internal/domain"
	"recallbot/internal/models"
)

const recoveryInterval = time.Minute

// FailoverCache uses primary until it errors, then serves from fallback and
// probes primary again once per recoveryInterval.
type FailoverCache struct {
	primary   domain.CacheBackend
	fallback  domain.CacheBackend
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverCache(primary, fallback domain.CacheBackend, logger *zerolog.Logger) *FailoverCache {
	return &FailoverCache{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

// usePrimary reports whether the next call should go to primary.
func (r *FailoverCache) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	return time.Since(time.Unix(0, r.lastCheck.Load())) > recoveryInterval
}

func (r *FailoverCache) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary cache failed, falling back to memory")
	}
	r.lastCheck.Store(time.Now().UnixNano())
}

func (r *FailoverCache) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary cache recovered")
	}
}

// Degraded reports whether calls are currently served by the fallback.
func (r *FailoverCache) Degraded() bool {
	return r.isDown.Load()
}

func (r *FailoverCache) GetRemoteEvent(ctx context.Context, id string) (*models.RemoteEvent, error) {
	if r.usePrimary() {
		ev, err := r.primary.GetRemoteEvent(ctx, id)
		if err == nil {
			r.markUp()
			return ev, nil
		}
		r.markDown(err)
	}
	return r.fallback.GetRemoteEvent(ctx, id)
}

func (r *FailoverCache) SetRemoteEvent(ctx context.Context, ev *models.RemoteEvent) error {
	if r.usePrimary() {
		err := r.primary.SetRemoteEvent(ctx, ev)
		if err == nil {
			r.markUp()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.SetRemoteEvent(ctx, ev)
}

func (r *FailoverCache) DeleteRemoteEvent(ctx context.Context, id string) error {
	// both sides may hold a copy
	_ = r.fallback.DeleteRemoteEvent(ctx, id)
	if r.usePrimary() {
		err := r.primary.DeleteRemoteEvent(ctx, id)
		if err == nil {
			r.markUp()
			return nil
		}
		r.markDown(err)
	}
	return nil
}

func (r *FailoverCache) MarkDelivered(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if r.usePrimary() {
		first, err := r.primary.MarkDelivered(ctx, id, ttl)
		if err == nil {
			r.markUp()
			return first, nil
		}
		r.markDown(err)
	}
	return r.fallback.MarkDelivered(ctx, id, ttl)
}
