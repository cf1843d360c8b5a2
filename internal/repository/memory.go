package repository

import (
	"context"
	"sync"
	"time"

	"recallbot/internal/models"
)

type memoryEntry struct {
	event     *models.RemoteEvent
	expiresAt time.Time
}

// MemoryCache is the in-process counterpart of RedisCache.
type MemoryCache struct {
	events sync.Map
	ttl    time.Duration
	now    func() time.Time

	mu         sync.Mutex
	deliveries map[string]time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:        ttl,
		now:        time.Now,
		deliveries: make(map[string]time.Time),
	}
}

func (r *MemoryCache) GetRemoteEvent(_ context.Context, id string) (*models.RemoteEvent, error) {
	val, ok := r.events.Load(id)
	if !ok {
		return nil, nil
	}
	entry := val.(memoryEntry)
	if r.now().After(entry.expiresAt) {
		r.events.Delete(id)
		return nil, nil
	}
	return entry.event, nil
}

func (r *MemoryCache) SetRemoteEvent(_ context.Context, ev *models.RemoteEvent) error {
	r.events.Store(ev.ID, memoryEntry{event: ev, expiresAt: r.now().Add(r.ttl)})
	return nil
}

func (r *MemoryCache) DeleteRemoteEvent(_ context.Context, id string) error {
	r.events.Delete(id)
	return nil
}

func (r *MemoryCache) MarkDelivered(_ context.Context, id string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for k, exp := range r.deliveries {
		if !now.Before(exp) {
			delete(r.deliveries, k)
		}
	}
	if _, ok := r.deliveries[id]; ok {
		return false, nil
	}
	r.deliveries[id] = now.Add(ttl)
	return true, nil
}
