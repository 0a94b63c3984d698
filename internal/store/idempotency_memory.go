package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/taskmesh/taskmesh/internal/domain"
)

const defaultIdempotencyCacheSize = 65536

// MemoryIdempotencyStore is the single-process dedup backend: an LRU keyed
// by message id with TTL-checked entries. Capacity eviction narrows the
// dedup window the same way TTL expiry does, which the delivery contract
// already tolerates.
type MemoryIdempotencyStore struct {
	mu    sync.Mutex
	cache *lru.Cache[uuid.UUID, domain.IdempotencyRecord]
	ttl   time.Duration
	now   func() time.Time
}

func NewMemoryIdempotencyStore(size int, ttl time.Duration) *MemoryIdempotencyStore {
	if size <= 0 {
		size = defaultIdempotencyCacheSize
	}
	cache, _ := lru.New[uuid.UUID, domain.IdempotencyRecord](size)
	return &MemoryIdempotencyStore{cache: cache, ttl: ttl, now: time.Now}
}

func (s *MemoryIdempotencyStore) TryAccept(ctx context.Context, messageID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.cache.Get(messageID); ok {
		if now.Sub(rec.AcceptedAt) < s.ttl {
			return false, nil
		}
		// Expired record: the retention window has passed, accept again.
	}
	s.cache.Add(messageID, domain.IdempotencyRecord{
		MessageID:  messageID,
		AcceptedAt: now,
		Outcome:    domain.IdempotencyPending,
	})
	return true, nil
}

func (s *MemoryIdempotencyStore) MarkApplied(ctx context.Context, messageID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.cache.Get(messageID)
	if !ok {
		return ErrNotFound
	}
	rec.Outcome = domain.IdempotencyApplied
	s.cache.Add(messageID, rec)
	return nil
}

func (s *MemoryIdempotencyStore) PurgeExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var purged int64
	for _, id := range s.cache.Keys() {
		if rec, ok := s.cache.Peek(id); ok && now.Sub(rec.AcceptedAt) >= s.ttl {
			s.cache.Remove(id)
			purged++
		}
	}
	return purged, nil
}
