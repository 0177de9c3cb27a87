package busy

import (
	"context"
	"errors"
	"time"

	"github.com/coocood/freecache"
)

// MemoryStore keeps busy entries in a process-local freecache.
// It only provides mutual exclusion within one process.
type MemoryStore struct {
	cache *freecache.Cache
}

// NewMemoryStore creates a store with sizeBytes of cache memory.
func NewMemoryStore(sizeBytes int) *MemoryStore {
	return &MemoryStore{cache: freecache.NewCache(sizeBytes)}
}

func expireSeconds(ttl time.Duration) int {
	s := int(ttl / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

// SetIfAbsent implements Store with freecache's atomic GetOrSet.
func (s *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	prev, err := s.cache.GetOrSet([]byte(key), []byte(value), expireSeconds(ttl))
	if err != nil {
		return false, err
	}
	return prev == nil, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	return s.cache.Set([]byte(key), []byte(value), expireSeconds(ttl))
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	val, err := s.cache.Get([]byte(key))
	if errors.Is(err, freecache.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(val), true, nil
}

// ExistsAny implements Store.
func (s *MemoryStore) ExistsAny(ctx context.Context, keys ...string) (bool, error) {
	for _, k := range keys {
		_, ok, err := s.Get(ctx, k)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.cache.Del([]byte(key))
	return nil
}
