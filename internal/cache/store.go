package cache

import (
	"context"

	"github.com/blockfs/blockfs/pkg/types"
)

var (
	_ types.BlockStore   = (*Store)(nil)
	_ types.Syncer       = (*Store)(nil)
	_ types.StatProvider = (*Store)(nil)
)

// Store is a write-through cache in front of a backing BlockStore.
// It is only coherent while it is the backing store's sole writer.
type Store struct {
	backing types.BlockStore
	lru     *LRU
}

// NewStore wraps backing with an LRU sized by config.
func NewStore(backing types.BlockStore, config *Config) *Store {
	return &Store{backing: backing, lru: NewLRU(config)}
}

// Get serves the block from memory, falling back to the backing store.
// Misses are not cached.
func (s *Store) Get(ctx context.Context, id uint64) ([]byte, error) {
	if data, ok := s.lru.Get(id); ok {
		return data, nil
	}
	data, err := s.backing.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.lru.Put(id, data)
	return data, nil
}

// Set writes to the backing store first and caches only on success.
func (s *Store) Set(ctx context.Context, id uint64, data []byte) error {
	if err := s.backing.Set(ctx, id, data); err != nil {
		s.lru.Delete(id)
		return err
	}
	s.lru.Put(id, data)
	return nil
}

// Sync forwards to the backing store when it buffers writes.
func (s *Store) Sync(ctx context.Context) error {
	if syncer, ok := s.backing.(types.Syncer); ok {
		return syncer.Sync(ctx)
	}
	return nil
}

// Stats reports the backing store's usage, or zero when it cannot.
func (s *Store) Stats(ctx context.Context) (types.StoreStats, error) {
	if provider, ok := s.backing.(types.StatProvider); ok {
		return provider.Stats(ctx)
	}
	return types.StoreStats{}, nil
}

// CacheStats returns the LRU counters.
func (s *Store) CacheStats() Stats {
	return s.lru.Stats()
}
