// Package store provides the backing block stores a node's block table
// persists into.
package store

import (
	"context"
	"sync"

	"github.com/blockfs/blockfs/pkg/errors"
	"github.com/blockfs/blockfs/pkg/types"
)

var (
	_ types.BlockStore   = (*Memory)(nil)
	_ types.StatProvider = (*Memory)(nil)
)

// Memory keeps blocks in a process-local map. Contents do not survive a
// restart.
type Memory struct {
	mu     sync.RWMutex
	blocks map[uint64][]byte
	bytes  int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blocks: make(map[uint64][]byte)}
}

// Get returns a copy of the block.
func (m *Memory) Get(_ context.Context, id uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blocks[id]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeBlockNotFound, "block %016x not found", id).
			WithComponent("store").
			WithOperation("get")
	}
	return append([]byte(nil), data...), nil
}

// Set stores a copy of data.
func (m *Memory) Set(_ context.Context, id uint64, data []byte) error {
	copied := append([]byte(nil), data...)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.bytes += int64(len(copied)) - int64(len(m.blocks[id]))
	m.blocks[id] = copied
	return nil
}

// Stats reports the number of stored blocks and their total size.
func (m *Memory) Stats(_ context.Context) (types.StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return types.StoreStats{Blocks: int64(len(m.blocks)), Bytes: m.bytes}, nil
}
