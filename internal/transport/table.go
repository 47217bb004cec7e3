package transport

import (
	"bytes"
	"context"
	"sync"

	"github.com/blockfs/blockfs/pkg/errors"
	"github.com/blockfs/blockfs/pkg/types"
)

const shardCount = 256

// BlockTable is a node's view of its own blocks. Each block id hashes to
// one of 256 reader/writer locks, so operations on a block are atomic with
// respect to each other while unrelated blocks proceed in parallel.
//
// A zero-length block is indistinguishable from an absent one, matching
// the wire encoding of READ responses.
type BlockTable struct {
	store  types.BlockStore
	shards [shardCount]sync.RWMutex
}

// NewBlockTable wraps a backing store.
func NewBlockTable(store types.BlockStore) *BlockTable {
	return &BlockTable{store: store}
}

// Store returns the backing store.
func (t *BlockTable) Store() types.BlockStore {
	return t.store
}

func (t *BlockTable) shard(id uint64) *sync.RWMutex {
	// Fold the high bits in so sequential and random ids both spread.
	return &t.shards[(id^(id>>8)^(id>>16)^(id>>32))%shardCount]
}

// Get returns the block's content or a BLOCK_NOT_FOUND error.
func (t *BlockTable) Get(ctx context.Context, id uint64) ([]byte, error) {
	lock := t.shard(id)
	lock.RLock()
	defer lock.RUnlock()
	return t.load(ctx, id)
}

// Set replaces the block's content.
func (t *BlockTable) Set(ctx context.Context, id uint64, data []byte) error {
	if len(data) > types.MetadataBlockSize {
		return oversized(len(data))
	}

	lock := t.shard(id)
	lock.Lock()
	defer lock.Unlock()
	return t.store.Set(ctx, id, data)
}

// CompareAndSwap replaces the block with replacement only if it currently
// holds expected. An empty expected matches an absent block.
func (t *BlockTable) CompareAndSwap(ctx context.Context, id uint64, expected, replacement []byte) (bool, error) {
	if len(replacement) > types.MetadataBlockSize {
		return false, oversized(len(replacement))
	}

	lock := t.shard(id)
	lock.Lock()
	defer lock.Unlock()

	current, err := t.load(ctx, id)
	if err != nil && !errors.IsNotFound(err) {
		return false, err
	}
	if !bytes.Equal(current, expected) {
		return false, nil
	}
	if err := t.store.Set(ctx, id, replacement); err != nil {
		return false, err
	}
	return true, nil
}

func (t *BlockTable) load(ctx context.Context, id uint64) ([]byte, error) {
	data, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.Newf(errors.ErrCodeBlockNotFound, "block %016x is empty", id).
			WithComponent("transport").
			WithOperation("get")
	}
	return data, nil
}

func oversized(n int) error {
	return errors.Newf(errors.ErrCodeInvalidParameter,
		"block of %d bytes exceeds capacity %d", n, types.MetadataBlockSize).
		WithComponent("transport")
}
