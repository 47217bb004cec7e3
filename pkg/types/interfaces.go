package types

import (
	"context"
)

// Transport is the node-addressed block store. Every block is reached
// through a 128-bit Address; blocks owned by the local node are served
// in-process and all others through a network round trip to the owner.
//
// Get and set are atomic per block: a concurrent reader observes either
// the old or the new content in full.
type Transport interface {
	// Identity returns the caller's own node id.
	Identity() uint64
	// Population returns the number of nodes in the deployment.
	Population() uint64

	// Read returns the full current content of the block, or a
	// BLOCK_NOT_FOUND error if it was never written.
	Read(ctx context.Context, addr Address) ([]byte, error)
	// Write atomically replaces the block's content.
	Write(ctx context.Context, addr Address, data []byte) error
	// CompareAndSwap replaces the block's content with replacement only
	// if its current content equals expected. An empty expected means
	// the block must be absent.
	CompareAndSwap(ctx context.Context, addr Address, expected, replacement []byte) (bool, error)

	// Allocate returns a block id that is not in use on the caller's
	// node with high probability.
	Allocate() uint64
}

// BlockStore persists blocks owned by the local node. Get returns a
// BLOCK_NOT_FOUND error for ids that were never set.
type BlockStore interface {
	Get(ctx context.Context, id uint64) ([]byte, error)
	Set(ctx context.Context, id uint64, data []byte) error
}

// Syncer is implemented by stores that buffer writes.
type Syncer interface {
	Sync(ctx context.Context) error
}

// StatProvider is implemented by stores that can report usage.
type StatProvider interface {
	Stats(ctx context.Context) (StoreStats, error)
}
