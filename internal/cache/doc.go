/*
Package cache keeps recently used blocks of the local node in memory.

A node's backing store is only ever written through its own block table,
so a write-through cache in front of the store cannot go stale. The cache
is worth enabling for the directory and s3 backends, where every Get
otherwise costs a file read or an object request.

# Usage

	backing, _, _ := store.Open(ctx, cfg.Storage, logger)
	blocks := cache.NewStore(backing, &cache.Config{MaxSize: 64 << 20})

Eviction is least recently used, bounded both by total bytes and by
entry count. Hit, miss and eviction counters are available through
Stats.
*/
package cache
