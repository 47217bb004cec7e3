// Package filesystem is the entry point the front ends use: it binds the
// inode layer to a node's transport and backing store, bootstraps the
// root directory and reports filesystem-wide statistics.
package filesystem

import (
	"context"
	"log/slog"

	"github.com/blockfs/blockfs/internal/inode"
	"github.com/blockfs/blockfs/internal/metrics"
	"github.com/blockfs/blockfs/pkg/types"
	"github.com/blockfs/blockfs/pkg/utils"
)

// Option customizes a FileSystem.
type Option func(*options)

type options struct {
	casAttempts int
	metrics     *metrics.Collector
}

// WithMetrics records inode and store statistics on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(o *options) { o.metrics = collector }
}

// WithCASAttempts bounds the compare-and-swap loop of every record mutation.
func WithCASAttempts(attempts int) Option {
	return func(o *options) { o.casAttempts = attempts }
}

// FileSystem is one node's view of the shared namespace.
type FileSystem struct {
	layer     *inode.Layer
	transport types.Transport
	store     types.BlockStore
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// Info holds filesystem statistics
type Info struct {
	MetadataBlockSize int    `json:"metadata_block_size"`
	DataBlockSize     int    `json:"data_block_size"`
	NameMax           int    `json:"name_max"`
	Identity          uint64 `json:"identity"`
	Population        uint64 `json:"population"`
	Blocks            int64  `json:"blocks"`
	Bytes             int64  `json:"bytes"`
}

// New creates a filesystem over t. store is the node's local backing
// store; it may be nil when the node stores nothing itself.
func New(t types.Transport, store types.BlockStore, logger *slog.Logger, opts ...Option) *FileSystem {
	if logger == nil {
		logger = utils.DiscardLogger()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	return &FileSystem{
		layer: inode.NewLayer(t, inode.Options{
			CASAttempts: o.casAttempts,
			Metrics:     o.metrics,
			Logger:      logger,
		}),
		transport: t,
		store:     store,
		metrics:   o.metrics,
		logger:    logger.With("component", "filesystem"),
	}
}

// Root returns the root directory, creating it on first access.
func (fs *FileSystem) Root(ctx context.Context) (*inode.Handle, error) {
	return fs.layer.Root(ctx)
}

// Handle returns the inode at addr without reading it.
func (fs *FileSystem) Handle(addr types.Address) *inode.Handle {
	return fs.layer.Handle(addr)
}

// Sync flushes the root inode and the local store.
func (fs *FileSystem) Sync(ctx context.Context) error {
	if err := fs.layer.Handle(types.RootAddress).Sync(ctx); err != nil {
		return err
	}
	if syncer, ok := fs.store.(types.Syncer); ok {
		if err := syncer.Sync(ctx); err != nil {
			fs.logger.Error("Store sync failed", "error", err)
			return err
		}
	}
	return nil
}

// Info reports block geometry, membership and local store usage. Usage is
// zero when the store cannot report it.
func (fs *FileSystem) Info(ctx context.Context) (Info, error) {
	info := Info{
		MetadataBlockSize: types.MetadataBlockSize,
		DataBlockSize:     types.DataBlockSize,
		NameMax:           types.NameMax,
		Identity:          fs.transport.Identity(),
		Population:        fs.transport.Population(),
	}

	if provider, ok := fs.store.(types.StatProvider); ok {
		stats, err := provider.Stats(ctx)
		if err != nil {
			return Info{}, err
		}
		info.Blocks = stats.Blocks
		info.Bytes = stats.Bytes
		fs.metrics.UpdateStoreStats(stats.Blocks, stats.Bytes)
	}
	return info, nil
}
