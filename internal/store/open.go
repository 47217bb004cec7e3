package store

import (
	"context"
	"io"
	"log/slog"

	"github.com/blockfs/blockfs/internal/config"
	"github.com/blockfs/blockfs/internal/store/s3"
	"github.com/blockfs/blockfs/pkg/errors"
	"github.com/blockfs/blockfs/pkg/types"
)

// Open constructs the backing store selected by cfg.Backend. The returned
// closer releases store resources and is never nil.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (types.BlockStore, io.Closer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case "", config.BackendMemory:
		logger.Info("using in-memory block store")
		return NewMemory(), nopCloser{}, nil

	case config.BackendDirectory:
		compression, err := ParseCompression(cfg.Directory.Compression)
		if err != nil {
			return nil, nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid directory store compression").
				WithComponent("store").
				WithCause(err)
		}
		dir, err := NewDirectory(DirectoryConfig{
			Path:        cfg.Directory.Path,
			Compression: compression,
			Fsync:       cfg.Directory.Fsync,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using directory block store", "path", cfg.Directory.Path, "compression", compression.String())
		return dir, nopCloser{}, nil

	case config.BackendS3:
		bucket, err := s3.New(ctx, s3.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			Prefix:          cfg.S3.Prefix,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using s3 block store", "bucket", cfg.S3.Bucket, "prefix", cfg.S3.Prefix)
		return bucket, bucket, nil

	default:
		return nil, nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown storage backend %q", cfg.Backend).
			WithComponent("store")
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
