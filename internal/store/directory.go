package store

import (
	"context"
	stderr "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/blockfs/blockfs/pkg/errors"
	"github.com/blockfs/blockfs/pkg/types"
)

var (
	_ types.BlockStore   = (*Directory)(nil)
	_ types.Syncer       = (*Directory)(nil)
	_ types.StatProvider = (*Directory)(nil)
)

// DirectoryConfig represents directory store settings
type DirectoryConfig struct {
	Path        string
	Compression Compression
	// Fsync flushes every block file before it is renamed into place.
	Fsync bool
	// MaxBlockSize bounds decoded payloads. Defaults to 4096.
	MaxBlockSize int
}

// Directory persists each block as a file under root/<2 hex>/<16 hex>.
// Files carry a compression tag and a blake3 digest of the payload, so
// torn or bit-rotted files are reported instead of served.
type Directory struct {
	root   string
	config DirectoryConfig
	logger *slog.Logger
}

// NewDirectory opens (creating if needed) a directory store.
func NewDirectory(config DirectoryConfig, logger *slog.Logger) (*Directory, error) {
	if config.Path == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "directory store path is empty").
			WithComponent("store")
	}
	if config.MaxBlockSize <= 0 {
		config.MaxBlockSize = types.MetadataBlockSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(config.Path, 0750); err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageWrite, "failed to create store directory").
			WithComponent("store").
			WithDetail("path", config.Path).
			WithCause(err)
	}

	return &Directory{
		root:   config.Path,
		config: config,
		logger: logger.With("component", "directory-store", "path", config.Path),
	}, nil
}

func (d *Directory) blockPath(id uint64) string {
	name := fmt.Sprintf("%016x", id)
	return filepath.Join(d.root, name[:2], name)
}

// Get reads and verifies a block file.
func (d *Directory) Get(_ context.Context, id uint64) ([]byte, error) {
	path := d.blockPath(id)
	raw, err := os.ReadFile(path)
	if err != nil {
		if stderr.Is(err, fs.ErrNotExist) {
			return nil, errors.Newf(errors.ErrCodeBlockNotFound, "block %016x not found", id).
				WithComponent("store").
				WithOperation("get")
		}
		return nil, errors.NewError(errors.ErrCodeStorageRead, "failed to read block file").
			WithComponent("store").
			WithOperation("get").
			WithDetail("path", path).
			WithCause(err)
	}

	data, err := decodeFile(raw, d.config.MaxBlockSize)
	if err != nil {
		d.logger.Error("corrupt block file", "block", id, "path", path, "error", err)
		return nil, errors.NewError(errors.ErrCodeStorageRead, "corrupt block file").
			WithComponent("store").
			WithOperation("get").
			WithDetail("path", path).
			WithCause(err)
	}
	return data, nil
}

// Set atomically replaces a block file via a temporary file and rename.
func (d *Directory) Set(_ context.Context, id uint64, data []byte) error {
	encoded, err := encodeFile(data, d.config.Compression)
	if err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "failed to encode block").
			WithComponent("store").
			WithOperation("set").
			WithCause(err)
	}

	path := d.blockPath(id)
	if err := d.writeAtomic(path, encoded); err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "failed to write block file").
			WithComponent("store").
			WithOperation("set").
			WithDetail("path", path).
			WithCause(err)
	}
	return nil
}

func (d *Directory) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if d.config.Fsync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	tmpName = ""
	return nil
}

// Sync flushes the directory entries of the store to disk.
func (d *Directory) Sync(_ context.Context) error {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "failed to list store directory").
			WithComponent("store").
			WithOperation("sync").
			WithCause(err)
	}

	dirs := []string{d.root}
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, filepath.Join(d.root, entry.Name()))
		}
	}

	for _, dir := range dirs {
		if err := syncDir(dir); err != nil {
			return errors.NewError(errors.ErrCodeStorageWrite, "failed to sync store directory").
				WithComponent("store").
				WithOperation("sync").
				WithDetail("path", dir).
				WithCause(err)
		}
	}
	return nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

// Stats counts block files and their on-disk size.
func (d *Directory) Stats(_ context.Context) (types.StoreStats, error) {
	var stats types.StoreStats
	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !isBlockFile(entry.Name()) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		stats.Blocks++
		stats.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return types.StoreStats{}, errors.NewError(errors.ErrCodeStorageRead, "failed to walk store directory").
			WithComponent("store").
			WithOperation("stats").
			WithCause(err)
	}
	return stats, nil
}

func isBlockFile(name string) bool {
	if len(name) != 16 {
		return false
	}
	_, err := strconv.ParseUint(name, 16, 64)
	return err == nil
}
