package fuse

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/blockfs/blockfs/internal/filesystem"
	"github.com/blockfs/blockfs/pkg/errors"
	"github.com/blockfs/blockfs/pkg/utils"
)

// MountConfig contains mount-specific configuration
type MountConfig struct {
	MountPoint   string
	FSName       string
	AllowOther   bool
	Debug        bool
	AttrTimeout  time.Duration
	EntryTimeout time.Duration
	UID          uint32
	GID          uint32
}

// MountManager manages FUSE mount operations
type MountManager struct {
	fsys   *filesystem.FileSystem
	config MountConfig
	logger *slog.Logger

	mu      sync.Mutex
	server  *fuse.Server
	tree    *tree
	mounted bool
}

// NewMountManager creates a new mount manager. Zero UID and GID default to
// the calling process's.
func NewMountManager(fsys *filesystem.FileSystem, config MountConfig, logger *slog.Logger) *MountManager {
	if logger == nil {
		logger = utils.DiscardLogger()
	}
	if config.FSName == "" {
		config.FSName = "blockfs"
	}
	if config.AttrTimeout == 0 {
		config.AttrTimeout = time.Second
	}
	if config.EntryTimeout == 0 {
		config.EntryTimeout = time.Second
	}
	if config.UID == 0 && config.GID == 0 {
		config.UID = uint32(os.Getuid())
		config.GID = uint32(os.Getgid())
	}

	return &MountManager{
		fsys:   fsys,
		config: config,
		logger: logger.With("component", "fuse"),
	}
}

// Mount bootstraps the root directory and mounts it at the mount point.
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return errors.NewError(errors.ErrCodeMountFailed, "filesystem is already mounted").
			WithComponent("fuse")
	}
	if err := m.validateMountPoint(); err != nil {
		return errors.NewError(errors.ErrCodeMountFailed, "invalid mount point").
			WithComponent("fuse").
			WithCause(err)
	}

	root, err := m.fsys.Root(ctx)
	if err != nil {
		return errors.NewError(errors.ErrCodeMountFailed, "cannot open root directory").
			WithComponent("fuse").
			WithCause(err)
	}

	t := &tree{fsys: m.fsys, uid: m.config.UID, gid: m.config.GID, logger: m.logger}
	server, err := fs.Mount(m.config.MountPoint, &Node{tree: t, handle: root}, m.buildOptions())
	if err != nil {
		return errors.NewError(errors.ErrCodeMountFailed, "failed to mount filesystem").
			WithComponent("fuse").
			WithDetail("mount_point", m.config.MountPoint).
			WithCause(err)
	}

	m.server = server
	m.tree = t
	m.mounted = true
	m.logger.Info("Filesystem mounted", "mount_point", m.config.MountPoint)

	go func() {
		server.Wait()
		m.mu.Lock()
		if m.server == server {
			m.mounted = false
		}
		m.mu.Unlock()
		m.logger.Info("FUSE server stopped", "mount_point", m.config.MountPoint)
	}()
	return nil
}

// Unmount unmounts the filesystem
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mounted || m.server == nil {
		return errors.NewError(errors.ErrCodeMountFailed, "filesystem is not mounted").
			WithComponent("fuse")
	}

	if err := m.server.Unmount(); err != nil {
		m.logger.Warn("Normal unmount failed, trying lazy unmount", "error", err)
		if forceErr := syscall.Unmount(m.config.MountPoint, syscall.MNT_DETACH); forceErr != nil {
			return errors.NewError(errors.ErrCodeMountFailed, "unmount failed").
				WithComponent("fuse").
				WithCause(fmt.Errorf("%w (lazy unmount: %v)", err, forceErr))
		}
	}

	m.mounted = false
	m.server = nil
	m.logger.Info("Filesystem unmounted", "mount_point", m.config.MountPoint)
	return nil
}

// IsMounted reports whether the filesystem is currently mounted.
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// MountPoint returns the configured mount point.
func (m *MountManager) MountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the filesystem is unmounted.
func (m *MountManager) Wait() {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server != nil {
		server.Wait()
	}
}

// GetStats returns filesystem statistics
func (m *MountManager) GetStats() Stats {
	m.mu.Lock()
	t := m.tree
	m.mu.Unlock()
	if t == nil {
		return Stats{}
	}
	return t.snapshot()
}

func (t *tree) snapshot() Stats {
	return Stats{
		Lookups:      t.stats.lookups.Load(),
		Reads:        t.stats.reads.Load(),
		Writes:       t.stats.writes.Load(),
		Creates:      t.stats.creates.Load(),
		Deletes:      t.stats.deletes.Load(),
		BytesRead:    t.stats.bytesRead.Load(),
		BytesWritten: t.stats.bytesWritten.Load(),
		Errors:       t.stats.errors.Load(),
	}
}

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", m.config.MountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.config.MountPoint)
	}

	if isMounted(m.config.MountPoint) {
		return fmt.Errorf("mount point %s is already mounted", m.config.MountPoint)
	}
	return nil
}

func (m *MountManager) buildOptions() *fs.Options {
	attrTimeout := m.config.AttrTimeout
	entryTimeout := m.config.EntryTimeout

	return &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       m.config.FSName,
			FsName:     m.config.FSName,
			Debug:      m.config.Debug,
			AllowOther: m.config.AllowOther,
		},
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
		UID:          m.config.UID,
		GID:          m.config.GID,
	}
}

// isMounted checks /proc/mounts for the mount point.
func isMounted(mountPoint string) bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}

	target := filepath.Clean(mountPoint)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == target {
			return true
		}
	}
	return false
}
