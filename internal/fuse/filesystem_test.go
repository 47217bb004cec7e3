package fuse

import (
	"context"
	"fmt"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockfs/blockfs/internal/filesystem"
	"github.com/blockfs/blockfs/internal/inode"
	"github.com/blockfs/blockfs/internal/store"
	"github.com/blockfs/blockfs/internal/transport"
	"github.com/blockfs/blockfs/pkg/errors"
	"github.com/blockfs/blockfs/pkg/types"
	"github.com/blockfs/blockfs/pkg/utils"
)

func newFS(t *testing.T) *filesystem.FileSystem {
	t.Helper()
	backing := store.NewMemory()
	node, err := transport.New(transport.Config{Population: 1}, transport.NewBlockTable(backing), nil, nil)
	require.NoError(t, err)
	return filesystem.New(node, backing, utils.DiscardLogger())
}

func TestToErrno(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"nil", nil, 0},
		{"block not found", errors.NewError(errors.ErrCodeBlockNotFound, "x"), syscall.ENOENT},
		{"entry not found", errors.NewError(errors.ErrCodeEntryNotFound, "x"), syscall.ENOENT},
		{"not directory", errors.NewError(errors.ErrCodeNotDirectory, "x"), syscall.ENOTDIR},
		{"not file", errors.NewError(errors.ErrCodeNotFile, "x"), syscall.EISDIR},
		{"exists", errors.NewError(errors.ErrCodeEntryExists, "x"), syscall.EEXIST},
		{"invalid", errors.NewError(errors.ErrCodeInvalidParameter, "x"), syscall.EINVAL},
		{"transport", errors.NewError(errors.ErrCodeTransportFailure, "x"), syscall.EIO},
		{"conflict", errors.NewError(errors.ErrCodeConflict, "x"), syscall.EIO},
		{"wrapped", fmt.Errorf("lookup: %w", errors.NewError(errors.ErrCodeEntryExists, "x")), syscall.EEXIST},
		{"plain", fmt.Errorf("boom"), syscall.EIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToErrno(tt.err); got != tt.want {
				t.Errorf("ToErrno(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestKindMode(t *testing.T) {
	tests := []struct {
		kind inode.Kind
		want uint32
	}{
		{inode.KindFile, syscall.S_IFREG},
		{inode.KindDirectory, syscall.S_IFDIR},
		{inode.KindSymLink, syscall.S_IFLNK},
		{inode.KindCharDevice, syscall.S_IFCHR},
		{inode.KindBlockDevice, syscall.S_IFBLK},
		{inode.KindNamedPipe, syscall.S_IFIFO},
		{inode.KindSocket, syscall.S_IFSOCK},
	}
	for _, tt := range tests {
		if got := KindMode(tt.kind); got != tt.want {
			t.Errorf("KindMode(%v) = %o, want %o", tt.kind, got, tt.want)
		}
	}
}

func TestFillAttr(t *testing.T) {
	var attr fuse.Attr
	FillAttr(inode.Metadata{
		Ino:       42,
		Kind:      inode.KindFile,
		Mode:      0o644,
		Size:      1000,
		BlockSize: types.DataBlockSize,
		Nlinks:    1,
	}, 1000, 100, &attr)

	assert.Equal(t, uint64(42), attr.Ino)
	assert.Equal(t, uint64(1000), attr.Size)
	assert.Equal(t, uint64(2), attr.Blocks)
	assert.Equal(t, uint32(types.DataBlockSize), attr.Blksize)
	assert.Equal(t, uint32(syscall.S_IFREG|0o644), attr.Mode)
	assert.Equal(t, uint32(1), attr.Nlink)
	assert.Equal(t, uint32(1000), attr.Uid)
	assert.Equal(t, uint32(100), attr.Gid)

	FillAttr(inode.Metadata{Kind: inode.KindDirectory, Mode: 0o777, Nlinks: 1}, 0, 0, &attr)
	assert.Equal(t, uint32(syscall.S_IFDIR|0o777), attr.Mode)
	assert.Equal(t, uint32(2), attr.Nlink)
}

func TestReadRange(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t)
	root, err := fsys.Root(ctx)
	require.NoError(t, err)
	file, err := root.Create(ctx, "data", inode.KindFile, 0o644)
	require.NoError(t, err)

	content := make([]byte, 1300)
	for i := range content {
		content[i] = byte(i)
	}
	_, err = file.WriteAt(ctx, 0, content)
	require.NoError(t, err)

	tests := []struct {
		name   string
		off    uint64
		length int
		want   []byte
	}{
		{"whole file", 0, 4096, content},
		{"spans blocks", 500, 600, content[500:1100]},
		{"clamped to size", 1200, 500, content[1200:]},
		{"at end", 1300, 10, []byte{}},
		{"past end", 5000, 10, []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := make([]byte, tt.length)
			n, err := ReadRange(ctx, file, dest, tt.off)
			require.NoError(t, err)
			assert.Equal(t, tt.want, dest[:n])
		})
	}

	// Resize beyond the written bytes exposes zeros up to the new size.
	require.NoError(t, file.Resize(ctx, 1400))
	dest := make([]byte, 200)
	n, err := ReadRange(ctx, file, dest, 1300)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 100), dest[:n])

	_, err = ReadRange(ctx, root, dest, 0)
	assert.NoError(t, err, "directories report size zero")
}

func TestTreeErrnoCounts(t *testing.T) {
	tr := &tree{logger: utils.DiscardLogger()}
	got := tr.errno("lookup", types.RootAddress, errors.NewError(errors.ErrCodeEntryNotFound, "x"))
	assert.Equal(t, syscall.ENOENT, got)
	got = tr.errno("read", types.RootAddress, errors.NewError(errors.ErrCodeTransportFailure, "x"))
	assert.Equal(t, syscall.EIO, got)
	assert.Equal(t, int64(2), tr.snapshot().Errors)
}

func TestMountManagerRejectsBadMountPoint(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t)

	missing := NewMountManager(fsys, MountConfig{MountPoint: filepath.Join(t.TempDir(), "absent")}, nil)
	err := missing.Mount(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeMountFailed))
	assert.False(t, missing.IsMounted())

	empty := NewMountManager(fsys, MountConfig{}, nil)
	assert.True(t, errors.HasCode(empty.Mount(ctx), errors.ErrCodeMountFailed))

	assert.True(t, errors.HasCode(empty.Unmount(), errors.ErrCodeMountFailed))
	assert.Equal(t, Stats{}, empty.GetStats())
}

func TestMountConfigDefaults(t *testing.T) {
	m := NewMountManager(newFS(t), MountConfig{MountPoint: "/mnt/x"}, nil)
	opts := m.buildOptions()

	assert.Equal(t, "blockfs", opts.MountOptions.FsName)
	require.NotNil(t, opts.AttrTimeout)
	assert.Positive(t, *opts.AttrTimeout)
	assert.Equal(t, "/mnt/x", m.MountPoint())
}
