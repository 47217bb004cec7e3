package fuse

import (
	"context"
	"log/slog"
	"sync/atomic"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/blockfs/blockfs/internal/filesystem"
	"github.com/blockfs/blockfs/internal/inode"
	"github.com/blockfs/blockfs/pkg/errors"
	"github.com/blockfs/blockfs/pkg/types"
)

var (
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeMkdirer   = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
	_ fs.NodeReader    = (*Node)(nil)
	_ fs.NodeWriter    = (*Node)(nil)
	_ fs.NodeSetattrer = (*Node)(nil)
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeUnlinker  = (*Node)(nil)
	_ fs.NodeRmdirer   = (*Node)(nil)
	_ fs.NodeStatfser  = (*Node)(nil)
	_ fs.NodeFsyncer   = (*Node)(nil)
)

// Stats tracks filesystem operation statistics
type Stats struct {
	Lookups      int64 `json:"lookups"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	Creates      int64 `json:"creates"`
	Deletes      int64 `json:"deletes"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Errors       int64 `json:"errors"`
}

type counters struct {
	lookups, reads, writes, creates, deletes atomic.Int64
	bytesRead, bytesWritten, errors          atomic.Int64
}

// tree is the state shared by every node of one mount.
type tree struct {
	fsys   *filesystem.FileSystem
	uid    uint32
	gid    uint32
	logger *slog.Logger
	stats  counters
}

// errno converts err and counts it.
func (t *tree) errno(operation string, addr types.Address, err error) syscall.Errno {
	code := ToErrno(err)
	if code == syscall.EIO {
		t.logger.Error("Operation failed", "operation", operation, "addr", addr.String(), "error", err)
	} else {
		t.logger.Debug("Operation rejected", "operation", operation, "addr", addr.String(), "error", err)
	}
	t.stats.errors.Add(1)
	return code
}

// Node is one inode in the mounted tree.
type Node struct {
	fs.Inode

	tree   *tree
	handle *inode.Handle
}

// ToErrno maps a blockfs error to the errno reported to the kernel.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeBlockNotFound, errors.ErrCodeEntryNotFound:
		return syscall.ENOENT
	case errors.ErrCodeNotDirectory:
		return syscall.ENOTDIR
	case errors.ErrCodeNotFile:
		return syscall.EISDIR
	case errors.ErrCodeEntryExists:
		return syscall.EEXIST
	case errors.ErrCodeInvalidParameter:
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

// KindMode returns the file type bits for an inode kind.
func KindMode(kind inode.Kind) uint32 {
	switch kind {
	case inode.KindDirectory:
		return syscall.S_IFDIR
	case inode.KindSymLink:
		return syscall.S_IFLNK
	case inode.KindCharDevice:
		return syscall.S_IFCHR
	case inode.KindBlockDevice:
		return syscall.S_IFBLK
	case inode.KindNamedPipe:
		return syscall.S_IFIFO
	case inode.KindSocket:
		return syscall.S_IFSOCK
	default:
		return syscall.S_IFREG
	}
}

// FillAttr copies inode metadata into a FUSE attribute block.
func FillAttr(md inode.Metadata, uid, gid uint32, out *fuse.Attr) {
	out.Ino = md.Ino
	out.Size = md.Size
	out.Blocks = (md.Size + 511) / 512
	out.Blksize = uint32(md.BlockSize)
	out.Mode = KindMode(md.Kind) | uint32(md.Mode)&0o7777
	out.Nlink = md.Nlinks
	if md.Kind == inode.KindDirectory {
		out.Nlink = 2
	}
	out.Owner = fuse.Owner{Uid: uid, Gid: gid}
}

// ReadRange fills dest from the file starting at off, stopping at the
// file size. It returns the number of bytes read.
func ReadRange(ctx context.Context, h *inode.Handle, dest []byte, off uint64) (int, error) {
	md, err := h.Metadata(ctx)
	if err != nil {
		return 0, err
	}
	if off >= md.Size {
		return 0, nil
	}
	end := min(md.Size, off+uint64(len(dest)))

	total := 0
	for pos := off; pos < end; {
		n, err := h.ReadAt(ctx, pos, dest[total:end-off])
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		pos += uint64(n)
		total += n
	}
	return total, nil
}

func (n *Node) newChild(ctx context.Context, child *inode.Handle, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	md, err := child.Metadata(ctx)
	if err != nil {
		return nil, n.tree.errno("metadata", child.Address(), err)
	}
	FillAttr(md, n.tree.uid, n.tree.gid, &out.Attr)

	node := &Node{tree: n.tree, handle: child}
	return n.NewInode(ctx, node, fs.StableAttr{Mode: KindMode(md.Kind), Ino: md.Ino}), 0
}

// Lookup looks up a child node by name
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.tree.stats.lookups.Add(1)

	child, err := n.handle.Lookup(ctx, name)
	if err != nil {
		return nil, n.tree.errno("lookup", n.handle.Address(), err)
	}
	return n.newChild(ctx, child, out)
}

// Readdir lists the stored entries in creation order.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.handle.Entries(ctx)
	if err != nil {
		return nil, n.tree.errno("readdir", n.handle.Address(), err)
	}

	list := make([]fuse.DirEntry, 0, len(entries))
	for _, entry := range entries {
		mode := uint32(syscall.S_IFREG)
		ino := entry.Addr.Ino()
		if md, err := n.tree.fsys.Handle(entry.Addr).Metadata(ctx); err == nil {
			mode = KindMode(md.Kind)
		}
		list = append(list, fuse.DirEntry{Name: entry.Name, Mode: mode, Ino: ino})
	}
	return fs.NewListDirStream(list), 0
}

// Mkdir creates a new directory
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.tree.stats.creates.Add(1)

	child, err := n.handle.Create(ctx, name, inode.KindDirectory, uint16(mode&0o7777))
	if err != nil {
		return nil, n.tree.errno("mkdir", n.handle.Address(), err)
	}
	return n.newChild(ctx, child, out)
}

// Create creates a new file
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	n.tree.stats.creates.Add(1)

	child, err := n.handle.Create(ctx, name, inode.KindFile, uint16(mode&0o7777))
	if err != nil {
		return nil, nil, 0, n.tree.errno("create", n.handle.Address(), err)
	}
	node, errno := n.newChild(ctx, child, out)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	return node, nil, fuse.FOPEN_DIRECT_IO, 0
}

// Open opens a file. Content is never cached by the kernel.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&syscall.O_TRUNC != 0 {
		if err := n.handle.Resize(ctx, 0); err != nil {
			return nil, 0, n.tree.errno("truncate", n.handle.Address(), err)
		}
	}
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

// Read reads data from the file
func (n *Node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n.tree.stats.reads.Add(1)
	if off < 0 {
		return nil, syscall.EINVAL
	}

	read, err := ReadRange(ctx, n.handle, dest, uint64(off))
	if err != nil {
		return nil, n.tree.errno("read", n.handle.Address(), err)
	}
	n.tree.stats.bytesRead.Add(int64(read))
	return fuse.ReadResultData(dest[:read]), 0
}

// Write writes data to the file
func (n *Node) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	n.tree.stats.writes.Add(1)
	if off < 0 {
		return 0, syscall.EINVAL
	}

	written, err := n.handle.WriteAt(ctx, uint64(off), data)
	if err != nil {
		return 0, n.tree.errno("write", n.handle.Address(), err)
	}
	n.tree.stats.bytesWritten.Add(int64(written))
	return uint32(written), 0
}

// Setattr applies size changes. Mode, owner and time changes are accepted
// and dropped.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if err := n.handle.Resize(ctx, size); err != nil {
			return n.tree.errno("resize", n.handle.Address(), err)
		}
	}
	if mode, ok := in.GetMode(); ok {
		if err := n.handle.SetMetadata(ctx, inode.Metadata{Mode: uint16(mode & 0o7777)}); err != nil {
			return n.tree.errno("setattr", n.handle.Address(), err)
		}
	}
	return n.Getattr(ctx, f, out)
}

// Getattr gets file attributes
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	md, err := n.handle.Metadata(ctx)
	if err != nil {
		return n.tree.errno("getattr", n.handle.Address(), err)
	}
	FillAttr(md, n.tree.uid, n.tree.gid, &out.Attr)
	return 0
}

// Unlink removes a non-directory entry.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	child, err := n.handle.Lookup(ctx, name)
	if err != nil {
		return n.tree.errno("unlink", n.handle.Address(), err)
	}
	md, err := child.Metadata(ctx)
	if err == nil && md.Kind == inode.KindDirectory {
		return syscall.EISDIR
	}
	return n.remove(ctx, name)
}

// Rmdir removes an empty directory entry.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	child, err := n.handle.Lookup(ctx, name)
	if err != nil {
		return n.tree.errno("rmdir", n.handle.Address(), err)
	}
	md, err := child.Metadata(ctx)
	if err != nil {
		return n.tree.errno("rmdir", child.Address(), err)
	}
	if md.Kind != inode.KindDirectory {
		return syscall.ENOTDIR
	}
	if md.Entries != 0 {
		return syscall.ENOTEMPTY
	}
	return n.remove(ctx, name)
}

func (n *Node) remove(ctx context.Context, name string) syscall.Errno {
	if err := n.handle.Unlink(ctx, name); err != nil {
		return n.tree.errno("unlink", n.handle.Address(), err)
	}
	n.tree.stats.deletes.Add(1)
	return 0
}

// Statfs reports block geometry and the local store's usage.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	info, err := n.tree.fsys.Info(ctx)
	if err != nil {
		return n.tree.errno("statfs", n.handle.Address(), err)
	}
	out.Bsize = uint32(info.DataBlockSize)
	out.Frsize = uint32(info.DataBlockSize)
	out.NameLen = uint32(info.NameMax)
	out.Blocks = uint64(info.Bytes) / uint64(info.DataBlockSize)
	out.Files = uint64(info.Blocks)
	return 0
}

// Fsync flushes the local store.
func (n *Node) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	if err := n.tree.fsys.Sync(ctx); err != nil {
		return n.tree.errno("fsync", n.handle.Address(), err)
	}
	return 0
}
