/*
Package fuse exposes a blockfs namespace to the kernel through FUSE.

Every FUSE node wraps an inode handle. Nodes hold no cached attributes:
each Getattr, Lookup and Read goes back to the inode layer, and files are
opened with direct I/O so a read on one node observes writes made through
any other node.

# Operations

	Lookup, Readdir      directory entries, "." and ".." added by go-fuse
	Mkdir, Create        new inodes allocated on the parent's node
	Read                 loops over data blocks, clamped to the file size
	Write                one inode write per request
	Setattr              size changes become Resize; other attributes are ignored
	Unlink, Rmdir        remove entries; Rmdir refuses non-empty directories
	Statfs               block geometry and local store usage

# Errors

Inode errors map to errno values in ToErrno: missing entries and blocks
become ENOENT, NOT_DIRECTORY becomes ENOTDIR, NOT_FILE becomes EISDIR,
ENTRY_EXISTS becomes EEXIST and INVALID_PARAMETER becomes EINVAL. Anything
else, including transport failures, is reported as EIO.

# Mounting

	manager := fuse.NewMountManager(fsys, fuse.MountConfig{MountPoint: "/mnt/blockfs"}, logger)
	if err := manager.Mount(ctx); err != nil {
		return err
	}
	defer manager.Unmount()
	manager.Wait()
*/
package fuse
