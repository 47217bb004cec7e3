// Package inode implements filesystem objects on top of the block
// transport. Each inode is one metadata block holding an encoded Record;
// file contents live in fixed-size data blocks listed by the record.
//
// Handles carry no cached state. Every operation re-reads the record, and
// every change to a record or to an existing data block is committed with
// compare-and-swap so concurrent writers on different nodes never lose each
// other's updates.
package inode

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/blockfs/blockfs/internal/metrics"
	"github.com/blockfs/blockfs/pkg/errors"
	"github.com/blockfs/blockfs/pkg/types"
	"github.com/blockfs/blockfs/pkg/utils"
)

// DefaultCASAttempts bounds the read-modify-write loop of one mutation.
const DefaultCASAttempts = 16

// RootMode is the permission set of a freshly bootstrapped root.
const RootMode = 0o777

// Options configures a Layer.
type Options struct {
	CASAttempts int
	Metrics     *metrics.Collector
	Logger      *slog.Logger
}

// Layer binds inode handles to a transport.
type Layer struct {
	transport types.Transport
	attempts  int
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// NewLayer creates an inode layer over t.
func NewLayer(t types.Transport, opts Options) *Layer {
	if opts.CASAttempts <= 0 {
		opts.CASAttempts = DefaultCASAttempts
	}
	if opts.Logger == nil {
		opts.Logger = utils.DiscardLogger()
	}
	return &Layer{
		transport: t,
		attempts:  opts.CASAttempts,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("component", "inode"),
	}
}

// Transport returns the underlying block transport.
func (l *Layer) Transport() types.Transport {
	return l.transport
}

// Handle returns a handle for the inode whose record lives at addr. The
// record is not read until the first operation.
func (l *Layer) Handle(addr types.Address) *Handle {
	return &Handle{layer: l, addr: addr}
}

// Root returns the root directory, installing an empty root record at the
// bootstrap address if none exists yet. Racing bootstraps are resolved by
// compare-and-swap against the absent block, so exactly one record wins.
func (l *Layer) Root(ctx context.Context) (h *Handle, err error) {
	defer l.observe("root", time.Now(), &err)

	_, err = l.transport.Read(ctx, types.RootAddress)
	switch {
	case err == nil:
		return l.Handle(types.RootAddress), nil
	case !errors.HasCode(err, errors.ErrCodeBlockNotFound):
		return nil, err
	}

	encoded, err := Encode(Record{Kind: KindDirectory, Mode: RootMode, Parent: types.RootAddress})
	if err != nil {
		return nil, err
	}
	swapped, err := l.transport.CompareAndSwap(ctx, types.RootAddress, nil, encoded)
	if err != nil {
		return nil, err
	}
	if swapped {
		l.logger.Info("Bootstrapped root directory", "addr", types.RootAddress.String())
	}
	return l.Handle(types.RootAddress), nil
}

func (l *Layer) observe(operation string, start time.Time, err *error) {
	l.metrics.RecordInodeOperation(operation, time.Since(start), *err)
}

// Handle is a reference to one inode.
type Handle struct {
	layer *Layer
	addr  types.Address
}

// Address returns the address of the inode's metadata block.
func (h *Handle) Address() types.Address {
	return h.addr
}

// Metadata describes an inode.
type Metadata struct {
	Ino       uint64
	Addr      types.Address
	Kind      Kind
	Mode      uint16
	Size      uint64
	Blocks    int
	BlockSize int
	Entries   int
	Nlinks    uint32
}

// load reads and decodes the record, returning the raw bytes as the
// compare-and-swap witness.
func (h *Handle) load(ctx context.Context) (Record, []byte, error) {
	raw, err := h.layer.transport.Read(ctx, h.addr)
	if err != nil {
		return Record{}, nil, err
	}
	record, err := Decode(raw)
	if err != nil {
		return Record{}, nil, err
	}
	return record, raw, nil
}

// modify runs fn against the current record and commits the result. When
// another writer commits first the record is re-read and fn runs again.
// fn must be safe to repeat.
func (h *Handle) modify(ctx context.Context, operation string, fn func(*Record) error) (Record, error) {
	for attempt := 0; attempt < h.layer.attempts; attempt++ {
		record, raw, err := h.load(ctx)
		if err != nil {
			return Record{}, err
		}
		if err := fn(&record); err != nil {
			return Record{}, err
		}
		encoded, err := Encode(record)
		if err != nil {
			return Record{}, err
		}
		if bytes.Equal(encoded, raw) {
			return record, nil
		}
		swapped, err := h.layer.transport.CompareAndSwap(ctx, h.addr, raw, encoded)
		if err != nil {
			return Record{}, err
		}
		if swapped {
			return record, nil
		}
		h.layer.metrics.RecordCASRetry(operation)
		h.layer.logger.Debug("Metadata record changed underneath, retrying",
			"addr", h.addr.String(), "operation", operation, "attempt", attempt+1)
	}
	return Record{}, errors.Newf(errors.ErrCodeConflict,
		"metadata record %s kept changing after %d attempts", h.addr, h.layer.attempts).
		WithComponent("inode").
		WithOperation(operation)
}

func notDirectory(addr types.Address, operation string) error {
	return errors.Newf(errors.ErrCodeNotDirectory, "%s is not a directory", addr).
		WithComponent("inode").
		WithOperation(operation)
}

func notFile(addr types.Address, operation string) error {
	return errors.Newf(errors.ErrCodeNotFile, "%s is a directory", addr).
		WithComponent("inode").
		WithOperation(operation)
}

func entryNotFound(name, operation string) error {
	return errors.Newf(errors.ErrCodeEntryNotFound, "no such entry: %s", name).
		WithComponent("inode").
		WithOperation(operation)
}

// ValidateName checks that name can be stored as a directory entry.
func ValidateName(name string) error {
	var reason string
	switch {
	case name == "":
		reason = "empty name"
	case name == "." || name == "..":
		reason = "reserved name"
	case len(name) > types.NameMax:
		reason = "name too long"
	case strings.ContainsAny(name, "/\x00"):
		reason = "name contains a separator"
	default:
		return nil
	}
	return errors.Newf(errors.ErrCodeInvalidParameter, "invalid entry name %q: %s", name, reason).
		WithComponent("inode")
}

// Lookup resolves name inside the directory.
func (h *Handle) Lookup(ctx context.Context, name string) (child *Handle, err error) {
	defer h.layer.observe("lookup", time.Now(), &err)

	record, _, err := h.load(ctx)
	if err != nil {
		return nil, err
	}
	if record.Kind != KindDirectory {
		return nil, notDirectory(h.addr, "lookup")
	}

	switch name {
	case ".":
		return h, nil
	case "..":
		return h.layer.Handle(record.Parent), nil
	}
	for _, entry := range record.Entries {
		if entry.Name == name {
			return h.layer.Handle(entry.Addr), nil
		}
	}
	return nil, entryNotFound(name, "lookup")
}

// Entry returns the name at position index in the directory listing.
// Positions 0 and 1 are always "." and "..".
func (h *Handle) Entry(ctx context.Context, index int) (name string, err error) {
	defer h.layer.observe("entry", time.Now(), &err)

	record, _, err := h.load(ctx)
	if err != nil {
		return "", err
	}
	if record.Kind != KindDirectory {
		return "", notDirectory(h.addr, "entry")
	}

	switch {
	case index == 0:
		return ".", nil
	case index == 1:
		return "..", nil
	case index >= 2 && index-2 < len(record.Entries):
		return record.Entries[index-2].Name, nil
	}
	return "", errors.Newf(errors.ErrCodeEntryNotFound, "no entry at index %d", index).
		WithComponent("inode").
		WithOperation("entry")
}

// Entries returns a snapshot of the directory's stored entries, without
// "." and "..".
func (h *Handle) Entries(ctx context.Context) (entries []Entry, err error) {
	defer h.layer.observe("entries", time.Now(), &err)

	record, _, err := h.load(ctx)
	if err != nil {
		return nil, err
	}
	if record.Kind != KindDirectory {
		return nil, notDirectory(h.addr, "entries")
	}
	return record.Entries, nil
}

// Create makes a new empty inode named name inside the directory. The
// child record is allocated on the directory's node.
func (h *Handle) Create(ctx context.Context, name string, kind Kind, mode uint16) (child *Handle, err error) {
	defer h.layer.observe("create", time.Now(), &err)

	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter, "unknown inode kind %d", kind).
			WithComponent("inode").
			WithOperation("create")
	}

	record, _, err := h.load(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkInsert(h.addr, record, name); err != nil {
		return nil, err
	}

	encoded, err := Encode(Record{Kind: kind, Mode: mode, Parent: h.addr})
	if err != nil {
		return nil, err
	}
	addr, err := h.place(ctx, h.addr.Node, encoded)
	if err != nil {
		return nil, err
	}

	_, err = h.modify(ctx, "create", func(r *Record) error {
		if err := checkInsert(h.addr, *r, name); err != nil {
			return err
		}
		r.Entries = append(r.Entries, Entry{Name: name, Addr: addr})
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.layer.logger.Debug("Created entry",
		"parent", h.addr.String(), "name", name, "kind", kind.String(), "addr", addr.String())
	return h.layer.Handle(addr), nil
}

func checkInsert(addr types.Address, record Record, name string) error {
	if record.Kind != KindDirectory {
		return notDirectory(addr, "create")
	}
	for _, entry := range record.Entries {
		if entry.Name == name {
			return errors.Newf(errors.ErrCodeEntryExists, "entry already exists: %s", name).
				WithComponent("inode").
				WithOperation("create")
		}
	}
	return nil
}

// place stores data in a fresh block on node. The block is claimed with
// compare-and-swap against absence, so a colliding id is never reused.
func (h *Handle) place(ctx context.Context, node uint64, data []byte) (types.Address, error) {
	for attempt := 0; attempt < h.layer.attempts; attempt++ {
		addr := types.Address{Node: node, Block: h.layer.transport.Allocate()}
		swapped, err := h.layer.transport.CompareAndSwap(ctx, addr, nil, data)
		if err != nil {
			return types.Address{}, err
		}
		if swapped {
			return addr, nil
		}
	}
	return types.Address{}, errors.Newf(errors.ErrCodeConflict,
		"no free block id on node %d after %d attempts", node, h.layer.attempts).
		WithComponent("inode").
		WithOperation("allocate")
}

// readBlock returns a full data block. Missing or short blocks read as
// zeros.
func (h *Handle) readBlock(ctx context.Context, addr types.Address) ([]byte, error) {
	block := make([]byte, types.DataBlockSize)
	data, err := h.layer.transport.Read(ctx, addr)
	switch {
	case err == nil:
		copy(block, data)
	case !errors.HasCode(err, errors.ErrCodeBlockNotFound):
		return nil, err
	}
	return block, nil
}

// ReadAt copies file content at offset into buf. It reads from a single
// data block and returns the number of bytes copied, which may be less
// than len(buf). Offsets in unallocated blocks are invalid.
func (h *Handle) ReadAt(ctx context.Context, offset uint64, buf []byte) (n int, err error) {
	defer h.layer.observe("read", time.Now(), &err)

	record, _, err := h.load(ctx)
	if err != nil {
		return 0, err
	}
	if record.Kind == KindDirectory {
		return 0, notFile(h.addr, "read")
	}

	index := offset / types.DataBlockSize
	if index >= uint64(len(record.Blocks)) {
		return 0, errors.Newf(errors.ErrCodeInvalidParameter,
			"offset %d is past the last allocated block", offset).
			WithComponent("inode").
			WithOperation("read")
	}
	block, err := h.readBlock(ctx, record.Blocks[index])
	if err != nil {
		return 0, err
	}
	return copy(buf, block[offset%types.DataBlockSize:]), nil
}

// WriteAt writes buf at offset, allocating zero-filled blocks for every
// index up to the last one touched, and grows Size to cover the write.
func (h *Handle) WriteAt(ctx context.Context, offset uint64, buf []byte) (n int, err error) {
	defer h.layer.observe("write", time.Now(), &err)

	if len(buf) == 0 {
		return 0, nil
	}
	end := offset + uint64(len(buf))
	if end < offset {
		return 0, errors.NewError(errors.ErrCodeInvalidParameter, "write range overflows").
			WithComponent("inode").
			WithOperation("write")
	}
	first := offset / types.DataBlockSize
	last := (end - 1) / types.DataBlockSize

	// chunk returns the part of buf landing in block index and where it
	// starts inside that block.
	chunk := func(index uint64) (uint64, []byte) {
		start := index * types.DataBlockSize
		lo := max(offset, start) - start
		hi := min(end, start+types.DataBlockSize) - start
		return lo, buf[start+lo-offset : start+hi-offset]
	}

	// New blocks are placed with their content and committed with the
	// record. Blocks that already existed are patched only once the
	// record has been committed.
	var existing uint64
	record, err := h.modify(ctx, "write", func(r *Record) error {
		if r.Kind == KindDirectory {
			return notFile(h.addr, "write")
		}
		existing = uint64(len(r.Blocks))
		if err := fits(*r, h.addr.Node, last+1); err != nil {
			return err
		}

		for index := max(first, existing); index <= last; index++ {
			if err := h.grow(ctx, r, index); err != nil {
				return err
			}
			block := make([]byte, types.DataBlockSize)
			lo, data := chunk(index)
			copy(block[lo:], data)
			addr, err := h.place(ctx, h.addr.Node, block)
			if err != nil {
				return err
			}
			r.Blocks = append(r.Blocks, addr)
		}

		r.Size = max(r.Size, end)
		return nil
	})
	if err != nil {
		return 0, err
	}

	for index := first; index <= last && index < existing; index++ {
		lo, data := chunk(index)
		if err := h.patch(ctx, "write", record.Blocks[index], lo, data); err != nil {
			return 0, err
		}
	}
	return len(buf), nil
}

// fits returns the encoder's capacity error when r, grown to count
// blocks, could not be committed. Ids of blocks not placed yet are
// unknown, so the widest id on node stands in for them.
func fits(r Record, node, count uint64) error {
	if count > types.MetadataBlockSize {
		return errors.Newf(errors.ErrCodeInvalidParameter,
			"%d data blocks exceed metadata block capacity", count).
			WithComponent("inode").
			WithOperation("encode")
	}
	blocks := make([]types.Address, max(count, uint64(len(r.Blocks))))
	copy(blocks, r.Blocks)
	for i := len(r.Blocks); i < len(blocks); i++ {
		blocks[i] = types.Address{Node: node, Block: math.MaxUint64}
	}
	r.Blocks = blocks
	r.Size = math.MaxUint64
	_, err := Encode(r)
	return err
}

// patch copies data into the block at addr starting at lo. The update is
// committed with compare-and-swap and retried when another writer changed
// the block in between.
func (h *Handle) patch(ctx context.Context, operation string, addr types.Address, lo uint64, data []byte) error {
	for attempt := 0; attempt < h.layer.attempts; attempt++ {
		current, err := h.layer.transport.Read(ctx, addr)
		if err != nil {
			if !errors.HasCode(err, errors.ErrCodeBlockNotFound) {
				return err
			}
			current = nil
		}

		block := make([]byte, types.DataBlockSize)
		copy(block, current)
		copy(block[lo:], data)
		if bytes.Equal(block, current) {
			return nil
		}

		swapped, err := h.layer.transport.CompareAndSwap(ctx, addr, current, block)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
		h.layer.metrics.RecordCASRetry(operation)
		h.layer.logger.Debug("Data block changed underneath, retrying",
			"addr", addr.String(), "operation", operation, "attempt", attempt+1)
	}
	return errors.Newf(errors.ErrCodeConflict,
		"data block %s kept changing after %d attempts", addr, h.layer.attempts).
		WithComponent("inode").
		WithOperation(operation)
}

// grow appends zero-filled blocks until the record has count blocks.
func (h *Handle) grow(ctx context.Context, r *Record, count uint64) error {
	if uint64(len(r.Blocks)) >= count {
		return nil
	}
	zero := make([]byte, types.DataBlockSize)
	for uint64(len(r.Blocks)) < count {
		addr, err := h.place(ctx, h.addr.Node, zero)
		if err != nil {
			return err
		}
		r.Blocks = append(r.Blocks, addr)
	}
	return nil
}

// Resize sets the file's logical size. Growing allocates zero blocks up to
// the new size; shrinking drops whole blocks past it and zeroes the tail of
// the last kept block.
func (h *Handle) Resize(ctx context.Context, size uint64) (err error) {
	defer h.layer.observe("resize", time.Now(), &err)

	need := (size + types.DataBlockSize - 1) / types.DataBlockSize
	_, err = h.modify(ctx, "resize", func(r *Record) error {
		if r.Kind == KindDirectory {
			return notFile(h.addr, "resize")
		}

		if need > uint64(len(r.Blocks)) {
			if err := fits(*r, h.addr.Node, need); err != nil {
				return err
			}
			if err := h.grow(ctx, r, need); err != nil {
				return err
			}
		} else {
			r.Blocks = r.Blocks[:need]
		}

		if size < r.Size && size%types.DataBlockSize != 0 {
			lo := size % types.DataBlockSize
			if err := h.patch(ctx, "resize", r.Blocks[need-1], lo, make([]byte, types.DataBlockSize-lo)); err != nil {
				return err
			}
		}

		r.Size = size
		return nil
	})
	return err
}

// Unlink removes name from the directory. The child's blocks are not
// reclaimed.
func (h *Handle) Unlink(ctx context.Context, name string) (err error) {
	defer h.layer.observe("unlink", time.Now(), &err)

	if name == "." || name == ".." {
		return errors.Newf(errors.ErrCodeInvalidParameter, "cannot unlink %q", name).
			WithComponent("inode").
			WithOperation("unlink")
	}
	_, err = h.modify(ctx, "unlink", func(r *Record) error {
		if r.Kind != KindDirectory {
			return notDirectory(h.addr, "unlink")
		}
		for i, entry := range r.Entries {
			if entry.Name == name {
				r.Entries = append(r.Entries[:i:i], r.Entries[i+1:]...)
				return nil
			}
		}
		return entryNotFound(name, "unlink")
	})
	return err
}

// Metadata returns the inode's attributes.
func (h *Handle) Metadata(ctx context.Context) (md Metadata, err error) {
	defer h.layer.observe("metadata", time.Now(), &err)

	record, _, err := h.load(ctx)
	if err != nil {
		return Metadata{}, err
	}
	md = Metadata{
		Ino:       h.addr.Ino(),
		Addr:      h.addr,
		Kind:      record.Kind,
		Mode:      record.Mode,
		Blocks:    len(record.Blocks),
		BlockSize: types.DataBlockSize,
		Entries:   len(record.Entries),
		Nlinks:    1,
	}
	if record.Kind != KindDirectory {
		md.Size = record.Size
	}
	return md, nil
}

// SetMetadata accepts attribute changes without storing them.
func (h *Handle) SetMetadata(ctx context.Context, md Metadata) error {
	return nil
}

// Sync is a no-op; every mutation is written through before it returns.
func (h *Handle) Sync(ctx context.Context) error {
	return nil
}
