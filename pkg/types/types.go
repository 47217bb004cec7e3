package types

import (
	"fmt"
)

// Block size classes and naming limits shared by every layer.
const (
	// MetadataBlockSize is the capacity of an inode metadata block and the
	// largest block the transport accepts.
	MetadataBlockSize = 4096
	// DataBlockSize is the capacity of a file data block.
	DataBlockSize = 512
	// NameMax is the longest directory entry name.
	NameMax = 255
)

// Address identifies one block: the owning node and the block id inside
// that node's address space. Both halves fit in 64-bit words so the pair
// can ride in IPv6-sized headers.
type Address struct {
	Node  uint64 `cbor:"1,keyasint" json:"node"`
	Block uint64 `cbor:"2,keyasint" json:"block"`
}

// RootAddress is the reserved bootstrap address of the root directory's
// metadata block.
var RootAddress = Address{Node: 0, Block: 0}

// IsRoot reports whether a is the bootstrap address.
func (a Address) IsRoot() bool {
	return a == RootAddress
}

// String renders the address as node:block in hex.
func (a Address) String() string {
	return fmt.Sprintf("%x:%016x", a.Node, a.Block)
}

// Ino synthesizes an inode number from the address. The node id goes in
// the high half and the low 32 bits of the block id in the low half, so
// numbers are stable but may collide for very large block ids.
func (a Address) Ino() uint64 {
	return (a.Node << 32) | (a.Block & 0xffffffff)
}

// StoreStats reports backing store usage.
type StoreStats struct {
	Blocks int64 `json:"blocks"`
	Bytes  int64 `json:"bytes"`
}
