package inode

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/blockfs/blockfs/pkg/errors"
	"github.com/blockfs/blockfs/pkg/types"
)

// Kind is the type of filesystem object a record describes.
type Kind uint8

const (
	KindFile Kind = iota
	KindDirectory
	KindSymLink
	KindCharDevice
	KindBlockDevice
	KindNamedPipe
	KindSocket
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindSymLink:
		return "symlink"
	case KindCharDevice:
		return "char-device"
	case KindBlockDevice:
		return "block-device"
	case KindNamedPipe:
		return "named-pipe"
	case KindSocket:
		return "socket"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k <= KindSocket
}

// Entry is one named child of a directory.
type Entry struct {
	Name string        `cbor:"1,keyasint"`
	Addr types.Address `cbor:"2,keyasint"`
}

// Record is the content of an inode's metadata block.
type Record struct {
	Kind    Kind            `cbor:"1,keyasint"`
	Mode    uint16          `cbor:"2,keyasint"`
	Size    uint64          `cbor:"3,keyasint"`
	Entries []Entry         `cbor:"4,keyasint,omitempty"`
	Blocks  []types.Address `cbor:"5,keyasint,omitempty"`
	Parent  types.Address   `cbor:"6,keyasint"`
}

// Core Deterministic Encoding gives every record exactly one byte form, so
// compare-and-swap on the encoded block compares logical content.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("inode: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: types.MetadataBlockSize,
		MaxMapPairs:      types.MetadataBlockSize,
	}.DecMode()
	if err != nil {
		panic("inode: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes a record. Records larger than a metadata block are
// rejected with INVALID_PARAMETER.
func Encode(record Record) ([]byte, error) {
	if !record.Kind.Valid() {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter, "unknown inode kind %d", record.Kind).
			WithComponent("inode").
			WithOperation("encode")
	}

	data, err := encMode.Marshal(record)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInternalError, "failed to encode metadata record").
			WithComponent("inode").
			WithOperation("encode").
			WithCause(err)
	}
	if len(data) > types.MetadataBlockSize {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter,
			"metadata record exceeds block capacity (%d > %d bytes)", len(data), types.MetadataBlockSize).
			WithComponent("inode").
			WithOperation("encode")
	}
	return data, nil
}

// Decode parses a metadata block.
func Decode(data []byte) (Record, error) {
	var record Record
	if len(data) > types.MetadataBlockSize {
		return record, errors.Newf(errors.ErrCodeInvalidParameter,
			"metadata block of %d bytes exceeds capacity", len(data)).
			WithComponent("inode").
			WithOperation("decode")
	}
	if err := decMode.Unmarshal(data, &record); err != nil {
		return Record{}, errors.NewError(errors.ErrCodeInvalidParameter, "malformed metadata record").
			WithComponent("inode").
			WithOperation("decode").
			WithCause(err)
	}
	if !record.Kind.Valid() {
		return Record{}, errors.Newf(errors.ErrCodeInvalidParameter, "unknown inode kind %d", record.Kind).
			WithComponent("inode").
			WithOperation("decode")
	}
	return record, nil
}
