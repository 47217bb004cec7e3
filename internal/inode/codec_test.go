package inode

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockfs/blockfs/pkg/errors"
	"github.com/blockfs/blockfs/pkg/types"
)

func TestCodecRoundTrip(t *testing.T) {
	record := Record{
		Kind: KindDirectory,
		Mode: 0o755,
		Entries: []Entry{
			{Name: "a", Addr: types.Address{Node: 1, Block: 42}},
			{Name: "b", Addr: types.Address{Node: 0, Block: 1 << 60}},
		},
		Parent: types.RootAddress,
	}

	first, err := Encode(record)
	require.NoError(t, err)
	second, err := Encode(record)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, second), "encoding must be deterministic")

	decoded, err := Decode(first)
	require.NoError(t, err)
	assert.Equal(t, record, decoded)

	file := Record{Kind: KindFile, Mode: 0o644, Size: 1000, Blocks: []types.Address{{Block: 7}, {Block: 9}}}
	encoded, err := Encode(file)
	require.NoError(t, err)
	decoded, err = Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, file, decoded)
}

func TestEncodeRejectsOversize(t *testing.T) {
	record := Record{Kind: KindDirectory}
	for i := 0; i < 40; i++ {
		record.Entries = append(record.Entries, Entry{
			Name: fmt.Sprintf("%03d-%s", i, strings.Repeat("x", 200)),
			Addr: types.Address{Node: 1, Block: uint64(i)},
		})
	}

	_, err := Encode(record)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidParameter))
	assert.Contains(t, err.Error(), "exceeds block capacity")
}

func TestEncodeRejectsUnknownKind(t *testing.T) {
	_, err := Encode(Record{Kind: KindSocket + 1})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidParameter))
}

func TestDecodeRejects(t *testing.T) {
	valid, err := Encode(Record{Kind: KindFile})
	require.NoError(t, err)

	unknownKind, err := encMode.Marshal(map[int]int{1: 99})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte{0xff, 0x00, 0x13}},
		{"not a map", []byte{0x18, 0x2a}},
		{"trailing data", append(append([]byte{}, valid...), 0x00)},
		{"unknown kind", unknownKind},
		{"oversize", make([]byte, types.MetadataBlockSize+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if !errors.HasCode(err, errors.ErrCodeInvalidParameter) {
				t.Errorf("Decode(%x) error = %v, want INVALID_PARAMETER", tt.data, err)
			}
		})
	}
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindFile, "file"},
		{KindDirectory, "directory"},
		{KindSymLink, "symlink"},
		{KindSocket, "socket"},
		{Kind(42), "kind(42)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
