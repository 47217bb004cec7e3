package store

import (
	"bytes"
	stderr "errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// Compression selects how the directory store encodes block payloads.
type Compression byte

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
	CompressionLZ4  Compression = 2
)

// ParseCompression maps a configuration value onto a Compression tag.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", name)
	}
}

// String returns the configuration name of the compression.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", byte(c))
	}
}

const (
	digestSize = 32
	headerSize = 1 + digestSize
)

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder: " + err.Error())
	}
}

// encodeFile lays out a block file: tag | blake3(payload) | encoded payload.
// Compression is skipped when it does not shrink the payload.
func encodeFile(data []byte, compression Compression) ([]byte, error) {
	digest := blake3.Sum256(data)

	tag := CompressionNone
	body := data
	switch compression {
	case CompressionZstd:
		if compressed := zstdEncoder.EncodeAll(data, nil); len(compressed) < len(data) {
			tag, body = CompressionZstd, compressed
		}
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// n == 0 means the input is incompressible.
		if n > 0 && n < len(data) {
			tag, body = CompressionLZ4, buf[:n]
		}
	case CompressionNone:
	default:
		return nil, fmt.Errorf("unknown compression %d", compression)
	}

	out := make([]byte, 0, headerSize+len(body))
	out = append(out, byte(tag))
	out = append(out, digest[:]...)
	out = append(out, body...)
	return out, nil
}

// errCorrupt is wrapped by decodeFile when the stored digest does not match.
var errCorrupt = stderr.New("block checksum mismatch")

// decodeFile reverses encodeFile and verifies the digest. maxSize bounds
// the decompressed payload.
func decodeFile(raw []byte, maxSize int) ([]byte, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%w: truncated header", errCorrupt)
	}
	tag := Compression(raw[0])
	want := raw[1:headerSize]
	body := raw[headerSize:]

	var data []byte
	switch tag {
	case CompressionNone:
		data = body
	case CompressionZstd:
		decoded, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", errCorrupt, err)
		}
		data = decoded
	case CompressionLZ4:
		buf := make([]byte, maxSize)
		n, err := lz4.UncompressBlock(body, buf)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", errCorrupt, err)
		}
		data = buf[:n]
	default:
		return nil, fmt.Errorf("%w: unknown compression tag %d", errCorrupt, tag)
	}

	if len(data) > maxSize {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", errCorrupt, len(data), maxSize)
	}

	got := blake3.Sum256(data)
	if !bytes.Equal(got[:], want) {
		return nil, errCorrupt
	}
	return data, nil
}
