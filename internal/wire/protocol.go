// Package wire implements the length-prefixed block protocol spoken between
// blockfs nodes.
//
// Every field is a big-endian uint64. A connection carries exactly one
// request and its response:
//
//	READ   0 | block                                  → length | bytes   (length 0: absent)
//	WRITE  1 | block | length | bytes                 → ack
//	CAS    2 | block | elen | expected | nlen | bytes → status          (1 swapped, 0 mismatch)
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Opcode identifies a request type.
type Opcode uint64

const (
	OpRead  Opcode = 0
	OpWrite Opcode = 1
	OpCAS   Opcode = 2
)

// String returns the lowercase operation name.
func (op Opcode) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpCAS:
		return "cas"
	default:
		return fmt.Sprintf("op(%d)", uint64(op))
	}
}

// MaxPayload is the largest block payload a frame may carry. It equals the
// metadata block capacity, the larger of the two block classes.
const MaxPayload = 4096

const (
	ackValue      uint64 = 0
	statusSwapped uint64 = 1
	statusMissed  uint64 = 0
)

var (
	// ErrFrameTooLarge is returned when a length field exceeds MaxPayload.
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum block size")

	// ErrUnknownOpcode is returned for requests with an unrecognised opcode.
	ErrUnknownOpcode = errors.New("wire: unknown opcode")
)

// Request is one decoded request frame. Data holds the WRITE payload or the
// CAS replacement; Expected is only used by CAS.
type Request struct {
	Op       Opcode
	Block    uint64
	Data     []byte
	Expected []byte
}

// WriteRequest encodes req onto w.
func WriteRequest(w io.Writer, req Request) error {
	switch req.Op {
	case OpRead:
		return writeWords(w, uint64(OpRead), req.Block)
	case OpWrite:
		if len(req.Data) > MaxPayload {
			return ErrFrameTooLarge
		}
		if err := writeWords(w, uint64(OpWrite), req.Block); err != nil {
			return err
		}
		return writeBytes(w, req.Data)
	case OpCAS:
		if len(req.Data) > MaxPayload || len(req.Expected) > MaxPayload {
			return ErrFrameTooLarge
		}
		if err := writeWords(w, uint64(OpCAS), req.Block); err != nil {
			return err
		}
		if err := writeBytes(w, req.Expected); err != nil {
			return err
		}
		return writeBytes(w, req.Data)
	default:
		return ErrUnknownOpcode
	}
}

// ReadRequest decodes one request frame from r.
func ReadRequest(r io.Reader) (Request, error) {
	var req Request

	op, err := readWord(r)
	if err != nil {
		return req, err
	}
	req.Op = Opcode(op)

	if req.Block, err = readWord(r); err != nil {
		return req, err
	}

	switch req.Op {
	case OpRead:
	case OpWrite:
		if req.Data, err = readBytes(r); err != nil {
			return req, err
		}
	case OpCAS:
		if req.Expected, err = readBytes(r); err != nil {
			return req, err
		}
		if req.Data, err = readBytes(r); err != nil {
			return req, err
		}
	default:
		return req, fmt.Errorf("%w: %d", ErrUnknownOpcode, op)
	}
	return req, nil
}

// WriteReadResponse encodes a READ response. A nil or empty payload means
// the block is absent.
func WriteReadResponse(w io.Writer, data []byte) error {
	if len(data) > MaxPayload {
		return ErrFrameTooLarge
	}
	return writeBytes(w, data)
}

// ReadReadResponse decodes a READ response. found is false when the peer
// reported a zero length.
func ReadReadResponse(r io.Reader) (data []byte, found bool, err error) {
	data, err = readBytes(r)
	if err != nil {
		return nil, false, err
	}
	return data, len(data) > 0, nil
}

// WriteAck encodes a WRITE acknowledgement.
func WriteAck(w io.Writer) error {
	return writeWords(w, ackValue)
}

// ReadAck decodes a WRITE acknowledgement. Its value carries no meaning.
func ReadAck(r io.Reader) error {
	_, err := readWord(r)
	return err
}

// WriteStatus encodes a CAS response.
func WriteStatus(w io.Writer, swapped bool) error {
	if swapped {
		return writeWords(w, statusSwapped)
	}
	return writeWords(w, statusMissed)
}

// ReadStatus decodes a CAS response.
func ReadStatus(r io.Reader) (bool, error) {
	status, err := readWord(r)
	if err != nil {
		return false, err
	}
	switch status {
	case statusSwapped:
		return true, nil
	case statusMissed:
		return false, nil
	default:
		return false, fmt.Errorf("wire: invalid cas status %d", status)
	}
}

func writeWords(w io.Writer, words ...uint64) error {
	buf := make([]byte, 8*len(words))
	for i, word := range words {
		binary.BigEndian.PutUint64(buf[i*8:], word)
	}
	_, err := w.Write(buf)
	return err
}

func writeBytes(w io.Writer, data []byte) error {
	if err := writeWords(w, uint64(len(data))); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}

func readWord(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readWord(r)
	if err != nil {
		return nil, err
	}
	if n > MaxPayload {
		return nil, ErrFrameTooLarge
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
