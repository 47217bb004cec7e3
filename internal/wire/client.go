package wire

import (
	"bufio"
	"context"
	"net"
	"time"
)

// Client performs single-request exchanges with remote block servers.
type Client struct {
	// ConnectTimeout bounds connection establishment. Zero means only the
	// context deadline applies.
	ConnectTimeout time.Duration
}

// Read fetches a block. found is false when the peer holds nothing for it.
func (c *Client) Read(ctx context.Context, address string, block uint64) (data []byte, found bool, err error) {
	err = c.exchange(ctx, address, Request{Op: OpRead, Block: block}, func(r *bufio.Reader) error {
		data, found, err = ReadReadResponse(r)
		return err
	})
	return data, found, err
}

// Write stores a block and waits for the acknowledgement.
func (c *Client) Write(ctx context.Context, address string, block uint64, data []byte) error {
	return c.exchange(ctx, address, Request{Op: OpWrite, Block: block, Data: data}, func(r *bufio.Reader) error {
		return ReadAck(r)
	})
}

// CompareAndSwap replaces a block only if it currently holds expected.
func (c *Client) CompareAndSwap(ctx context.Context, address string, block uint64, expected, replacement []byte) (swapped bool, err error) {
	req := Request{Op: OpCAS, Block: block, Expected: expected, Data: replacement}
	err = c.exchange(ctx, address, req, func(r *bufio.Reader) error {
		swapped, err = ReadStatus(r)
		return err
	})
	return swapped, err
}

func (c *Client) exchange(ctx context.Context, address string, req Request, readResponse func(*bufio.Reader) error) error {
	if len(req.Data) > MaxPayload || len(req.Expected) > MaxPayload {
		return ErrFrameTooLarge
	}

	dialer := &net.Dialer{Timeout: c.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	// Unblock reads and writes if the context is cancelled mid-exchange.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()

	writer := bufio.NewWriter(conn)
	if err := WriteRequest(writer, req); err != nil {
		return err
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	if err := readResponse(bufio.NewReader(conn)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}
