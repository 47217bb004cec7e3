package transport

import (
	"context"
	stderr "errors"
	"fmt"
	"time"

	"github.com/blockfs/blockfs/internal/circuit"
	"github.com/blockfs/blockfs/internal/wire"
	"github.com/blockfs/blockfs/pkg/errors"
	"github.com/blockfs/blockfs/pkg/types"
)

// remote performs block operations against peers over the wire protocol.
type remote struct {
	client   wire.Client
	endpoint func(node uint64) string
	timeout  time.Duration
	breakers *circuit.Set
}

func (r *remote) read(ctx context.Context, addr types.Address) ([]byte, error) {
	var data []byte
	var found bool
	err := r.call(ctx, addr.Node, func(ctx context.Context, endpoint string) error {
		var err error
		data, found, err = r.client.Read(ctx, endpoint, addr.Block)
		return err
	})
	if err != nil {
		return nil, r.wrap(err, "read", addr)
	}
	if !found {
		return nil, errors.Newf(errors.ErrCodeBlockNotFound, "block %s not found", addr).
			WithComponent("transport").
			WithOperation("read")
	}
	return data, nil
}

func (r *remote) write(ctx context.Context, addr types.Address, data []byte) error {
	err := r.call(ctx, addr.Node, func(ctx context.Context, endpoint string) error {
		return r.client.Write(ctx, endpoint, addr.Block, data)
	})
	if err != nil {
		return r.wrap(err, "write", addr)
	}
	return nil
}

func (r *remote) compareAndSwap(ctx context.Context, addr types.Address, expected, replacement []byte) (bool, error) {
	var swapped bool
	err := r.call(ctx, addr.Node, func(ctx context.Context, endpoint string) error {
		var err error
		swapped, err = r.client.CompareAndSwap(ctx, endpoint, addr.Block, expected, replacement)
		return err
	})
	if err != nil {
		return false, r.wrap(err, "cas", addr)
	}
	return swapped, nil
}

// call bounds fn by the default timeout and routes it through the peer's
// breaker when breakers are enabled.
func (r *remote) call(ctx context.Context, node uint64, fn func(context.Context, string) error) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	endpoint := r.endpoint(node)
	run := func(ctx context.Context) error { return fn(ctx, endpoint) }
	if r.breakers == nil {
		return run(ctx)
	}
	return r.breakers.For(node).Do(ctx, run)
}

func (r *remote) wrap(err error, operation string, addr types.Address) error {
	if stderr.Is(err, wire.ErrFrameTooLarge) {
		return errors.Newf(errors.ErrCodeInvalidParameter, "block frame for %s exceeds capacity", addr).
			WithComponent("transport").
			WithOperation(operation).
			WithCause(err)
	}

	message := fmt.Sprintf("%s of %s via %s failed", operation, addr, r.endpoint(addr.Node))
	if stderr.Is(err, circuit.ErrOpenState) || stderr.Is(err, circuit.ErrTooManyProbes) {
		message = fmt.Sprintf("%s of %s rejected: peer %d circuit open", operation, addr, addr.Node)
	}
	return errors.NewError(errors.ErrCodeTransportFailure, message).
		WithComponent("transport").
		WithOperation(operation).
		WithDetail("node", addr.Node).
		WithCause(err)
}
