package wire

import (
	"bufio"
	"context"
	stderr "errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/blockfs/blockfs/pkg/errors"
)

// Handler serves block requests against a node's local storage.
type Handler interface {
	Get(ctx context.Context, block uint64) ([]byte, error)
	Set(ctx context.Context, block uint64, data []byte) error
	CompareAndSwap(ctx context.Context, block uint64, expected, replacement []byte) (bool, error)
}

// ServerConfig represents block server settings
type ServerConfig struct {
	// IdleTimeout bounds how long a connection may take to deliver its
	// request and accept the response.
	IdleTimeout time.Duration
}

// Server accepts one request per connection and answers it from a Handler.
type Server struct {
	listener net.Listener
	handler  Handler
	config   ServerConfig
	logger   *slog.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// Listen binds a block server to address. Use ":0" for a random port.
func Listen(address string, handler Handler, config ServerConfig, logger *slog.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeTransportFailure, "failed to listen").
			WithComponent("wire").
			WithOperation("listen").
			WithDetail("address", address).
			WithCause(err)
	}
	return NewServer(listener, handler, config, logger), nil
}

// NewServer wraps an existing listener.
func NewServer(listener net.Listener, handler Handler, config ServerConfig, logger *slog.Logger) *Server {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listener: listener,
		handler:  handler,
		config:   config,
		logger:   logger.With("component", "wire", "address", listener.Addr().String()),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Addr returns the address the server is bound to.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve runs the accept loop until ctx is cancelled or Close is called.
// In-flight connections are drained before it returns.
func (s *Server) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	s.logger.Info("block server listening")
	defer s.wg.Wait()

	var delay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() || stderr.Is(err, net.ErrClosed) {
				s.logger.Info("block server stopped")
				return nil
			}
			delay = acceptBackoff(delay)
			s.logger.Warn("accept failed", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		if !s.track(conn) {
			conn.Close()
			return nil
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

// Accept failures such as EMFILE tend to persist, so retries back off
// from minAcceptDelay up to maxAcceptDelay.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

func acceptBackoff(previous time.Duration) time.Duration {
	if previous == 0 {
		return minAcceptDelay
	}
	return min(previous*2, maxAcceptDelay)
}

// Close stops accepting and aborts open connections.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	return s.listener.Close()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.config.IdleTimeout))

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	req, err := ReadRequest(reader)
	if err != nil {
		if !stderr.Is(err, io.EOF) {
			s.logger.Warn("malformed request", "remote", conn.RemoteAddr().String(), "error", err)
		}
		return
	}

	if err := s.dispatch(ctx, writer, req); err != nil {
		// Dropping the connection without a response surfaces as a
		// transport failure on the caller's side.
		s.logger.Warn("request failed",
			"op", req.Op.String(),
			"block", req.Block,
			"remote", conn.RemoteAddr().String(),
			"error", err)
		return
	}

	if err := writer.Flush(); err != nil {
		s.logger.Debug("response flush failed", "op", req.Op.String(), "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, w io.Writer, req Request) error {
	switch req.Op {
	case OpRead:
		data, err := s.handler.Get(ctx, req.Block)
		if err != nil && !errors.IsNotFound(err) {
			return err
		}
		return WriteReadResponse(w, data)
	case OpWrite:
		if err := s.handler.Set(ctx, req.Block, req.Data); err != nil {
			return err
		}
		return WriteAck(w)
	case OpCAS:
		swapped, err := s.handler.CompareAndSwap(ctx, req.Block, req.Expected, req.Data)
		if err != nil {
			return err
		}
		return WriteStatus(w, swapped)
	default:
		return ErrUnknownOpcode
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
