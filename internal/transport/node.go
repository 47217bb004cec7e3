// Package transport turns a set of networked blockfs nodes into one
// node-addressed block store. Blocks owned by the local node are served from
// its BlockTable; every other address is forwarded to the owning peer over
// the wire protocol, one connection per operation.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"strconv"
	"time"

	"github.com/blockfs/blockfs/internal/circuit"
	"github.com/blockfs/blockfs/internal/metrics"
	"github.com/blockfs/blockfs/internal/wire"
	"github.com/blockfs/blockfs/pkg/errors"
	"github.com/blockfs/blockfs/pkg/types"
)

var _ types.Transport = (*Node)(nil)

// Config represents transport settings for one node
type Config struct {
	Identity   uint64
	Population uint64

	// Endpoint maps a node id to its host:port.
	Endpoint func(node uint64) string

	ConnectTimeout   time.Duration
	OperationTimeout time.Duration

	// Breaker enables per-peer circuit breakers when non-nil.
	Breaker *circuit.Config
}

// Node is the block transport of one participant.
type Node struct {
	identity   uint64
	population uint64

	table    *BlockTable
	remote   *remote
	breakers *circuit.Set
	metrics  *metrics.Collector
	logger   *slog.Logger
}

// New creates a node serving local blocks from table.
func New(config Config, table *BlockTable, collector *metrics.Collector, logger *slog.Logger) (*Node, error) {
	if table == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "block table is required").
			WithComponent("transport")
	}
	if config.Population == 0 || config.Identity >= config.Population {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig,
			"node id %d out of range for %d nodes", config.Identity, config.Population).
			WithComponent("transport")
	}
	if config.Endpoint == nil && config.Population > 1 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "endpoint mapping is required for multiple nodes").
			WithComponent("transport")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transport", "node", config.Identity)

	var breakers *circuit.Set
	if config.Breaker != nil {
		breakerConfig := *config.Breaker
		userHook := breakerConfig.OnStateChange
		breakerConfig.OnStateChange = func(peer uint64, from, to circuit.State) {
			logger.Warn("peer circuit state changed", "peer", peer, "from", from.String(), "to", to.String())
			collector.SetBreakerState(strconv.FormatUint(peer, 10), int(to))
			if userHook != nil {
				userHook(peer, from, to)
			}
		}
		breakers = circuit.NewSet(breakerConfig)
	}

	return &Node{
		identity:   config.Identity,
		population: config.Population,
		table:      table,
		remote: &remote{
			client:   wire.Client{ConnectTimeout: config.ConnectTimeout},
			endpoint: config.Endpoint,
			timeout:  config.OperationTimeout,
			breakers: breakers,
		},
		breakers: breakers,
		metrics:  collector,
		logger:   logger,
	}, nil
}

// Identity returns this node's id.
func (n *Node) Identity() uint64 {
	return n.identity
}

// Population returns the number of nodes in the deployment.
func (n *Node) Population() uint64 {
	return n.population
}

// Breakers returns the per-peer breakers, or nil when disabled.
func (n *Node) Breakers() *circuit.Set {
	return n.breakers
}

func (n *Node) isLocal(addr types.Address) bool {
	return addr.Node == n.identity
}

func (n *Node) checkPeer(addr types.Address, operation string) error {
	if addr.Node >= n.population {
		return errors.Newf(errors.ErrCodeInvalidParameter,
			"node %d out of range for %d nodes", addr.Node, n.population).
			WithComponent("transport").
			WithOperation(operation)
	}
	return nil
}

// Read returns the full content of the block at addr.
func (n *Node) Read(ctx context.Context, addr types.Address) (data []byte, err error) {
	start := time.Now()
	locality := n.locality(addr)
	defer func() {
		n.metrics.RecordBlockOperation("read", locality, time.Since(start), len(data), err)
	}()

	if n.isLocal(addr) {
		return n.table.Get(ctx, addr.Block)
	}
	if err := n.checkPeer(addr, "read"); err != nil {
		return nil, err
	}
	data, err = n.remote.read(ctx, addr)
	if err != nil && !errors.IsNotFound(err) {
		n.logger.Debug("remote read failed", "addr", addr.String(), "error", err)
	}
	return data, err
}

// Write atomically replaces the block at addr.
func (n *Node) Write(ctx context.Context, addr types.Address, data []byte) (err error) {
	start := time.Now()
	locality := n.locality(addr)
	defer func() {
		n.metrics.RecordBlockOperation("write", locality, time.Since(start), len(data), err)
	}()

	if len(data) > types.MetadataBlockSize {
		return oversized(len(data))
	}
	if n.isLocal(addr) {
		return n.table.Set(ctx, addr.Block, data)
	}
	if err := n.checkPeer(addr, "write"); err != nil {
		return err
	}
	err = n.remote.write(ctx, addr, data)
	if err != nil {
		n.logger.Debug("remote write failed", "addr", addr.String(), "error", err)
	}
	return err
}

// CompareAndSwap replaces the block at addr only if it holds expected.
func (n *Node) CompareAndSwap(ctx context.Context, addr types.Address, expected, replacement []byte) (swapped bool, err error) {
	start := time.Now()
	locality := n.locality(addr)
	defer func() {
		n.metrics.RecordBlockOperation("cas", locality, time.Since(start), len(replacement), err)
	}()

	if len(replacement) > types.MetadataBlockSize || len(expected) > types.MetadataBlockSize {
		return false, oversized(max(len(replacement), len(expected)))
	}
	if n.isLocal(addr) {
		return n.table.CompareAndSwap(ctx, addr.Block, expected, replacement)
	}
	if err := n.checkPeer(addr, "cas"); err != nil {
		return false, err
	}
	swapped, err = n.remote.compareAndSwap(ctx, addr, expected, replacement)
	if err != nil {
		n.logger.Debug("remote cas failed", "addr", addr.String(), "error", err)
	}
	return swapped, err
}

// Allocate returns a random nonzero block id. Uniqueness is probabilistic;
// with 64-bit ids a collision is not expected before billions of blocks.
func (n *Node) Allocate() uint64 {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			// crypto/rand does not fail on supported platforms.
			panic("transport: crypto/rand: " + err.Error())
		}
		if id := binary.BigEndian.Uint64(buf[:]); id != 0 {
			return id
		}
	}
}

func (n *Node) locality(addr types.Address) string {
	if n.isLocal(addr) {
		return metrics.LocalityLocal
	}
	return metrics.LocalityRemote
}

// Handler returns the wire handler serving this node's table to peers.
func (n *Node) Handler() wire.Handler {
	return &servedTable{table: n.table, metrics: n.metrics}
}

// servedTable counts in-flight peer requests against the local table.
type servedTable struct {
	table   *BlockTable
	metrics *metrics.Collector
}

func (s *servedTable) Get(ctx context.Context, id uint64) ([]byte, error) {
	s.metrics.TrackRequest(1)
	defer s.metrics.TrackRequest(-1)
	return s.table.Get(ctx, id)
}

func (s *servedTable) Set(ctx context.Context, id uint64, data []byte) error {
	s.metrics.TrackRequest(1)
	defer s.metrics.TrackRequest(-1)
	return s.table.Set(ctx, id, data)
}

func (s *servedTable) CompareAndSwap(ctx context.Context, id uint64, expected, replacement []byte) (bool, error) {
	s.metrics.TrackRequest(1)
	defer s.metrics.TrackRequest(-1)
	return s.table.CompareAndSwap(ctx, id, expected, replacement)
}
