package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/blockfs/blockfs/internal/cache"
	"github.com/blockfs/blockfs/internal/circuit"
	"github.com/blockfs/blockfs/internal/config"
	"github.com/blockfs/blockfs/internal/filesystem"
	"github.com/blockfs/blockfs/internal/fuse"
	"github.com/blockfs/blockfs/internal/metrics"
	"github.com/blockfs/blockfs/internal/store"
	"github.com/blockfs/blockfs/internal/transport"
	"github.com/blockfs/blockfs/internal/wire"
	"github.com/blockfs/blockfs/pkg/errors"
	"github.com/blockfs/blockfs/pkg/health"
	"github.com/blockfs/blockfs/pkg/types"
	"github.com/blockfs/blockfs/pkg/utils"
)

// node is one running participant: its store, transport and block server.
type node struct {
	collector *metrics.Collector
	health    *health.Tracker
	backing   types.BlockStore
	closer    io.Closer
	transport *transport.Node
	server    *wire.Server
	fsys      *filesystem.FileSystem
	logger    *slog.Logger

	cancel context.CancelFunc
	served chan struct{}
}

func startNode(ctx context.Context, cfg *config.Configuration, logger *slog.Logger) (_ *node, err error) {
	ctx, cancel := context.WithCancel(ctx)
	n := &node{logger: logger, cancel: cancel, served: make(chan struct{})}
	defer func() {
		if err != nil {
			n.shutdown()
		}
	}()

	n.collector, err = metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Port:      cfg.Metrics.Port,
		Path:      cfg.Metrics.Path,
		Namespace: "blockfs",
	}, logger)
	if err != nil {
		return nil, err
	}
	n.health = health.NewTracker(health.Config{
		OnStateChange: func(component string, from, to health.HealthState, err error) {
			logger.Warn("Component health changed", "component", component,
				"from", from.String(), "to", to.String(), "error", err)
		},
	})
	n.collector.SetHealthHandler(n.health)
	if err := n.collector.Start(ctx); err != nil {
		return nil, err
	}

	n.backing, n.closer, err = store.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	checkStore := storeCheck(n.backing)
	if cfg.Storage.Cache.Size > 0 {
		n.backing = cache.NewStore(n.backing, &cache.Config{
			MaxSize:    cfg.Storage.Cache.Size,
			MaxEntries: cfg.Storage.Cache.MaxEntries,
		})
		logger.Info("block cache enabled", "size", utils.FormatBytes(cfg.Storage.Cache.Size))
	}

	var breaker *circuit.Config
	if cfg.Transport.CircuitBreaker.Enabled {
		breaker = &circuit.Config{
			FailureThreshold: uint32(cfg.Transport.CircuitBreaker.FailureThreshold),
			Timeout:          cfg.Transport.CircuitBreaker.Timeout,
			OnStateChange: func(peer uint64, from, to circuit.State) {
				switch to {
				case circuit.StateOpen:
					n.health.RecordError(peerComponent(peer), fmt.Errorf("circuit opened"))
				case circuit.StateClosed:
					n.health.RecordSuccess(peerComponent(peer))
				}
			},
		}
	}
	n.transport, err = transport.New(transport.Config{
		Identity:         cfg.Node.ID,
		Population:       cfg.Node.Nodes,
		Endpoint:         cfg.Endpoint,
		ConnectTimeout:   cfg.Transport.Timeouts.Connect,
		OperationTimeout: cfg.Transport.Timeouts.Operation,
		Breaker:          breaker,
	}, transport.NewBlockTable(n.backing), n.collector, logger)
	if err != nil {
		return nil, err
	}

	n.server, err = wire.Listen(cfg.ListenAddress(), n.transport.Handler(), wire.ServerConfig{
		IdleTimeout: cfg.Transport.Timeouts.Operation,
	}, logger)
	if err != nil {
		return nil, err
	}
	go func() {
		defer close(n.served)
		if err := n.server.Serve(ctx); err != nil {
			logger.Error("Block server stopped", "error", err)
		}
	}()

	n.fsys = filesystem.New(n.transport, n.backing, logger,
		filesystem.WithMetrics(n.collector),
		filesystem.WithCASAttempts(cfg.Transport.CASAttempts))

	n.health.Register("store", checkStore)
	for id := uint64(0); id < cfg.Node.Nodes; id++ {
		if id == cfg.Node.ID {
			continue
		}
		id, endpoint := id, cfg.Endpoint(id)
		n.health.Register(peerComponent(id), func(ctx context.Context) error {
			return probe(ctx, id, endpoint, cfg.Transport.Timeouts.Connect)
		})
	}
	go n.health.Run(ctx)
	return n, nil
}

// storeCheck checks the backing store without listing it. Stores with
// their own health check use it; others must answer a read of block 0,
// where not found counts as healthy.
func storeCheck(backing types.BlockStore) health.Check {
	if checker, ok := backing.(interface{ HealthCheck(context.Context) error }); ok {
		return checker.HealthCheck
	}
	return func(ctx context.Context) error {
		_, err := backing.Get(ctx, types.RootAddress.Block)
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
}

func peerComponent(id uint64) string {
	return fmt.Sprintf("peer/%d", id)
}

// mount serves the namespace at mountPoint until ctx ends or the
// filesystem is unmounted externally.
func (n *node) mount(ctx context.Context, mountPoint string, cfg config.MountConfig) error {
	manager := fuse.NewMountManager(n.fsys, fuse.MountConfig{
		MountPoint:   mountPoint,
		FSName:       cfg.FSName,
		AllowOther:   cfg.AllowOther,
		Debug:        cfg.Debug,
		AttrTimeout:  cfg.AttrTTL,
		EntryTimeout: cfg.EntryTTL,
	}, n.logger)
	if err := manager.Mount(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		manager.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		if err := manager.Unmount(); err != nil {
			return err
		}
		<-done
	case <-done:
	}

	stats := manager.GetStats()
	n.logger.Info("Unmounted", "mount_point", mountPoint,
		"reads", stats.Reads, "writes", stats.Writes, "errors", stats.Errors)
	return nil
}

// shutdown stops serving, flushes the store and releases it.
func (n *node) shutdown() {
	n.cancel()
	if n.server != nil {
		_ = n.server.Close()
		<-n.served
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if n.fsys != nil {
		if err := n.fsys.Sync(ctx); err != nil {
			n.logger.Error("Final sync failed", "error", err)
		}
	}
	if n.closer != nil {
		if err := n.closer.Close(); err != nil {
			n.logger.Error("Closing store failed", "error", err)
		}
	}
	if err := n.collector.Stop(ctx); err != nil {
		n.logger.Warn("Stopping metrics failed", "error", err)
	}
}
