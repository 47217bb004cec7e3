package main

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/blockfs/blockfs/internal/config"
	"github.com/blockfs/blockfs/pkg/errors"
	"github.com/blockfs/blockfs/pkg/retry"
)

// waitForPeers blocks until every other node's endpoint accepts a TCP
// connection, backing off between rounds.
func waitForPeers(ctx context.Context, cfg *config.Configuration, logger *slog.Logger) error {
	retryer := retry.New(retry.Config{
		MaxAttempts:  cfg.Transport.PeerWait.MaxAttempts,
		InitialDelay: cfg.Transport.PeerWait.BaseDelay,
		MaxDelay:     cfg.Transport.PeerWait.MaxDelay,
		Multiplier:   2,
		Jitter:       true,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.Info("Waiting for peers", "attempt", attempt, "retry_in", delay, "error", err)
		},
	})

	pending := make(map[uint64]string)
	for id := uint64(0); id < cfg.Node.Nodes; id++ {
		if id != cfg.Node.ID {
			pending[id] = cfg.Endpoint(id)
		}
	}

	err := retryer.Do(ctx, func(ctx context.Context) error {
		for id, endpoint := range pending {
			if err := probe(ctx, id, endpoint, cfg.Transport.Timeouts.Connect); err != nil {
				return err
			}
			delete(pending, id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("All peers reachable", "nodes", cfg.Node.Nodes)
	return nil
}

// probe reports whether node id accepts TCP connections at endpoint.
func probe(ctx context.Context, id uint64, endpoint string, timeout time.Duration) error {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return errors.Newf(errors.ErrCodeTransportFailure, "node %d at %s is not reachable", id, endpoint).
			WithComponent("cli").
			WithCause(err)
	}
	return conn.Close()
}
