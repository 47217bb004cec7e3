package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockfs/blockfs/pkg/errors"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	collector, err := NewCollector(&Config{Enabled: true, Namespace: "test"}, nil)
	require.NoError(t, err)
	return collector
}

func value(t *testing.T, metric prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, metric.Write(&pb))
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	}
	return 0
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with valid config", func(t *testing.T) {
		config := &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "blockfs",
			Subsystem: "test",
		}
		collector, err := NewCollector(config, nil)
		require.NoError(t, err)
		assert.Same(t, config, collector.config)
		assert.NotNil(t, collector.registry)
		assert.NotNil(t, collector.operations)
	})

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil, nil)
		require.NoError(t, err)
		require.NotNil(t, collector.config)
		assert.Equal(t, 9100, collector.config.Port)
		assert.Equal(t, "/metrics", collector.config.Path)
		assert.Equal(t, "blockfs", collector.config.Namespace)
	})

	t.Run("with disabled config", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false}, nil)
		require.NoError(t, err)
		assert.Nil(t, collector.Registry())

		// Recording on a disabled collector must not panic.
		collector.RecordBlockOperation("read", LocalityLocal, time.Millisecond, 10, nil)
		collector.RecordInodeOperation("lookup", time.Millisecond, nil)
		assert.Empty(t, collector.GetMetrics())
	})

	t.Run("nil collector", func(t *testing.T) {
		var collector *Collector
		collector.RecordBlockOperation("read", LocalityRemote, time.Millisecond, 10, nil)
		collector.RecordCASRetry("create")
		collector.SetBreakerState("node-1", 1)
		assert.NoError(t, collector.Start(context.Background()))
		assert.NoError(t, collector.Stop(context.Background()))
	})
}

func TestRecordBlockOperation(t *testing.T) {
	t.Parallel()
	collector := newTestCollector(t)

	collector.RecordBlockOperation("read", LocalityRemote, 2*time.Millisecond, 512, nil)
	collector.RecordBlockOperation("read", LocalityRemote, 4*time.Millisecond, 0,
		errors.NewError(errors.ErrCodeBlockNotFound, "absent"))
	collector.RecordBlockOperation("read", LocalityRemote, time.Millisecond, 0,
		errors.NewError(errors.ErrCodeTransportFailure, "refused"))

	operations := collector.GetMetrics()["operations"].(map[string]*OperationMetrics)
	op := operations["remote.read"]
	require.NotNil(t, op)
	assert.Equal(t, int64(3), op.Count)
	assert.Equal(t, int64(1), op.Errors, "not found is not a failure")
	assert.Equal(t, int64(512), op.TotalSize)

	assert.Equal(t, 2.0, value(t, collector.blockCounter.WithLabelValues("read", "remote", "success")))
	assert.Equal(t, 1.0, value(t, collector.blockCounter.WithLabelValues("read", "remote", "error")))
	assert.Equal(t, 512.0, value(t, collector.blockBytes.WithLabelValues("read", "remote")))
	assert.Equal(t, 1.0, value(t, collector.errorCounter.WithLabelValues("read", "TRANSPORT_FAILURE")))
}

func TestRecordInodeOperationAndRetries(t *testing.T) {
	t.Parallel()
	collector := newTestCollector(t)

	collector.RecordInodeOperation("create", time.Millisecond, nil)
	collector.RecordInodeOperation("create", time.Millisecond, errors.NewError(errors.ErrCodeEntryExists, "dup"))
	collector.RecordCASRetry("create")
	collector.RecordCASRetry("create")

	assert.Equal(t, 1.0, value(t, collector.inodeCounter.WithLabelValues("create", "success")))
	assert.Equal(t, 1.0, value(t, collector.inodeCounter.WithLabelValues("create", "error")))
	assert.Equal(t, 2.0, value(t, collector.casRetries.WithLabelValues("create")))
}

func TestGauges(t *testing.T) {
	t.Parallel()
	collector := newTestCollector(t)

	collector.SetBreakerState("node-2", 1)
	collector.UpdateStoreStats(10, 4096)
	collector.TrackRequest(1)
	collector.TrackRequest(1)
	collector.TrackRequest(-1)

	assert.Equal(t, 1.0, value(t, collector.breakerState.WithLabelValues("node-2")))
	assert.Equal(t, 10.0, value(t, collector.storeBlocks))
	assert.Equal(t, 4096.0, value(t, collector.storeBytes))
	assert.Equal(t, 1.0, value(t, collector.activeRequests))
}

func TestResetMetrics(t *testing.T) {
	t.Parallel()
	collector := newTestCollector(t)

	collector.RecordBlockOperation("write", LocalityLocal, time.Millisecond, 1, nil)
	collector.ResetMetrics()

	operations := collector.GetMetrics()["operations"].(map[string]*OperationMetrics)
	assert.Empty(t, operations)
}

func TestMetricsEndpoint(t *testing.T) {
	collector, err := NewCollector(&Config{Enabled: true, Port: 0, Namespace: "blockfs"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, collector.Start(ctx))
	defer collector.Stop(context.Background())

	collector.RecordBlockOperation("write", LocalityLocal, time.Millisecond, 64, nil)

	port := collector.Addr()[strings.LastIndex(collector.Addr(), ":")+1:]
	base := fmt.Sprintf("http://127.0.0.1:%s", port)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "blockfs_block_operations_total")

	resp, err = http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/debug/operations")
	require.NoError(t, err)
	defer resp.Body.Close()
	var rows []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "local.write", rows[0]["name"])
}

func TestCustomHealthHandler(t *testing.T) {
	collector, err := NewCollector(&Config{Enabled: true, Port: 0, Namespace: "blockfs"}, nil)
	require.NoError(t, err)
	collector.SetHealthHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, collector.Start(ctx))
	defer collector.Stop(context.Background())

	port := collector.Addr()[strings.LastIndex(collector.Addr(), ":")+1:]
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%s/health", port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
