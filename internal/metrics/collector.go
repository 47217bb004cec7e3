package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blockfs/blockfs/pkg/errors"
)

// Localities label whether a block operation was served in-process or
// by a peer.
const (
	LocalityLocal  = "local"
	LocalityRemote = "remote"
)

// Collector records block transport, inode and circuit breaker metrics.
// A nil *Collector is valid and records nothing.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *slog.Logger

	// Prometheus metrics
	blockCounter   *prometheus.CounterVec
	blockDuration  *prometheus.HistogramVec
	blockBytes     *prometheus.CounterVec
	inodeCounter   *prometheus.CounterVec
	inodeDuration  *prometheus.HistogramVec
	casRetries     *prometheus.CounterVec
	errorCounter   *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	storeBlocks    prometheus.Gauge
	storeBytes     prometheus.Gauge
	activeRequests prometheus.Gauge

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time

	// HTTP server for metrics endpoint
	server   *http.Server
	listener net.Listener
	health   http.Handler
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *slog.Logger) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9100,
			Path:      "/metrics",
			Namespace: "blockfs",
			Labels:    make(map[string]string),
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "blockfs"
	}
	if logger == nil {
		logger = slog.Default()
	}

	if !config.Enabled {
		return &Collector{config: config, logger: logger}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		logger:     logger.With("component", "metrics"),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config != nil && c.config.Enabled
}

// Registry exposes the underlying registry, or nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	if !c.enabled() {
		return nil
	}
	return c.registry
}

// Start serves the metrics endpoint until ctx is cancelled or Stop is called.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	c.mu.RLock()
	health := c.health
	c.mu.RUnlock()
	if health != nil {
		mux.Handle("/health", health)
	} else {
		mux.HandleFunc("/health", c.healthHandler)
	}
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", c.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}

	c.mu.Lock()
	c.listener = listener
	c.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	server := c.server
	c.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	c.logger.Info("metrics endpoint listening", "address", listener.Addr().String(), "path", c.config.Path)
	return nil
}

// SetHealthHandler replaces the static /health response. It must be
// called before Start.
func (c *Collector) SetHealthHandler(handler http.Handler) {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	c.health = handler
	c.mu.Unlock()
}

// Addr returns the bound metrics address once Start has run.
func (c *Collector) Addr() string {
	if !c.enabled() {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop stops the metrics collection server
func (c *Collector) Stop(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}
	c.mu.RLock()
	server := c.server
	c.mu.RUnlock()
	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// RecordBlockOperation records one transport operation. Not-found reads
// count as successes.
func (c *Collector) RecordBlockOperation(operation, locality string, duration time.Duration, size int, err error) {
	if !c.enabled() {
		return
	}

	failed := err != nil && !errors.IsNotFound(err)
	c.track(locality+"."+operation, duration, int64(size), failed)

	c.blockCounter.With(prometheus.Labels{
		"operation": operation,
		"locality":  locality,
		"status":    statusLabel(failed),
	}).Inc()
	c.blockDuration.With(prometheus.Labels{
		"operation": operation,
		"locality":  locality,
	}).Observe(duration.Seconds())
	if size > 0 {
		c.blockBytes.With(prometheus.Labels{
			"operation": operation,
			"locality":  locality,
		}).Add(float64(size))
	}
	if failed {
		c.RecordError(operation, err)
	}
}

// RecordInodeOperation records one inode layer operation.
func (c *Collector) RecordInodeOperation(operation string, duration time.Duration, err error) {
	if !c.enabled() {
		return
	}

	failed := err != nil
	c.track("inode."+operation, duration, 0, failed)

	c.inodeCounter.With(prometheus.Labels{
		"operation": operation,
		"status":    statusLabel(failed),
	}).Inc()
	c.inodeDuration.With(prometheus.Labels{
		"operation": operation,
	}).Observe(duration.Seconds())
}

// RecordCASRetry counts a lost compare-and-swap race on a metadata record.
func (c *Collector) RecordCASRetry(operation string) {
	if !c.enabled() {
		return
	}
	c.casRetries.With(prometheus.Labels{"operation": operation}).Inc()
}

// RecordError records an error
func (c *Collector) RecordError(operation string, err error) {
	if !c.enabled() || err == nil {
		return
	}

	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"code":      classifyError(err),
	}).Inc()
}

// SetBreakerState publishes a peer's circuit breaker state (0 closed,
// 1 open, 2 half-open).
func (c *Collector) SetBreakerState(peer string, state int) {
	if !c.enabled() {
		return
	}
	c.breakerState.With(prometheus.Labels{"peer": peer}).Set(float64(state))
}

// UpdateStoreStats publishes backing store usage.
func (c *Collector) UpdateStoreStats(blocks, bytes int64) {
	if !c.enabled() {
		return
	}
	c.storeBlocks.Set(float64(blocks))
	c.storeBytes.Set(float64(bytes))
}

// TrackRequest adjusts the number of in-flight block server requests.
func (c *Collector) TrackRequest(delta int) {
	if !c.enabled() {
		return
	}
	c.activeRequests.Add(float64(delta))
}

// GetMetrics returns current metrics
func (c *Collector) GetMetrics() map[string]interface{} {
	metrics := make(map[string]interface{})
	if !c.enabled() {
		return metrics
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]*OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		copied := *v
		operations[k] = &copied
	}

	metrics["operations"] = operations
	metrics["last_reset"] = c.lastReset
	metrics["uptime"] = time.Since(c.lastReset)

	return metrics
}

// ResetMetrics resets all metrics
func (c *Collector) ResetMetrics() {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// Helper methods

func (c *Collector) track(operation string, duration time.Duration, size int64, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	metrics, exists := c.operations[operation]
	if !exists {
		metrics = &OperationMetrics{}
		c.operations[operation] = metrics
	}
	metrics.Count++
	metrics.TotalDuration += duration
	metrics.TotalSize += size
	if failed {
		metrics.Errors++
	}
	metrics.LastOperation = time.Now()
	metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)
	metrics.AvgSize = float64(metrics.TotalSize) / float64(metrics.Count)
}

func (c *Collector) initMetrics() {
	constLabels := prometheus.Labels(c.config.Labels)

	c.blockCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "block_operations_total",
			Help:        "Total number of block transport operations",
			ConstLabels: constLabels,
		},
		[]string{"operation", "locality", "status"},
	)

	c.blockDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "block_operation_duration_seconds",
			Help:        "Duration of block transport operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3s
			ConstLabels: constLabels,
		},
		[]string{"operation", "locality"},
	)

	c.blockBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "block_bytes_total",
			Help:        "Bytes moved by block transport operations",
			ConstLabels: constLabels,
		},
		[]string{"operation", "locality"},
	)

	c.inodeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "inode_operations_total",
			Help:        "Total number of inode operations",
			ConstLabels: constLabels,
		},
		[]string{"operation", "status"},
	)

	c.inodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "inode_operation_duration_seconds",
			Help:        "Duration of inode operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 18),
			ConstLabels: constLabels,
		},
		[]string{"operation"},
	)

	c.casRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "cas_retries_total",
			Help:        "Metadata updates that lost a compare-and-swap race and retried",
			ConstLabels: constLabels,
		},
		[]string{"operation"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "errors_total",
			Help:        "Total number of errors",
			ConstLabels: constLabels,
		},
		[]string{"operation", "code"},
	)

	c.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "peer_circuit_state",
			Help:        "Circuit breaker state per peer (0 closed, 1 open, 2 half-open)",
			ConstLabels: constLabels,
		},
		[]string{"peer"},
	)

	c.storeBlocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "store_blocks",
			Help:        "Blocks held by the local backing store",
			ConstLabels: constLabels,
		},
	)

	c.storeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "store_bytes",
			Help:        "Bytes held by the local backing store",
			ConstLabels: constLabels,
		},
	)

	c.activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "active_requests",
			Help:        "Block server requests currently being served",
			ConstLabels: constLabels,
		},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.blockCounter,
		c.blockDuration,
		c.blockBytes,
		c.inodeCounter,
		c.inodeDuration,
		c.casRetries,
		c.errorCounter,
		c.breakerState,
		c.storeBlocks,
		c.storeBytes,
		c.activeRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

func statusLabel(failed bool) string {
	if failed {
		return "error"
	}
	return "success"
}

func classifyError(err error) string {
	if code := errors.CodeOf(err); code != "" {
		return string(code)
	}
	return "other"
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"blockfs"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	operations, _ := c.GetMetrics()["operations"].(map[string]*OperationMetrics)

	names := make([]string, 0, len(operations))
	for name := range operations {
		names = append(names, name)
	}
	sort.Strings(names)

	type row struct {
		Name string `json:"name"`
		*OperationMetrics
	}
	rows := make([]row, 0, len(names))
	for _, name := range names {
		rows = append(rows, row{Name: name, OperationMetrics: operations[name]})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}
