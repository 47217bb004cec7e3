/*
Package metrics exposes Prometheus metrics for a blockfs node.

The Collector owns a private registry and records:

  - block transport operations by operation (read, write, cas) and locality
    (local, remote), with latency histograms and byte counters
  - inode operations and compare-and-swap retries on metadata records
  - per-peer circuit breaker state
  - backing store usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9100,
		Path:      "/metrics",
		Namespace: "blockfs",
	}, logger)
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}

	collector.RecordBlockOperation("read", metrics.LocalityRemote, elapsed, len(data), err)

Besides /metrics the endpoint serves /health and /debug/operations, a JSON
summary of per-operation counts and averages.

A nil *Collector is valid; every method is a no-op. Components accept one
optionally so tests can leave it out.
*/
package metrics
