/*
Package metrics exposes depot's Prometheus metrics.

Metrics are package-level collectors registered at init: cache hit/miss and
byte gauges, sync worker counters, read-only mode, and per-operation request
counters and latency histograms. Serve exposes them on /metrics.
*/
package metrics
