// Package metric provides Prometheus metrics for MailSync.
//
// This package implements metrics collection and exposition:
//
//   - prometheus.go: the metric registry, recording helpers and the HTTP
//     handler
//   - collector.go: a scrape-time collector for event log and snapshot
//     state
//
// Metrics include:
//
//   - Events appended and snapshots saved
//   - Load outcomes and latency by source (snapshot, initial, bypass)
//   - Replay anomalies and remote failures
//   - Encoder fallback stage usage
//   - HTTP request counts and latency
//
// Metrics are exposed at /metrics in Prometheus format.
package metric
