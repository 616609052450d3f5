package metric

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StateSource is the storage state read at scrape time.
type StateSource interface {
	CurrentSequence(ctx context.Context) (uint64, error)
	Partitions(ctx context.Context) ([]string, error)
	Count(ctx context.Context, partition string) (int, error)
}

// Collector exposes the event log tail and the retained snapshots per
// folder. Values are read from storage on every scrape.
type Collector struct {
	source  StateSource
	timeout time.Duration
	logger  *slog.Logger

	sequence  *prometheus.Desc
	snapshots *prometheus.Desc
}

// NewCollector creates a collector over source.
func NewCollector(source StateSource, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		source:  source,
		timeout: 5 * time.Second,
		logger:  logger,
		sequence: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "event_log", "sequence"),
			"Current event log tail sequence.",
			nil, nil),
		snapshots: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "snapshots_retained"),
			"Snapshots retained per folder, active included.",
			[]string{"partition"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sequence
	ch <- c.snapshots
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if seq, err := c.source.CurrentSequence(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.sequence, prometheus.GaugeValue, float64(seq))
	} else {
		c.logger.Warn("metrics: read sequence failed", "error", err)
	}

	partitions, err := c.source.Partitions(ctx)
	if err != nil {
		c.logger.Warn("metrics: list partitions failed", "error", err)
		return
	}
	for _, p := range partitions {
		n, err := c.source.Count(ctx, p)
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.snapshots, prometheus.GaugeValue, float64(n), p)
	}
}
