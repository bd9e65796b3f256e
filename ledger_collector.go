package tact

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LedgerCollector exposes the verification ledger's storage engine metrics.
type LedgerCollector struct {
	l *ledger

	compactionCount *prometheus.Desc
	memtableSize    *prometheus.Desc
	walSize         *prometheus.Desc
	diskUsage       *prometheus.Desc
	readAmp         *prometheus.Desc
}

func NewLedgerCollector(c *Client) *LedgerCollector {
	return &LedgerCollector{
		l: c.ledger,

		compactionCount: prometheus.NewDesc(
			"tact_ledger_compaction_count_total",
			"Total number of ledger compactions performed",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"tact_ledger_memtable_size_bytes",
			"Current size of the ledger memtable in bytes",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"tact_ledger_wal_size_bytes",
			"Size of live ledger WAL data in bytes",
			nil, nil,
		),
		diskUsage: prometheus.NewDesc(
			"tact_ledger_disk_usage_bytes",
			"Total ledger disk usage in bytes",
			nil, nil,
		),
		readAmp: prometheus.NewDesc(
			"tact_ledger_read_amplification",
			"Current ledger read amplification",
			nil, nil,
		),
	}
}

func (lc *LedgerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- lc.compactionCount
	ch <- lc.memtableSize
	ch <- lc.walSize
	ch <- lc.diskUsage
	ch <- lc.readAmp
}

func (lc *LedgerCollector) Collect(ch chan<- prometheus.Metric) {
	metrics := lc.l.metrics()
	if metrics == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(
		lc.compactionCount,
		prometheus.CounterValue,
		float64(metrics.Compact.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		lc.memtableSize,
		prometheus.GaugeValue,
		float64(metrics.MemTable.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		lc.walSize,
		prometheus.GaugeValue,
		float64(metrics.WAL.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		lc.diskUsage,
		prometheus.GaugeValue,
		float64(metrics.DiskSpaceUsage()),
	)
	ch <- prometheus.MustNewConstMetric(
		lc.readAmp,
		prometheus.GaugeValue,
		float64(metrics.ReadAmp()),
	)
}
