package tact

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ngdplib/tact/cdn"
)

var ResolveCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tact",
	Subsystem: "resolver",
	Name:      "resolved",
}, []string{"source", "kind"})

var DownloadBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tact",
	Subsystem: "resolver",
	Name:      "downloaded_bytes",
}, []string{"kind"})

var ValidationResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tact",
	Subsystem: "resolver",
	Name:      "validations",
}, []string{"result"})

var GroupBuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "tact",
	Subsystem: "index",
	Name:      "group_build_seconds",
	Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
})

var ExtractDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tact",
	Subsystem: "client",
	Name:      "extract_seconds",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15},
}, []string{"by"})

// RegisterMetrics registers every collector of the module, including the
// mirror pool's, on reg. Embedders that scrape call it once at startup.
func RegisterMetrics(reg prometheus.Registerer, c *Client) error {
	cs := []prometheus.Collector{
		ResolveCount, DownloadBytes, ValidationResults,
		GroupBuildDuration, ExtractDuration,
		cdn.PoolRequests, cdn.PingRTT,
	}
	if c != nil && c.ledger != nil {
		cs = append(cs, NewLedgerCollector(c))
	}
	for _, col := range cs {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}
