// Package metrics exposes node and pool runtime counters as Prometheus
// gauges/counters, and as a plain snapshot for the get_metrics RPC method.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector tracks runtime counters as plain atomics (the source of truth)
// and mirrors them into a dedicated Prometheus registry via Func gauges, so
// a single set of fields backs both the /metrics scrape and the get_metrics
// JSON-RPC snapshot without the two ever drifting apart.
type Collector struct {
	registry *prometheus.Registry

	height          atomic.Uint64
	mempoolSize     atomic.Int64
	peerCount       atomic.Int64
	blocksProcessed atomic.Uint64
	reorgsTotal     atomic.Uint64
	lastReorgDepth  atomic.Uint64

	sharesValid   atomic.Uint64
	sharesInvalid atomic.Uint64
	payoutBatches atomic.Uint64
}

// New creates a Collector and registers its gauges/counters on a fresh
// registry (not the global default, so embedding apps can run more than
// one node/pool in a process without name collisions).
func New() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "zion_chain_height",
			Help: "Current local chain height.",
		}, func() float64 { return float64(c.height.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "zion_mempool_size",
			Help: "Number of transactions currently in the mempool.",
		}, func() float64 { return float64(c.mempoolSize.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "zion_peer_count",
			Help: "Number of connected P2P peers.",
		}, func() float64 { return float64(c.peerCount.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "zion_blocks_processed_total",
			Help: "Total blocks accepted onto the active chain.",
		}, func() float64 { return float64(c.blocksProcessed.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "zion_reorgs_total",
			Help: "Total number of chain reorganizations.",
		}, func() float64 { return float64(c.reorgsTotal.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "zion_last_reorg_depth",
			Help: "Depth (in blocks) of the most recent reorganization.",
		}, func() float64 { return float64(c.lastReorgDepth.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "zion_pool_shares_valid_total",
			Help: "Total valid shares submitted to the mining pool.",
		}, func() float64 { return float64(c.sharesValid.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "zion_pool_shares_invalid_total",
			Help: "Total rejected shares submitted to the mining pool.",
		}, func() float64 { return float64(c.sharesInvalid.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "zion_pool_payout_batches_total",
			Help: "Total PPLNS payout batches broadcast on-chain.",
		}, func() float64 { return float64(c.payoutBatches.Load()) }),
	)

	return c
}

// Handler returns the HTTP handler that serves the Prometheus text exposition
// format for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetHeight records the current chain height.
func (c *Collector) SetHeight(h uint64) { c.height.Store(h) }

// SetMempoolSize records the current mempool transaction count.
func (c *Collector) SetMempoolSize(n int) { c.mempoolSize.Store(int64(n)) }

// SetPeerCount records the current connected peer count.
func (c *Collector) SetPeerCount(n int) { c.peerCount.Store(int64(n)) }

// RecordBlockProcessed increments the accepted-block counter.
func (c *Collector) RecordBlockProcessed() { c.blocksProcessed.Add(1) }

// RecordReorg increments the reorg counter and records the reorg's depth.
func (c *Collector) RecordReorg(depth uint64) {
	c.reorgsTotal.Add(1)
	c.lastReorgDepth.Store(depth)
}

// RecordShare increments the valid or invalid pool share counter.
func (c *Collector) RecordShare(valid bool) {
	if valid {
		c.sharesValid.Add(1)
	} else {
		c.sharesInvalid.Add(1)
	}
}

// RecordPayoutBatch increments the pool payout batch counter.
func (c *Collector) RecordPayoutBatch() { c.payoutBatches.Add(1) }

// Snapshot is a point-in-time read of every counter, for the get_metrics
// JSON-RPC method (callers that don't scrape /metrics).
type Snapshot struct {
	Height          uint64
	MempoolSize     int
	PeerCount       int
	BlocksProcessed uint64
	ReorgsTotal     uint64
	LastReorgDepth  uint64
}

// Snapshot reads every counter without touching the Prometheus registry.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Height:          c.height.Load(),
		MempoolSize:     int(c.mempoolSize.Load()),
		PeerCount:       int(c.peerCount.Load()),
		BlocksProcessed: c.blocksProcessed.Load(),
		ReorgsTotal:     c.reorgsTotal.Load(),
		LastReorgDepth:  c.lastReorgDepth.Load(),
	}
}
