// Package monitor exposes engine metrics and turns notable events into alerts.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Historical fetch outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeEmpty = "empty"
	OutcomeError = "error"
	OutcomeGap   = "gap"
)

// Metrics groups the Prometheus collectors updated by the engine. Every
// method is safe on a nil *Metrics, so components can run unmetered.
type Metrics struct {
	instantSamples   *prometheus.CounterVec
	instantFlushes   *prometheus.CounterVec
	instantErrors    *prometheus.CounterVec
	instantDropped   *prometheus.CounterVec
	historical       *prometheus.CounterVec
	orders           *prometheus.CounterVec
	trades           *prometheus.CounterVec
	signals          *prometheus.CounterVec
	ema              *prometheus.GaugeVec
	reconciles       *prometheus.CounterVec
	brokerLatency    *prometheus.HistogramVec
	busDrops         *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	BrokerLatencyLog *LatencyHistogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		instantSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_instant_samples_total",
			Help: "Instant snapshots appended to the collector cache",
		}, []string{"instrument"}),
		instantFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_instant_flushes_total",
			Help: "Collector cache flushes to storage",
		}, []string{"instrument"}),
		instantErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_instant_errors_total",
			Help: "Failed instant polls or flushes",
		}, []string{"instrument"}),
		instantDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_instant_dropped_total",
			Help: "Instant samples lost because a flush failed",
		}, []string{"instrument"}),
		historical: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_historical_fetches_total",
			Help: "Historical bucket fetches by outcome (ok|empty|error|gap)",
		}, []string{"instrument", "outcome"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_total",
			Help: "Orders registered in the ledger by state",
		}, []string{"state"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_trade_transitions_total",
			Help: "Trade state transitions persisted by the trader",
		}, []string{"state"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_strategy_signals_total",
			Help: "Crossings that fired a trade, by direction",
		}, []string{"direction"}),
		ema: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_strategy_ema",
			Help: "Latest EMA values (fast|slow)",
		}, []string{"series"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_reconciliations_total",
			Help: "Ledger reconciliation passes by result",
		}, []string{"result"}),
		brokerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_broker_call_seconds",
			Help:    "Latency of broker calls made by the trader",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		busDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_bus_dropped_total",
			Help: "Observer notifications dropped because a subscriber was slow",
		}, []string{"event"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_http_requests_total",
			Help: "API requests by route and status",
		}, []string{"method", "route", "status"}),
		BrokerLatencyLog: NewLatencyHistogram(1000),
	}

	if reg != nil {
		reg.MustRegister(
			m.instantSamples, m.instantFlushes, m.instantErrors, m.instantDropped, m.historical,
			m.orders, m.trades, m.signals, m.ema, m.reconciles,
			m.brokerLatency, m.busDrops, m.httpRequests,
		)
	}
	return m
}

func (m *Metrics) InstantSample(instrument string) {
	if m == nil {
		return
	}
	m.instantSamples.WithLabelValues(instrument).Inc()
}

func (m *Metrics) InstantFlush(instrument string) {
	if m == nil {
		return
	}
	m.instantFlushes.WithLabelValues(instrument).Inc()
}

func (m *Metrics) InstantError(instrument string) {
	if m == nil {
		return
	}
	m.instantErrors.WithLabelValues(instrument).Inc()
}

func (m *Metrics) InstantDropped(instrument string, n int) {
	if m == nil {
		return
	}
	m.instantDropped.WithLabelValues(instrument).Add(float64(n))
}

func (m *Metrics) HistoricalFetch(instrument, outcome string) {
	if m == nil {
		return
	}
	m.historical.WithLabelValues(instrument, outcome).Inc()
}

func (m *Metrics) OrderRegistered(state string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(state).Inc()
}

func (m *Metrics) TradeTransition(state string) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(state).Inc()
}

func (m *Metrics) Signal(direction string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(direction).Inc()
}

func (m *Metrics) SetEMA(fast, slow float64) {
	if m == nil {
		return
	}
	m.ema.WithLabelValues("fast").Set(fast)
	m.ema.WithLabelValues("slow").Set(slow)
}

func (m *Metrics) Reconciled(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reconciles.WithLabelValues(result).Inc()
}

// BrokerCall records the latency of one broker round trip.
func (m *Metrics) BrokerCall(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.brokerLatency.WithLabelValues(op).Observe(d.Seconds())
	m.BrokerLatencyLog.RecordDuration(d)
}

func (m *Metrics) BusDrop(event string) {
	if m == nil {
		return
	}
	m.busDrops.WithLabelValues(event).Inc()
}

func (m *Metrics) HTTPRequest(method, route, status string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
}

// LatencyHistogram keeps a sliding window of latency samples for the JSON
// status endpoint. Stats are recomputed lazily.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg and percentiles of the current window.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Snapshot is the JSON view served by the status endpoint.
type Snapshot struct {
	BrokerLatency  LatencyStats `json:"broker_latency"`
	GoroutineCount int          `json:"goroutine_count"`
	HeapAlloc      uint64       `json:"heap_alloc_bytes"`
	HeapSys        uint64       `json:"heap_sys_bytes"`
	Timestamp      time.Time    `json:"timestamp"`
}

func (m *Metrics) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s := Snapshot{
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      memStats.HeapAlloc,
		HeapSys:        memStats.HeapSys,
		Timestamp:      time.Now(),
	}
	if m != nil {
		s.BrokerLatency = m.BrokerLatencyLog.Stats()
	}
	return s
}
