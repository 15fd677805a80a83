package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seiroga/trading/internal/events"
)

type recordingSink struct {
	mu       sync.Mutex
	messages []string
}

func (s *recordingSink) Send(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.InstantSample("EUR_USD")
		m.HistoricalFetch("EUR_USD", OutcomeOK)
		m.BrokerCall("create_order", time.Millisecond)
		m.Reconciled(errors.New("x"))
		_ = m.Snapshot()
	})
}

func TestMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.HistoricalFetch("EUR_USD", OutcomeEmpty)
	m.HistoricalFetch("EUR_USD", OutcomeEmpty)
	m.OrderRegistered("filled")
	m.BrokerCall("find_order", 2*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	counters := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				counters[f.GetName()] += c.GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, counters["engine_historical_fetches_total"])
	assert.Equal(t, 1.0, counters["engine_orders_total"])
	assert.Equal(t, 1, m.Snapshot().BrokerLatency.Count)
}

func TestLatencyHistogramWindow(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{10, 1, 2, 3} {
		h.Record(v)
	}
	s := h.Stats()
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 3.0, s.Max)
	assert.Equal(t, 2.0, s.Avg)
}

func TestMonitorAlertsOnFailures(t *testing.T) {
	bus := events.NewBus()
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	(&Monitor{Bus: bus, Sink: sink}).Start(ctx)

	bus.Publish(events.EventStrategySignal, events.StrategySignal{Direction: "buy", At: time.Now()})
	bus.Publish(events.EventStrategySignal, events.StrategySignal{Direction: "sell", Error: "trade canceled", At: time.Now()})
	bus.Publish(events.EventReconciled, ReconcileResult{At: time.Now(), Error: "broker down"})

	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 10*time.Millisecond)
}
