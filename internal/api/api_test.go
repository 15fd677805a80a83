package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/seiroga/trading/internal/events"
	"github.com/seiroga/trading/internal/monitor"
	"github.com/seiroga/trading/internal/strategy"
	"github.com/seiroga/trading/pkg/db"
	"github.com/seiroga/trading/pkg/errs"
	"github.com/seiroga/trading/pkg/record"
)

const testSecret = "test-secret"

type fakeLedger struct {
	closed       []string
	closeErr     error
	pendingCalls int
}

func (l *fakeLedger) Orders(ctx context.Context, limit int) ([]db.OrderRow, error) {
	return []db.OrderRow{{InternalID: "a", RemoteID: "O-1", State: "filled"}}, nil
}

func (l *fakeLedger) Trades(ctx context.Context, limit int) ([]db.TradeRow, error) {
	return nil, errors.New("disk on fire")
}

func (l *fakeLedger) CloseTrade(ctx context.Context, id string, units int64) error {
	if l.closeErr != nil {
		return l.closeErr
	}
	l.closed = append(l.closed, fmt.Sprintf("%s:%d", id, units))
	return nil
}

func (l *fakeLedger) ClosePendingTrades(ctx context.Context) error {
	l.pendingCalls++
	return nil
}

type fakeData struct {
	granularity time.Duration
	start, end  *time.Time
}

func (d *fakeData) GetData(ctx context.Context, instrument string, g time.Duration, start, end *time.Time) ([]record.Record, error) {
	if instrument == "XXX" {
		return nil, errs.Validation("instrument", "unknown")
	}
	d.granularity, d.start, d.end = g, start, end
	return []record.Record{{"time": record.Time(*start)}}, nil
}

func (d *fakeData) GetInstantData(ctx context.Context, instrument string, start, end *time.Time) ([]record.Record, error) {
	return []record.Record{}, nil
}

type fakeStrategy struct{}

func (fakeStrategy) Snapshot() strategy.Snapshot {
	return strategy.Snapshot{Instrument: "EUR_USD", CrossValue: 1.25, WaitingForThreshold: true}
}

type fakeReconciler struct{ calls int }

func (r *fakeReconciler) Reconcile(ctx context.Context) monitor.ReconcileResult {
	r.calls++
	return monitor.ReconcileResult{At: time.Now()}
}

func (r *fakeReconciler) Last() (monitor.ReconcileResult, bool) {
	return monitor.ReconcileResult{}, r.calls > 0
}

type testServer struct {
	*httptest.Server
	ledger     *fakeLedger
	data       *fakeData
	reconciler *fakeReconciler
	bus        *events.Bus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	ts := &testServer{
		ledger:     &fakeLedger{},
		data:       &fakeData{},
		reconciler: &fakeReconciler{},
		bus:        events.NewBus(),
	}
	server := NewServer(Deps{
		Ledger:     ts.ledger,
		Data:       ts.data,
		Strategy:   fakeStrategy{},
		Reconciler: ts.reconciler,
		Bus:        ts.bus,
		Metrics:    monitor.NewMetrics(reg),
		Gatherer:   reg,
	}, SystemMeta{Broker: "paper", Instrument: "EUR_USD", Granularity: time.Minute, Storage: "memory", Version: "test"},
		testSecret, zaptest.NewLogger(t))

	ts.Server = httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(payload))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func issue(t *testing.T) string {
	t.Helper()
	token, expires, err := IssueToken("operator", testSecret, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)
	return token
}

func TestHealthAndRequestID(t *testing.T) {
	ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestReadOnlyViews(t *testing.T) {
	ts := newTestServer(t)

	var orders []db.OrderRow
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/orders?limit=5", "", nil, &orders))
	require.Len(t, orders, 1)
	assert.Equal(t, "O-1", orders[0].RemoteID)

	var failure struct {
		Code string `json:"code"`
	}
	assert.Equal(t, http.StatusInternalServerError, ts.do(t, http.MethodGet, "/api/v1/trades", "", nil, &failure))
	assert.Equal(t, "DB_ERROR", failure.Code)

	var snap strategy.Snapshot
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/strategy", "", nil, &snap))
	assert.True(t, snap.WaitingForThreshold)
	assert.Equal(t, 1.25, snap.CrossValue)

	var status map[string]any
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/status", "", nil, &status))
	assert.Contains(t, status, "meta")
	assert.NotContains(t, status, "last_reconcile")
}

func TestHistoricalDataQuery(t *testing.T) {
	ts := newTestServer(t)

	var body struct {
		Records []record.Record `json:"records"`
	}
	status := ts.do(t, http.MethodGet, "/api/v1/data/historical?instrument=EUR_USD&granularity=5m&start=2024-03-01T10:00:00Z", "", nil, &body)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body.Records, 1)
	assert.Equal(t, 5*time.Minute, ts.data.granularity)
	require.NotNil(t, ts.data.start)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), ts.data.start.UTC())
	require.NotNil(t, ts.data.end)
	assert.WithinDuration(t, time.Now(), *ts.data.end, time.Minute)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/data/historical?granularity=5m", "", nil, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/data/historical?instrument=EUR_USD&start=yesterday", "", nil, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/data/historical?instrument=XXX&start=2024-03-01T10:00:00Z", "", nil, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/data/historical?instrument=EUR_USD", "", nil, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/data/historical?instrument=EUR_USD&start=2024-03-01T10:00:00Z&end=2024-03-01T09:00:00Z", "", nil, nil))
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/data/instant?instrument=EUR_USD&start=2024-03-01T10:00:00Z", "", nil, nil))
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	var resp struct {
		Code string `json:"code"`
	}
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodPost, "/api/v1/reconcile", "", nil, &resp))
	assert.Equal(t, "MISSING_TOKEN", resp.Code)

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodPost, "/api/v1/reconcile", "garbage", nil, &resp))
	assert.Equal(t, "INVALID_TOKEN", resp.Code)

	other, _, err := IssueToken("operator", "another-secret", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodPost, "/api/v1/reconcile", other, nil, nil))

	expired, _, err := IssueToken("operator", testSecret, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodPost, "/api/v1/reconcile", expired, nil, nil))

	assert.Zero(t, ts.reconciler.calls)
}

func TestOperatorActions(t *testing.T) {
	ts := newTestServer(t)
	token := issue(t)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/reconcile", token, nil, nil))
	assert.Equal(t, 1, ts.reconciler.calls)

	var status map[string]any
	ts.do(t, http.MethodGet, "/api/v1/status", "", nil, &status)
	assert.Contains(t, status, "last_reconcile")

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/trades/abc/close", token, map[string]int64{"units": 5}, nil))
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/trades/def/close", token, nil, nil))
	assert.Equal(t, []string{"abc:5", "def:0"}, ts.ledger.closed)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/v1/trades/abc/close", token, map[string]int64{"units": -1}, nil))

	ts.ledger.closeErr = fmt.Errorf("lookup: %w", db.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/v1/trades/zzz/close", token, nil, nil))

	ts.ledger.closeErr = &errs.ProtocolError{Code: 503, Message: "maintenance"}
	assert.Equal(t, http.StatusBadGateway, ts.do(t, http.MethodPost, "/api/v1/trades/zzz/close", token, nil, nil))

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/trades/close-pending", token, nil, nil))
	assert.Equal(t, 1, ts.ledger.pendingCalls)
}

func TestEmptySecretDisablesOperatorActions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	server := NewServer(Deps{}, SystemMeta{}, "", nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reconcile", nil)
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	_, _, err := IssueToken("operator", "", time.Hour)
	assert.Error(t, err)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/health", "", nil, nil)

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "http_requests_total")
}

func TestWebsocketStreamsBusEvents(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?events=" + string(events.EventStrategySignal)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the subscription is registered after the upgrade completes, so keep
	// publishing until something arrives
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ts.bus.Publish(events.EventTradeUpdate, events.TradeUpdate{RemoteID: "T-1"})
				ts.bus.Publish(events.EventStrategySignal, events.StrategySignal{Instrument: "EUR_USD", Direction: "buy"})
			}
		}
	}()

	var msg struct {
		Event string                `json:"event"`
		Data  events.StrategySignal `json:"data"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, string(events.EventStrategySignal), msg.Event)
	assert.Equal(t, "buy", msg.Data.Direction)
}

func TestParseTopics(t *testing.T) {
	assert.Equal(t, streamable, parseTopics(""))
	assert.Equal(t, []events.Event{events.EventOrderUpdate}, parseTopics("order.update, nope"))
	assert.Empty(t, parseTopics("nope"))
}
