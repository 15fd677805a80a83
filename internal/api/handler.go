// Package api exposes the engine over HTTP: read-only views of the ledger,
// market data and strategy state, a websocket event stream, and a few
// token-protected operator actions.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/seiroga/trading/internal/events"
	"github.com/seiroga/trading/internal/monitor"
	"github.com/seiroga/trading/internal/strategy"
	"github.com/seiroga/trading/pkg/db"
	"github.com/seiroga/trading/pkg/record"
)

// Ledger is the trader surface used by the API.
type Ledger interface {
	Orders(ctx context.Context, limit int) ([]db.OrderRow, error)
	Trades(ctx context.Context, limit int) ([]db.TradeRow, error)
	CloseTrade(ctx context.Context, internalID string, units int64) error
	ClosePendingTrades(ctx context.Context) error
}

// DataSource serves stored and freshly fetched market data.
type DataSource interface {
	GetData(ctx context.Context, instrument string, granularity time.Duration, start, end *time.Time) ([]record.Record, error)
	GetInstantData(ctx context.Context, instrument string, start, end *time.Time) ([]record.Record, error)
}

// StrategyView exposes the strategy working set.
type StrategyView interface {
	Snapshot() strategy.Snapshot
}

// Reconciler runs reconciliation on demand.
type Reconciler interface {
	Reconcile(ctx context.Context) monitor.ReconcileResult
	Last() (monitor.ReconcileResult, bool)
}

// Deps are the components the server reads from. Nil components make their
// routes answer 503.
type Deps struct {
	Ledger     Ledger
	Data       DataSource
	Strategy   StrategyView
	Reconciler Reconciler
	Bus        *events.Bus
	Metrics    *monitor.Metrics
	Gatherer   prometheus.Gatherer
}

// SystemMeta describes runtime status exposed to the UI.
type SystemMeta struct {
	Broker      string        `json:"broker"`
	Instrument  string        `json:"instrument"`
	Granularity time.Duration `json:"granularity"`
	Storage     string        `json:"storage"`
	Version     string        `json:"version"`
}

// Server wires HTTP endpoints around the engine components.
type Server struct {
	Router    *gin.Engine
	deps      Deps
	meta      SystemMeta
	jwtSecret string
	logger    *zap.Logger
	started   time.Time
}

func NewServer(deps Deps, meta SystemMeta, jwtSecret string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(logger, deps.Metrics))
	r.Use(NewRateLimiter(20, 50).Middleware(logger))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		deps:      deps,
		meta:      meta,
		jwtSecret: jwtSecret,
		logger:    logger,
		started:   time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.deps.Gatherer != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := s.Router.Group("/api/v1")
	{
		api.GET("/status", s.getStatus)
		api.GET("/orders", s.getOrders)
		api.GET("/trades", s.getTrades)
		api.GET("/data/historical", s.getHistoricalData)
		api.GET("/data/instant", s.getInstantData)
		api.GET("/strategy", s.getStrategy)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.jwtSecret))
		{
			protected.POST("/reconcile", s.reconcile)
			protected.POST("/trades/close-pending", s.closePending)
			protected.POST("/trades/:id/close", s.closeTrade)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.Router
}
