package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/seiroga/trading/internal/trader"
	"github.com/seiroga/trading/pkg/db"
	"github.com/seiroga/trading/pkg/errs"
)

type listQuery struct {
	Limit int `form:"limit"`
}

func (q *listQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type dataQuery struct {
	Instrument  string `form:"instrument" binding:"required"`
	Granularity string `form:"granularity"`
	Start       string `form:"start"`
	End         string `form:"end"`
}

type closeTradeRequest struct {
	Units int64 `json:"units" binding:"gte=0"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func unavailable(c *gin.Context, what string) {
	respondError(c, http.StatusServiceUnavailable, "NOT_READY", what+" not ready")
}

// optionalTime parses an RFC 3339 query value; empty means unset.
func optionalTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// respondDomainError maps engine errors onto HTTP statuses.
func respondDomainError(c *gin.Context, err error) {
	switch {
	case errs.IsValidation(err):
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
	case errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, trader.ErrTradeCanceled):
		respondError(c, http.StatusConflict, "CANCELED", err.Error())
	case errs.IsProtocol(err):
		respondError(c, http.StatusBadGateway, "BROKER_ERROR", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) getStatus(c *gin.Context) {
	resp := gin.H{
		"meta":           s.meta,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.deps.Metrics != nil {
		resp["runtime"] = s.deps.Metrics.Snapshot()
	}
	if s.deps.Reconciler != nil {
		if last, ok := s.deps.Reconciler.Last(); ok {
			resp["last_reconcile"] = last
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getOrders(c *gin.Context) {
	if s.deps.Ledger == nil {
		unavailable(c, "trader")
		return
	}
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	orders, err := s.deps.Ledger.Orders(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, orders)
}

func (s *Server) getTrades(c *gin.Context) {
	if s.deps.Ledger == nil {
		unavailable(c, "trader")
		return
	}
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	trades, err := s.deps.Ledger.Trades(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, trades)
}

// bindRange reads the instrument and the range of a data query. start is
// required; a missing end means now.
func bindRange(c *gin.Context) (dataQuery, *time.Time, *time.Time, bool) {
	var q dataQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "instrument is required")
		return q, nil, nil, false
	}
	start, err := optionalTime(q.Start)
	if err != nil || start == nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "start must be an RFC 3339 time")
		return q, nil, nil, false
	}
	end, err := optionalTime(q.End)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "end: "+err.Error())
		return q, nil, nil, false
	}
	if end == nil {
		now := time.Now()
		end = &now
	}
	if end.Before(*start) {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "end is before start")
		return q, nil, nil, false
	}
	return q, start, end, true
}

func (s *Server) getHistoricalData(c *gin.Context) {
	if s.deps.Data == nil {
		unavailable(c, "data collector")
		return
	}
	q, start, end, ok := bindRange(c)
	if !ok {
		return
	}
	granularity := s.meta.Granularity
	if q.Granularity != "" {
		g, err := time.ParseDuration(q.Granularity)
		if err != nil || g <= 0 {
			respondError(c, http.StatusBadRequest, "INVALID_QUERY", "granularity must be a positive duration")
			return
		}
		granularity = g
	}

	data, err := s.deps.Data.GetData(c.Request.Context(), q.Instrument, granularity, start, end)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instrument": q.Instrument,
		"start":      start,
		"end":        end,
		"records":    data,
	})
}

func (s *Server) getInstantData(c *gin.Context) {
	if s.deps.Data == nil {
		unavailable(c, "data collector")
		return
	}
	q, start, end, ok := bindRange(c)
	if !ok {
		return
	}

	data, err := s.deps.Data.GetInstantData(c.Request.Context(), q.Instrument, start, end)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instrument": q.Instrument,
		"start":      start,
		"end":        end,
		"records":    data,
	})
}

func (s *Server) getStrategy(c *gin.Context) {
	if s.deps.Strategy == nil {
		unavailable(c, "strategy")
		return
	}
	c.JSON(http.StatusOK, s.deps.Strategy.Snapshot())
}

func (s *Server) reconcile(c *gin.Context) {
	if s.deps.Reconciler == nil {
		unavailable(c, "reconciliation")
		return
	}
	result := s.deps.Reconciler.Reconcile(c.Request.Context())
	status := http.StatusOK
	if result.Error != "" {
		status = http.StatusBadGateway
	}
	c.JSON(status, result)
}

func (s *Server) closeTrade(c *gin.Context) {
	if s.deps.Ledger == nil {
		unavailable(c, "trader")
		return
	}
	var req closeTradeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
	}

	id := c.Param("id")
	if err := s.deps.Ledger.CloseTrade(c.Request.Context(), id, req.Units); err != nil {
		respondDomainError(c, err)
		return
	}
	s.logger.Info("trade closed via API", zap.String("internal_id", id), zap.Int64("units", req.Units), zap.String("by", CurrentSubject(c)))
	c.JSON(http.StatusOK, gin.H{"internal_id": id, "status": "closed"})
}

func (s *Server) closePending(c *gin.Context) {
	if s.deps.Ledger == nil {
		unavailable(c, "trader")
		return
	}
	if err := s.deps.Ledger.ClosePendingTrades(c.Request.Context()); err != nil {
		respondDomainError(c, err)
		return
	}
	s.logger.Info("pending trades closed via API", zap.String("by", CurrentSubject(c)))
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}
