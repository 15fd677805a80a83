// Package strategy turns streamed candles into trade decisions.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seiroga/trading/internal/events"
	"github.com/seiroga/trading/internal/indicators"
	"github.com/seiroga/trading/internal/market"
	"github.com/seiroga/trading/internal/monitor"
	"github.com/seiroga/trading/pkg/errs"
)

// Options configures EMACross.
type Options struct {
	Instrument  string
	Granularity time.Duration // DataGranularity
	TradeFrame  time.Duration // length of the candle window
	FastPeriod  int
	SlowPeriod  int
	// RiskDivisor splits the affordable position: units = balance / margin / RiskDivisor.
	RiskDivisor float64
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

func (o *Options) withDefaults() {
	if o.Granularity <= 0 {
		o.Granularity = time.Minute
	}
	if o.TradeFrame <= 0 {
		o.TradeFrame = time.Hour
	}
	if o.FastPeriod <= 0 {
		o.FastPeriod = 9
	}
	if o.SlowPeriod <= 0 {
		o.SlowPeriod = 26
	}
	if o.RiskDivisor <= 0 {
		o.RiskDivisor = 2
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// EMACross trades the crossings of a fast and a slow EMA of ask close
// prices over a sliding candle window.
//
// A crossing arms the strategy and records the cross value (the midpoint of
// the fast EMA around the crossing). The trade fires once the fast EMA has
// moved away from that value by more than half the latest bid/ask spread.
type EMACross struct {
	opts     Options
	deps     Deps
	capacity int
	logger   *zap.Logger
	metrics  *monitor.Metrics
	now      func() time.Time

	mu         sync.Mutex
	window     []market.Candle
	fast       []float64
	slow       []float64
	crossValue float64
	waiting    bool
	marginRate float64
	tradeID    string
	lastSignal *time.Time

	disconnect func()
}

// NewEMACross backfills the window with TradeFrame of history ending at the
// current granularity boundary and seeds both EMA series.
func NewEMACross(ctx context.Context, deps Deps, opts Options, logger *zap.Logger, metrics *monitor.Metrics) (*EMACross, error) {
	opts.withDefaults()
	if opts.Instrument == "" {
		return nil, errs.Validation("instrument", "must not be empty")
	}
	if deps.Data == nil || deps.Account == nil || deps.Trader == nil || deps.Historical == nil {
		return nil, errors.New("strategy: data provider, account, trader and historical signal are required")
	}
	if opts.FastPeriod >= opts.SlowPeriod {
		return nil, errs.Validation("periods", "fast period must be shorter than slow period")
	}

	capacity := int(opts.TradeFrame / opts.Granularity)
	if capacity <= opts.SlowPeriod {
		return nil, errs.Validation("TradeFrame", fmt.Sprintf("window of %d candles cannot hold a %d period EMA crossing", capacity, opts.SlowPeriod))
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &EMACross{
		opts:     opts,
		deps:     deps,
		capacity: capacity,
		logger:   logger.Named("strategy").With(zap.String("instrument", opts.Instrument)),
		metrics:  metrics,
		now:      opts.Now,
	}
	if err := s.backfill(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *EMACross) backfill(ctx context.Context) error {
	end := market.Align(s.now(), s.opts.Granularity)
	start := end.Add(-s.opts.TradeFrame)

	data, err := s.deps.Data.GetData(ctx, s.opts.Instrument, s.opts.Granularity, &start, &end)
	if err != nil {
		return errs.Wrap(err, "backfill history")
	}
	candles, err := market.CandlesFromRecords(data)
	if err != nil {
		return errs.Wrap(err, "backfill history")
	}
	if len(candles) > s.capacity {
		candles = candles[len(candles)-s.capacity:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.window = candles
	if err := s.recompute(); err != nil {
		s.logger.Warn("not enough history to seed EMAs yet", zap.Int("candles", len(candles)), zap.Error(err))
	}
	s.logger.Info("strategy history loaded",
		zap.Time("start", start), zap.Time("end", end), zap.Int("candles", len(candles)))
	return nil
}

// Start subscribes to historical data. Decisions made while handling a
// notification use ctx.
func (s *EMACross) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnect != nil {
		return
	}
	s.disconnect = s.deps.Historical.Connect(func(b events.DataBatch) {
		s.OnHistoricalData(ctx, b)
	})
}

// Stop unsubscribes. An owned trade is left to the trader's shutdown pass.
func (s *EMACross) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnect != nil {
		s.disconnect()
		s.disconnect = nil
	}
}

// OnHistoricalData merges a batch into the window and acts on a crossing.
// A batch of several candles, as delivered after failed fetches, is
// collapsed to its latest complete candle.
func (s *EMACross) OnHistoricalData(ctx context.Context, b events.DataBatch) {
	if b.Instrument != s.opts.Instrument {
		return
	}

	candles, err := market.CandlesFromRecords(b.Records)
	if err != nil {
		s.logger.Error("malformed historical data", zap.Error(err))
		return
	}
	if len(candles) == 0 {
		return
	}
	if len(candles) > 1 {
		s.logger.Info("several candles arrived at once", zap.Int("count", len(candles)))
	}
	candle := latestComplete(candles)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.push(candle) {
		return
	}
	if err := s.recompute(); err != nil {
		s.logger.Debug("waiting for more history", zap.Int("candles", len(s.window)), zap.Error(err))
		return
	}
	s.detect(ctx, candle)
}

func latestComplete(candles []market.Candle) market.Candle {
	for i := len(candles) - 1; i >= 0; i-- {
		if candles[i].Complete {
			return candles[i]
		}
	}
	return candles[len(candles)-1]
}

// push appends c to the window, sliding out the oldest candle and its EMA
// values once the window is full. A candle for the latest bucket replaces
// it; an older one is ignored.
func (s *EMACross) push(c market.Candle) bool {
	if n := len(s.window); n > 0 {
		last := s.window[n-1].Time
		switch {
		case c.Time.Before(last):
			s.logger.Warn("ignoring stale candle", zap.Time("candle", c.Time), zap.Time("latest", last))
			return false
		case c.Time.Equal(last):
			s.window[n-1] = c
			s.fast = trimTail(s.fast, n-1)
			s.slow = trimTail(s.slow, n-1)
			return true
		}
	}

	s.window = append(s.window, c)
	if len(s.window) > s.capacity {
		s.window = s.window[1:]
		s.fast = dropHead(s.fast)
		s.slow = dropHead(s.slow)
	}
	return true
}

func trimTail(v []float64, n int) []float64 {
	if len(v) > n {
		return v[:n]
	}
	return v
}

func dropHead(v []float64) []float64 {
	if len(v) == 0 {
		return v
	}
	return v[1:]
}

// recompute brings both EMA series up to the window length.
func (s *EMACross) recompute() error {
	asks := make([]float64, len(s.window))
	for i, c := range s.window {
		asks[i] = c.Ask.Close
	}

	var err error
	if s.fast, err = indicators.CalculateEMA(asks, s.fast, s.opts.FastPeriod); err != nil {
		return err
	}
	if s.slow, err = indicators.CalculateEMA(asks, s.slow, s.opts.SlowPeriod); err != nil {
		return err
	}
	return nil
}

// detect compares the last two EMA positions. Both must lie past the slow
// series' seed placeholders.
func (s *EMACross) detect(ctx context.Context, last market.Candle) {
	i := len(s.fast) - 1
	if i-1 < s.opts.SlowPeriod-1 || len(s.slow) != len(s.fast) {
		return
	}

	fast, fastPrev := s.fast[i], s.fast[i-1]
	slow, slowPrev := s.slow[i], s.slow[i-1]
	s.metrics.SetEMA(fast, slow)

	switch {
	case fastPrev <= slowPrev && fast > slow:
		s.crossValue = (fast + fastPrev) / 2
		s.waiting = true
		s.logger.Debug("EMA crossing upward", zap.Float64("cross_value", s.crossValue))
	case fastPrev >= slowPrev && fast < slow:
		s.crossValue = (fast + fastPrev) / 2
		s.waiting = true
		s.logger.Debug("EMA crossing downward", zap.Float64("cross_value", s.crossValue))
	}

	threshold := last.Spread() / 2
	diff := fast - s.crossValue
	if s.waiting && math.Abs(diff) > threshold {
		s.waiting = false
		s.logger.Debug("threshold reached", zap.Float64("threshold", threshold), zap.Float64("diff", diff))
		s.fire(ctx, diff < 0)
	}
}

// fire closes the owned trade and opens a new one in the given direction.
func (s *EMACross) fire(ctx context.Context, sell bool) {
	direction := DirectionBuy
	if sell {
		direction = DirectionSell
	}
	at := s.now()
	s.lastSignal = &at
	s.metrics.Signal(direction)

	sig := events.StrategySignal{
		Instrument: s.opts.Instrument,
		Direction:  direction,
		CrossValue: s.crossValue,
		At:         at,
	}
	defer func() { s.publish(sig) }()

	if s.tradeID != "" {
		if err := s.deps.Trader.CloseTrade(ctx, s.tradeID, 0); err != nil {
			s.logger.Error("close owned trade", zap.String("internal_id", s.tradeID), zap.Error(err))
		}
		s.tradeID = ""
	}

	units, err := s.size(ctx)
	if err != nil {
		sig.Error = err.Error()
		s.logger.Error("size position", zap.Error(err))
		return
	}
	if sell {
		units = -units
	}
	sig.Units = units
	if units == 0 {
		sig.Error = "position size is zero"
		s.logger.Warn("skipping trade, position size is zero", zap.String("direction", direction))
		return
	}

	s.logger.Info("EMA strategy signal", zap.String("direction", direction), zap.Int64("units", units))
	id, err := s.deps.Trader.OpenTrade(ctx, s.opts.Instrument, units)
	if err != nil {
		sig.Error = err.Error()
		s.logger.Warn("open trade", zap.String("direction", direction), zap.Error(err))
		return
	}
	s.tradeID = id
	sig.InternalID = id
}

// size is floor(balance / margin rate / RiskDivisor).
func (s *EMACross) size(ctx context.Context) (int64, error) {
	balance, err := s.deps.Account.AvailableBalance(ctx)
	if err != nil {
		return 0, errs.Wrap(err, "available balance")
	}
	margin, err := s.margin(ctx)
	if err != nil {
		return 0, err
	}
	return int64(math.Floor(balance / margin / s.opts.RiskDivisor)), nil
}

// margin is fetched once and cached after the first non-zero answer.
func (s *EMACross) margin(ctx context.Context) (float64, error) {
	if s.marginRate != 0 {
		return s.marginRate, nil
	}
	rate, err := s.deps.Account.MarginRate(ctx)
	if err != nil {
		return 0, errs.Wrap(err, "margin rate")
	}
	if rate <= 0 {
		return 0, errs.Validation("margin_rate", "must be positive")
	}
	s.marginRate = rate
	return rate, nil
}

func (s *EMACross) publish(sig events.StrategySignal) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(events.EventStrategySignal, sig)
	}
}

// Snapshot returns a copy of the working set.
func (s *EMACross) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Instrument:          s.opts.Instrument,
		Window:              slices.Clone(s.window),
		Fast:                slices.Clone(s.fast),
		Slow:                slices.Clone(s.slow),
		CrossValue:          s.crossValue,
		WaitingForThreshold: s.waiting,
		OpenedTradeID:       s.tradeID,
	}
	if s.lastSignal != nil {
		t := *s.lastSignal
		snap.LastSignal = &t
	}
	return snap
}
