package collector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/seiroga/trading/internal/market"
	"github.com/seiroga/trading/internal/monitor"
)

// historicalLoop fetches one bucket per granularity period. Windows are
// contiguous: after [t, t+g) the next fetch is [t+g, t+2g), and a loop that
// fell behind catches up without waiting. A window that keeps failing is
// abandoned after RetryLimit attempts and the loop realigns to the clock.
func (c *Collector) historicalLoop() {
	defer c.wg.Done()
	if !c.awaitStart() {
		return
	}
	ctx := c.runCtx
	g := c.opts.Granularity

	var next time.Time
	failures := 0
	wait := c.untilClosed(market.NextBoundary(c.now(), g))

	for c.sleep(ctx, wait) {
		now := c.now()
		if next.IsZero() {
			next = market.Align(now, g).Add(-g)
		}
		end := next.Add(g)
		if now.Before(end) {
			wait = c.untilClosed(end)
			continue
		}

		if c.fetchWindow(ctx, next, end) {
			next, failures = end, 0
			wait = c.untilClosed(next.Add(g))
			continue
		}

		failures++
		if failures < c.opts.RetryLimit {
			wait = c.opts.RetryBackoff
			continue
		}

		c.metrics.HistoricalFetch(c.instrument, monitor.OutcomeGap)
		c.logger.Error("giving up on historical window",
			zap.Time("start", next), zap.Time("end", end), zap.Int("attempts", failures))
		next, failures = market.Align(now, g), 0
		wait = c.untilClosed(next.Add(g))
	}
}

// untilClosed is the delay until boundary plus the alignment compensation,
// which absorbs timer and clock rounding so the bucket is really closed.
func (c *Collector) untilClosed(boundary time.Time) time.Duration {
	return boundary.Add(c.opts.AlignmentCompensation).Sub(c.now())
}

// fetchWindow pulls [start, end), persists it and notifies subscribers. It
// reports whether the window is done.
func (c *Collector) fetchWindow(ctx context.Context, start, end time.Time) (ok bool) {
	defer c.recoverIteration("historical")

	log := c.logger.With(zap.Time("start", start), zap.Time("end", end))

	data, err := c.conn.GetData(ctx, c.instrument, c.opts.Granularity, start, &end)
	if err != nil {
		c.metrics.HistoricalFetch(c.instrument, monitor.OutcomeError)
		log.Warn("historical data request failed", zap.Error(err), zap.Duration("retry_in", c.opts.RetryBackoff))
		return false
	}
	if len(data) == 0 {
		c.metrics.HistoricalFetch(c.instrument, monitor.OutcomeEmpty)
		log.Warn("historical data request returned nothing", zap.Duration("retry_in", c.opts.RetryBackoff))
		return false
	}

	if err := c.store.SaveData(ctx, c.instrument, c.opts.Granularity, data); err != nil {
		c.metrics.HistoricalFetch(c.instrument, monitor.OutcomeError)
		log.Error("save historical data", zap.Error(err))
		return false
	}

	c.metrics.HistoricalFetch(c.instrument, monitor.OutcomeOK)
	log.Debug("historical data collected", zap.Int("records", len(data)))
	c.emit("historical", &c.historical, data)
	return true
}
