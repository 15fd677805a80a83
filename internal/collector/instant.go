package collector

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/seiroga/trading/pkg/record"
)

func (c *Collector) instantLoop() {
	defer c.wg.Done()
	if !c.awaitStart() {
		return
	}
	ctx := c.runCtx
	defer func() {
		c.cacheMu.Lock()
		defer c.cacheMu.Unlock()
		// The run context may already be cancelled; the last flush still has to land.
		c.flushLocked(context.WithoutCancel(ctx))
	}()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollInstant(ctx)
		}
	}
}

func (c *Collector) pollInstant(ctx context.Context) {
	defer c.recoverIteration("instant")

	sample, err := c.conn.GetInstantData(ctx, c.instrument)
	if err != nil {
		c.metrics.InstantError(c.instrument)
		c.logger.Warn("instant data request failed", zap.Error(err))
		return
	}

	batch := c.cacheSample(ctx, sample)
	if batch == nil {
		return
	}
	// Slots run without cacheMu held, so they may call Flush or GetInstantData.
	c.emit("instant", &c.instant, batch)
}

// cacheSample appends sample and, once the cache is full, persists it and
// returns the batch that was flushed.
func (c *Collector) cacheSample(ctx context.Context, sample record.Record) []record.Record {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	c.cache = append(c.cache, sample)
	c.metrics.InstantSample(c.instrument)
	if len(c.cache) < c.opts.CacheSize {
		return nil
	}

	batch := slices.Clone(c.cache)
	c.flushLocked(ctx)
	return batch
}

// flushLocked persists and clears the cache. A failed save drops the batch:
// holding on to it would grow the cache without bound while storage is down.
func (c *Collector) flushLocked(ctx context.Context) {
	if len(c.cache) == 0 {
		return
	}

	if err := c.store.SaveInstantData(ctx, c.instrument, c.cache); err != nil {
		c.metrics.InstantError(c.instrument)
		c.metrics.InstantDropped(c.instrument, len(c.cache))
		c.logger.Error("flush instant data", zap.Int("samples", len(c.cache)), zap.Error(err))
	} else {
		c.metrics.InstantFlush(c.instrument)
	}
	clear(c.cache)
	c.cache = c.cache[:0]
}

// Flush persists whatever is cached right now.
func (c *Collector) Flush(ctx context.Context) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.flushLocked(ctx)
}
