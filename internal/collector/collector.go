// Package collector polls a broker for market data, keeps the storage cache
// filled and notifies subscribers when new data arrives.
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seiroga/trading/internal/events"
	"github.com/seiroga/trading/internal/monitor"
	"github.com/seiroga/trading/internal/storage"
	"github.com/seiroga/trading/pkg/broker"
	"github.com/seiroga/trading/pkg/errs"
	"github.com/seiroga/trading/pkg/record"
)

// ErrInvalidArgument is returned when a range pointer is nil.
var ErrInvalidArgument = errs.Validation("start/end", "range pointers must not be nil")

// Options tunes the collector loops.
type Options struct {
	CacheSize             int
	Granularity           time.Duration
	PollInterval          time.Duration
	AlignmentCompensation time.Duration
	RetryBackoff          time.Duration
	// RetryLimit is the number of failed attempts on one historical window
	// before the loop gives up on it and realigns.
	RetryLimit int
}

func (o *Options) withDefaults() {
	if o.CacheSize <= 0 {
		o.CacheSize = 100
	}
	if o.Granularity <= 0 {
		o.Granularity = time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Millisecond
	}
	if o.AlignmentCompensation < 0 {
		o.AlignmentCompensation = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.RetryLimit <= 0 {
		o.RetryLimit = 5
	}
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	o := Options{AlignmentCompensation: 100 * time.Millisecond}
	o.withDefaults()
	return o
}

// Collector runs two loops for one instrument: an instant poller that
// buffers snapshots and flushes them in batches, and a historical fetcher
// that pulls each closed bucket once its granularity boundary has passed.
type Collector struct {
	instrument string
	conn       broker.Connector
	store      storage.Storage
	opts       Options
	logger     *zap.Logger
	metrics    *monitor.Metrics

	cacheMu sync.Mutex
	cache   []record.Record

	instant    events.Signal[events.DataBatch]
	historical events.Signal[events.DataBatch]

	startOnce sync.Once
	stopOnce  sync.Once
	startCh   chan struct{}
	stopCh    chan struct{}
	runCtx    context.Context
	wg        sync.WaitGroup

	now func() time.Time
}

// New creates a collector whose loops wait for Start.
func New(instrument string, conn broker.Connector, store storage.Storage, opts Options, logger *zap.Logger, metrics *monitor.Metrics) (*Collector, error) {
	if instrument == "" {
		return nil, errs.Validation("instrument", "must not be empty")
	}
	if conn == nil || store == nil {
		return nil, fmt.Errorf("collector: connector and storage are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.withDefaults()

	c := &Collector{
		instrument: instrument,
		conn:       conn,
		store:      store,
		opts:       opts,
		logger:     logger.Named("collector").With(zap.String("instrument", instrument)),
		metrics:    metrics,
		cache:      make([]record.Record, 0, opts.CacheSize),
		startCh:    make(chan struct{}),
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}

	c.wg.Add(2)
	go c.instantLoop()
	go c.historicalLoop()
	return c, nil
}

// InstantData fires with every full cache batch once it has been persisted.
// Slots run on the instant loop and may read back through the collector.
func (c *Collector) InstantData() *events.Signal[events.DataBatch] { return &c.instant }

// HistoricalData fires with every persisted historical bucket batch.
func (c *Collector) HistoricalData() *events.Signal[events.DataBatch] { return &c.historical }

// Options returns the effective options.
func (c *Collector) Options() Options { return c.opts }

// Start releases both loops. Calls after the first are ignored. Broker
// calls made by the loops use ctx; cancelling it stops them like Stop.
func (c *Collector) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.runCtx = ctx
		close(c.startCh)
		c.logger.Info("collector started",
			zap.Duration("granularity", c.opts.Granularity),
			zap.Int("cache_size", c.opts.CacheSize))
	})
}

// Stop signals both loops and waits for them. An in-flight broker call is
// not interrupted. The instant cache is flushed one last time.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		c.logger.Info("collector stopped")
	})
}

// awaitStart blocks until Start or Stop and reports whether to run.
func (c *Collector) awaitStart() bool {
	select {
	case <-c.startCh:
		select {
		case <-c.stopCh:
			return false
		default:
			return true
		}
	case <-c.stopCh:
		return false
	}
}

// sleep waits for d and reports false if the loop must exit instead.
func (c *Collector) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-c.stopCh:
			return false
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// emit runs sig's slots, keeping a panicking subscriber from killing the loop.
func (c *Collector) emit(name string, sig *events.Signal[events.DataBatch], data []record.Record) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("data subscriber panicked", zap.String("signal", name), zap.Any("panic", r))
		}
	}()
	sig.Emit(events.DataBatch{Instrument: c.instrument, Records: data})
}

func (c *Collector) recoverIteration(loop string) {
	if r := recover(); r != nil {
		c.logger.Error("collector iteration panicked", zap.String("loop", loop), zap.Any("panic", r))
	}
}
