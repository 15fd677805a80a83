package collector

import (
	"context"
	"time"

	"github.com/seiroga/trading/internal/market"
	"github.com/seiroga/trading/pkg/errs"
	"github.com/seiroga/trading/pkg/record"
)

// GetData serves [*start, *end) from storage when it covers the range
// exactly. Otherwise the range is fetched from the broker, persisted and
// returned. On success start and end describe the returned data; with at
// most one record end equals start.
func (c *Collector) GetData(ctx context.Context, instrument string, granularity time.Duration, start, end *time.Time) ([]record.Record, error) {
	if start == nil || end == nil {
		return nil, ErrInvalidArgument
	}

	s, e := *start, *end
	data, err := c.store.GetData(ctx, instrument, granularity, &s, &e)
	if err != nil {
		return nil, errs.Wrap(err, "read stored data")
	}
	if len(data) > 0 && s.Equal(*start) && e.Equal(*end) {
		return data, nil
	}

	reqEnd := *end
	data, err = c.conn.GetData(ctx, instrument, granularity, *start, &reqEnd)
	if err != nil {
		return nil, err
	}
	if err := c.store.SaveData(ctx, instrument, granularity, data); err != nil {
		return nil, errs.Wrap(err, "store fetched data")
	}

	if len(data) == 0 {
		*end = *start
		return data, nil
	}
	if *start, *end, err = market.Coverage(data, granularity); err != nil {
		return nil, err
	}
	return data, nil
}

// GetInstantData flushes the cache and then reads from storage, so a sample
// polled just before the call is visible. start and end are adjusted by
// storage.
func (c *Collector) GetInstantData(ctx context.Context, instrument string, start, end *time.Time) ([]record.Record, error) {
	if start == nil || end == nil {
		return nil, ErrInvalidArgument
	}
	c.Flush(ctx)
	return c.store.GetInstantData(ctx, instrument, start, end)
}
