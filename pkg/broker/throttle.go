package broker

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/seiroga/trading/pkg/record"
)

// Throttled wraps a Connector and waits on a shared limiter before every
// broker call so the collector loops, the trader and the strategy together
// stay under the broker's request budget.
type Throttled struct {
	next    Connector
	limiter *rate.Limiter
}

// Throttle returns conn unchanged when limiter is nil.
func Throttle(conn Connector, limiter *rate.Limiter) Connector {
	if limiter == nil {
		return conn
	}
	return &Throttled{next: conn, limiter: limiter}
}

// NewLimiter allows rps requests per second with the given burst.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (t *Throttled) wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

func (t *Throttled) Instruments(ctx context.Context) ([]string, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.next.Instruments(ctx)
}

func (t *Throttled) AvailableBalance(ctx context.Context) (float64, error) {
	if err := t.wait(ctx); err != nil {
		return 0, err
	}
	return t.next.AvailableBalance(ctx)
}

func (t *Throttled) MarginRate(ctx context.Context) (float64, error) {
	if err := t.wait(ctx); err != nil {
		return 0, err
	}
	return t.next.MarginRate(ctx)
}

func (t *Throttled) GetData(ctx context.Context, instrument string, granularity time.Duration, start time.Time, end *time.Time) ([]record.Record, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.next.GetData(ctx, instrument, granularity, start, end)
}

func (t *Throttled) GetInstantData(ctx context.Context, instrument string) (record.Record, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.next.GetInstantData(ctx, instrument)
}

func (t *Throttled) CreateOrder(ctx context.Context, params record.Record) (Order, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.next.CreateOrder(ctx, params)
}

func (t *Throttled) FindOrder(ctx context.Context, id string) (Order, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.next.FindOrder(ctx, id)
}

func (t *Throttled) FindTrade(ctx context.Context, id string) (Trade, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.next.FindTrade(ctx, id)
}
