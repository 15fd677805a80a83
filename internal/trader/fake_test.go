package trader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/seiroga/trading/pkg/broker"
	"github.com/seiroga/trading/pkg/record"
)

// fakeConnector is an in-memory broker with switchable fill behaviour and
// counters for every mutating call.
type fakeConnector struct {
	mu sync.Mutex

	fillOnCreate   bool
	cancelOnCreate bool
	hideTrades     bool

	orders []*fakeOrder
	trades []*fakeTrade

	cancels int
	closes  int
}

func (c *fakeConnector) Instruments(ctx context.Context) ([]string, error) {
	return []string{"EUR_USD"}, nil
}

func (c *fakeConnector) AvailableBalance(ctx context.Context) (float64, error) { return 1000, nil }

func (c *fakeConnector) MarginRate(ctx context.Context) (float64, error) { return 0.02, nil }

func (c *fakeConnector) GetData(ctx context.Context, instrument string, granularity time.Duration, start time.Time, end *time.Time) ([]record.Record, error) {
	return nil, nil
}

func (c *fakeConnector) GetInstantData(ctx context.Context, instrument string) (record.Record, error) {
	return nil, nil
}

func (c *fakeConnector) CreateOrder(ctx context.Context, params record.Record) (broker.Order, error) {
	units, err := params.Int(broker.ParamUnits)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	o := &fakeOrder{c: c, id: fmt.Sprintf("O-%d", len(c.orders)+1), state: broker.OrderPending}
	c.orders = append(c.orders, o)
	switch {
	case c.fillOnCreate:
		c.fillLocked(o, units)
	case c.cancelOnCreate:
		o.state = broker.OrderCanceled
	}
	return o, nil
}

func (c *fakeConnector) fillLocked(o *fakeOrder, units int64) {
	t := &fakeTrade{c: c, id: fmt.Sprintf("T-%d", len(c.trades)+1), units: units, state: broker.TradeOpened}
	c.trades = append(c.trades, t)
	o.tradeID = t.id
	o.state = broker.OrderFilled
}

// fill completes the pending order at index i.
func (c *fakeConnector) fill(i int, units int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fillLocked(c.orders[i], units)
}

func (c *fakeConnector) FindOrder(ctx context.Context, id string) (broker.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.orders {
		if o.id == id {
			return o, nil
		}
	}
	return nil, broker.ErrNotFound
}

func (c *fakeConnector) FindTrade(ctx context.Context, id string) (broker.Trade, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hideTrades {
		return nil, broker.ErrNotFound
	}
	for _, t := range c.trades {
		if t.id == id {
			return t, nil
		}
	}
	return nil, broker.ErrNotFound
}

func (c *fakeConnector) counts() (cancels, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancels, c.closes
}

type fakeOrder struct {
	c       *fakeConnector
	id      string
	tradeID string
	state   broker.OrderState
}

func (o *fakeOrder) ID() string { return o.id }

func (o *fakeOrder) TradeID() string {
	o.c.mu.Lock()
	defer o.c.mu.Unlock()
	return o.tradeID
}

func (o *fakeOrder) State() broker.OrderState {
	o.c.mu.Lock()
	defer o.c.mu.Unlock()
	return o.state
}

func (o *fakeOrder) Cancel(ctx context.Context) error {
	o.c.mu.Lock()
	defer o.c.mu.Unlock()
	o.c.cancels++
	if o.state == broker.OrderPending {
		o.state = broker.OrderCanceled
	}
	return nil
}

type fakeTrade struct {
	c     *fakeConnector
	id    string
	units int64
	state broker.TradeState
}

func (t *fakeTrade) ID() string { return t.id }

func (t *fakeTrade) State() broker.TradeState {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.state
}

func (t *fakeTrade) setState(s broker.TradeState) {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	t.state = s
}

func (t *fakeTrade) Amount() float64 {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return float64(t.units)
}

func (t *fakeTrade) Profit(unrealized bool) float64 { return 0 }

func (t *fakeTrade) Close(ctx context.Context, units int64) error {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	t.c.closes++
	if t.state == broker.TradeClosed {
		return &broker.ProtocolError{Code: 409, Message: "already closed"}
	}
	t.state = broker.TradeClosed
	return nil
}
