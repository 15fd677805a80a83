// Package paper is an in-process simulated broker. It produces synthetic
// prices and fills market orders locally, for development runs without a
// live account.
package paper

import (
	"context"
	"hash/fnv"
	"math"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seiroga/trading/pkg/broker"
	"github.com/seiroga/trading/pkg/errs"
	"github.com/seiroga/trading/pkg/record"
)

// FillMode controls what happens to a market order right after creation.
type FillMode int

const (
	FillImmediately FillMode = iota
	LeavePending
	CancelImmediately
)

// Config tunes the simulation.
type Config struct {
	Instruments    []string
	InitialBalance float64
	MarginRate     float64
	StartPrice     float64
	Spread         float64
	Amplitude      float64 // relative swing of the synthetic price wave
	Period         time.Duration
	Fill           FillMode
}

func (c *Config) withDefaults() {
	if len(c.Instruments) == 0 {
		c.Instruments = []string{"EUR_USD"}
	}
	if c.InitialBalance == 0 {
		c.InitialBalance = 10000
	}
	if c.MarginRate == 0 {
		c.MarginRate = 0.02
	}
	if c.StartPrice == 0 {
		c.StartPrice = 1.1
	}
	if c.Spread == 0 {
		c.Spread = 0.0002
	}
	if c.Amplitude == 0 {
		c.Amplitude = 0.002
	}
	if c.Period == 0 {
		c.Period = 30 * time.Minute
	}
}

// Broker implements broker.Connector.
type Broker struct {
	mu      sync.Mutex
	cfg     Config
	balance float64
	orders  map[string]*order
	trades  map[string]*trade
	seq     atomic.Uint64
	now     func() time.Time
}

var _ broker.Connector = (*Broker)(nil)

// New creates a simulated broker.
func New(cfg Config) *Broker {
	cfg.withDefaults()
	return &Broker{
		cfg:     cfg,
		balance: cfg.InitialBalance,
		orders:  make(map[string]*order),
		trades:  make(map[string]*trade),
		now:     time.Now,
	}
}

// SetFillMode changes how subsequently created orders are handled.
func (b *Broker) SetFillMode(m FillMode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.Fill = m
}

func (b *Broker) nextID(prefix string) string {
	return prefix + strconv.FormatUint(b.seq.Add(1), 10)
}

func (b *Broker) known(instrument string) error {
	if slices.Contains(b.cfg.Instruments, instrument) {
		return nil
	}
	return &broker.ProtocolError{Code: http.StatusNotFound, Message: "unknown instrument " + instrument}
}

// mid is a deterministic price for instrument at t: a slow wave plus a small
// per-second jitter, so repeated fetches of the same window agree.
func (b *Broker) mid(instrument string, t time.Time) float64 {
	phase := 2 * math.Pi * float64(t.UnixNano()) / float64(b.cfg.Period)
	h := fnv.New32a()
	_, _ = h.Write([]byte(instrument))
	_, _ = h.Write([]byte(strconv.FormatInt(t.Unix(), 10)))
	jitter := (float64(h.Sum32()%1000)/1000 - 0.5) * b.cfg.Amplitude / 5
	return b.cfg.StartPrice * (1 + b.cfg.Amplitude*math.Sin(phase) + jitter)
}

func (b *Broker) Instruments(ctx context.Context) ([]string, error) {
	return slices.Clone(b.cfg.Instruments), nil
}

// AvailableBalance is the account balance minus margin held by open trades.
func (b *Broker) AvailableBalance(ctx context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	used := 0.0
	for _, t := range b.trades {
		if t.state == broker.TradeOpened {
			used += math.Abs(float64(t.units)) * t.openPrice * b.cfg.MarginRate
		}
	}
	return math.Max(b.balance-used, 0), nil
}

func (b *Broker) MarginRate(ctx context.Context) (float64, error) {
	return b.cfg.MarginRate, nil
}

func (b *Broker) GetData(ctx context.Context, instrument string, granularity time.Duration, start time.Time, end *time.Time) ([]record.Record, error) {
	if err := b.known(instrument); err != nil {
		return nil, err
	}
	if granularity <= 0 {
		return nil, &broker.ProtocolError{Code: http.StatusBadRequest, Message: "granularity must be positive"}
	}

	now := b.now()
	until := now
	if end != nil {
		until = *end
	}

	first := start.Truncate(granularity)
	if first.Before(start) {
		first = first.Add(granularity)
	}

	var out []record.Record
	for ts := first; ts.Before(until); ts = ts.Add(granularity) {
		if ts.After(now) {
			break
		}
		out = append(out, b.candle(instrument, ts, granularity, now))
	}
	return out, nil
}

func (b *Broker) candle(instrument string, ts time.Time, granularity time.Duration, now time.Time) record.Record {
	closeAt := ts.Add(granularity)
	complete := !closeAt.After(now)
	if !complete {
		closeAt = now
	}

	o := b.mid(instrument, ts)
	c := b.mid(instrument, closeAt)
	hi, lo := math.Max(o, c), math.Min(o, c)
	mid := b.mid(instrument, ts.Add(granularity/2))
	hi, lo = math.Max(hi, mid), math.Min(lo, mid)

	half := b.cfg.Spread / 2
	side := func(shift float64) record.Record {
		return record.Record{
			broker.FieldOpen:  record.Double(o + shift),
			broker.FieldHigh:  record.Double(hi + shift),
			broker.FieldLow:   record.Double(lo + shift),
			broker.FieldClose: record.Double(c + shift),
		}
	}

	return record.Record{
		broker.FieldTime:     record.Time(ts),
		broker.FieldComplete: record.Bool(complete),
		broker.FieldVolume:   record.Int(int64(100 + ts.Unix()%50)),
		broker.FieldBid:      record.Nested(side(-half)),
		broker.FieldAsk:      record.Nested(side(half)),
	}
}

func (b *Broker) GetInstantData(ctx context.Context, instrument string) (record.Record, error) {
	if err := b.known(instrument); err != nil {
		return nil, err
	}
	now := b.now()
	mid := b.mid(instrument, now)
	return record.Record{
		broker.FieldTime:       record.Time(now),
		broker.FieldInstrument: record.Text(instrument),
		broker.FieldBid:        record.Double(mid - b.cfg.Spread/2),
		broker.FieldAsk:        record.Double(mid + b.cfg.Spread/2),
	}, nil
}

func (b *Broker) CreateOrder(ctx context.Context, params record.Record) (broker.Order, error) {
	instrument, err := params.Text(broker.ParamInstrument)
	if err != nil {
		return nil, err
	}
	units, err := params.Int(broker.ParamUnits)
	if err != nil {
		return nil, err
	}
	if typ, err := params.Text(broker.ParamType); err != nil || typ != string(broker.OrderTypeMarket) {
		return nil, errs.Validation(broker.ParamType, "only market orders are supported")
	}
	if err := b.known(instrument); err != nil {
		return nil, err
	}
	if units == 0 {
		return nil, &broker.ProtocolError{Code: http.StatusBadRequest, Message: "units must be non-zero"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	o := &order{b: b, id: b.nextID("O-"), instrument: instrument, units: units, state: broker.OrderPending}
	b.orders[o.id] = o

	switch b.cfg.Fill {
	case FillImmediately:
		b.fillLocked(o)
	case CancelImmediately:
		o.state = broker.OrderCanceled
	}
	return o, nil
}

// Fill completes a pending order as if the market had matched it.
func (b *Broker) Fill(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[id]
	if !ok {
		return broker.ErrNotFound
	}
	if o.state == broker.OrderPending {
		b.fillLocked(o)
	}
	return nil
}

func (b *Broker) fillLocked(o *order) {
	mid := b.mid(o.instrument, b.now())
	price := mid + b.cfg.Spread/2
	if o.units < 0 {
		price = mid - b.cfg.Spread/2
	}
	t := &trade{b: b, id: b.nextID("T-"), instrument: o.instrument, units: o.units, openPrice: price, state: broker.TradeOpened}
	b.trades[t.id] = t
	o.tradeID = t.id
	o.state = broker.OrderFilled
}

func (b *Broker) FindOrder(ctx context.Context, id string) (broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return nil, broker.ErrNotFound
	}
	return o, nil
}

func (b *Broker) FindTrade(ctx context.Context, id string) (broker.Trade, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.trades[id]
	if !ok {
		return nil, broker.ErrNotFound
	}
	return t, nil
}

type order struct {
	b          *Broker
	id         string
	instrument string
	units      int64
	tradeID    string
	state      broker.OrderState
}

func (o *order) ID() string { return o.id }

func (o *order) TradeID() string {
	o.b.mu.Lock()
	defer o.b.mu.Unlock()
	return o.tradeID
}

func (o *order) State() broker.OrderState {
	o.b.mu.Lock()
	defer o.b.mu.Unlock()
	return o.state
}

func (o *order) Cancel(ctx context.Context) error {
	o.b.mu.Lock()
	defer o.b.mu.Unlock()
	if o.state == broker.OrderPending {
		o.state = broker.OrderCanceled
	}
	return nil
}

type trade struct {
	b          *Broker
	id         string
	instrument string
	units      int64
	openPrice  float64
	realized   float64
	state      broker.TradeState
}

func (t *trade) ID() string { return t.id }

func (t *trade) State() broker.TradeState {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return t.state
}

func (t *trade) Amount() float64 {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return float64(t.units)
}

func (t *trade) unrealizedLocked() float64 {
	if t.state != broker.TradeOpened {
		return 0
	}
	return (t.b.mid(t.instrument, t.b.now()) - t.openPrice) * float64(t.units)
}

func (t *trade) Profit(unrealized bool) float64 {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	if unrealized {
		return t.unrealizedLocked()
	}
	return t.realized
}

func (t *trade) Close(ctx context.Context, units int64) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()

	if t.state == broker.TradeClosed {
		return &broker.ProtocolError{Code: http.StatusConflict, Message: "trade " + t.id + " already closed"}
	}

	open := t.units
	if open < 0 {
		open = -open
	}
	if units <= 0 || units >= open {
		units = open
	}

	pnl := t.unrealizedLocked() * float64(units) / float64(open)
	t.realized += pnl
	t.b.balance += pnl

	if units == open {
		t.units = 0
		t.state = broker.TradeClosed
		return nil
	}
	if t.units > 0 {
		t.units -= units
	} else {
		t.units += units
	}
	return nil
}
