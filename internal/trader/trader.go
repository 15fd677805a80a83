// Package trader executes open/close commands against the broker and keeps
// the local ledger of orders and trades consistent with it.
package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seiroga/trading/internal/events"
	"github.com/seiroga/trading/internal/monitor"
	"github.com/seiroga/trading/pkg/broker"
	"github.com/seiroga/trading/pkg/db"
	"github.com/seiroga/trading/pkg/errs"
)

// ErrTradeCanceled is returned by OpenTrade when the broker accepted the
// order but canceled it (for example for lack of liquidity). The order is
// still recorded and its internal id is returned alongside.
var ErrTradeCanceled = errors.New("trade canceled by broker")

// Ledger is the persistence the trader needs. *db.Ledger implements it.
type Ledger interface {
	RegisterOrder(ctx context.Context, internalID string, o db.OrderEntry, t *db.TradeEntry) error
	LinkTrade(ctx context.Context, orderInternalID string, t db.TradeEntry) error
	SetOrderState(ctx context.Context, internalID string, state broker.OrderState) error
	SetTradeState(ctx context.Context, tradeID string, state broker.TradeState) error
	PendingOrders(ctx context.Context) ([]db.ObjectID, error)
	OpenedTrades(ctx context.Context) ([]db.ObjectID, error)
	UnlinkedFilledOrders(ctx context.Context) ([]db.ObjectID, error)
	RemoteID(ctx context.Context, internalID string) (string, error)
	ListOrders(ctx context.Context, limit int) ([]db.OrderRow, error)
	ListTrades(ctx context.Context, limit int) ([]db.TradeRow, error)
}

// Option configures a Trader.
type Option func(*Trader)

// WithBus publishes order and trade updates to bus.
func WithBus(bus *events.Bus) Option {
	return func(t *Trader) { t.bus = bus }
}

// WithIDGenerator replaces the internal id source.
func WithIDGenerator(fn func() string) Option {
	return func(t *Trader) { t.newID = fn }
}

// Trader is safe for concurrent use; public operations are serialised.
type Trader struct {
	mu      sync.Mutex
	conn    broker.Connector
	ledger  Ledger
	logger  *zap.Logger
	metrics *monitor.Metrics
	bus     *events.Bus
	newID   func() string
}

// New creates a Trader and reconciles the ledger with the broker before
// returning.
func New(ctx context.Context, conn broker.Connector, ledger Ledger, logger *zap.Logger, metrics *monitor.Metrics, opts ...Option) (*Trader, error) {
	if conn == nil {
		return nil, errors.New("trader: connector is required")
	}
	if ledger == nil {
		return nil, errors.New("trader: ledger is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Trader{
		conn:    conn,
		ledger:  ledger,
		logger:  logger.Named("trader"),
		metrics: metrics,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := t.UpdateObjectsStates(ctx); err != nil {
		return nil, fmt.Errorf("initial reconciliation: %w", err)
	}
	return t, nil
}

// OpenTrade places a market order for units (negative sells) and records it.
func (t *Trader) OpenTrade(ctx context.Context, instrument string, units int64) (string, error) {
	if units == 0 {
		return "", errs.Validation("units", "must be non-zero")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var order broker.Order
	err := t.call("create_order", func() (err error) {
		order, err = t.conn.CreateOrder(ctx, broker.MarketOrderParams(instrument, units))
		return err
	})
	if err != nil {
		return "", errs.Wrap(err, "create order")
	}

	internalID := t.newID()
	state := order.State()
	log := t.logger.With(zap.String("internal_id", internalID), zap.String("order_id", order.ID()), zap.String("state", string(state)))

	var trade *db.TradeEntry
	if state == broker.OrderFilled {
		tr, err := t.findTrade(ctx, order.TradeID())
		if err != nil {
			// Recorded without its trade; reconciliation links it later.
			log.Error("filled order has no resolvable trade", zap.String("trade_id", order.TradeID()), zap.Error(err))
		} else {
			trade = &db.TradeEntry{RemoteID: tr.ID(), State: tr.State()}
		}
	}

	if err := t.ledger.RegisterOrder(ctx, internalID, db.OrderEntry{RemoteID: order.ID(), State: state}, trade); err != nil {
		return "", err
	}
	t.metrics.OrderRegistered(string(state))
	t.publishOrder(internalID, order.ID(), state, order.TradeID())
	if trade != nil {
		t.metrics.TradeTransition(string(trade.State))
		t.publishTrade(trade.RemoteID, trade.State)
	}

	if state == broker.OrderCanceled {
		log.Warn("order canceled by broker", zap.String("instrument", instrument), zap.Int64("units", units))
		return internalID, ErrTradeCanceled
	}

	log.Info("trade opened", zap.String("instrument", instrument), zap.Int64("units", units))
	return internalID, nil
}

// CloseTrade resolves the order registered under internalID against the
// broker's live state: a pending order is canceled and the open trade of a
// filled order is reduced by units (units <= 0 closes it). Calling it again
// on a resolved target changes nothing.
func (t *Trader) CloseTrade(ctx context.Context, internalID string, units int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	remoteID, err := t.ledger.RemoteID(ctx, internalID)
	if err != nil {
		return err
	}
	log := t.logger.With(zap.String("internal_id", internalID), zap.String("order_id", remoteID))

	order, err := t.findOrder(ctx, remoteID)
	if errors.Is(err, broker.ErrNotFound) {
		log.Error("order not found at broker while closing trade")
		return nil
	}
	if err != nil {
		return err
	}

	switch state := order.State(); state {
	case broker.OrderPending:
		if err := t.call("cancel_order", func() error { return order.Cancel(ctx) }); err != nil {
			return errs.Wrap(err, "cancel order")
		}
		state = order.State()
		if err := t.setOrderState(ctx, internalID, remoteID, state); err != nil {
			return err
		}
		log.Debug("pending order canceled, no trade was opened", zap.String("state", string(state)))

	case broker.OrderFilled:
		if err := t.setOrderState(ctx, internalID, remoteID, state); err != nil {
			return err
		}
		tradeID := order.TradeID()
		trade, err := t.findTrade(ctx, tradeID)
		if errors.Is(err, broker.ErrNotFound) {
			log.Error("trade of filled order not found", zap.String("trade_id", tradeID))
			return nil
		}
		if err != nil {
			return err
		}

		if trade.State() != broker.TradeOpened {
			log.Debug("trade already closed", zap.String("trade_id", tradeID))
			return t.syncTrade(ctx, internalID, trade)
		}
		if err := t.call("close_trade", func() error { return trade.Close(ctx, units) }); err != nil {
			return errs.Wrap(err, "close trade")
		}
		if err := t.syncTrade(ctx, internalID, trade); err != nil {
			return err
		}
		log.Info("trade closed", zap.String("trade_id", tradeID), zap.Int64("units", units), zap.Float64("profit", trade.Profit(false)))

	case broker.OrderCanceled:
		log.Debug("order already canceled")
		return t.setOrderState(ctx, internalID, remoteID, state)
	}
	return nil
}

// syncTrade persists the broker state of a trade, linking it to its order
// first if the ledger never learned about it.
func (t *Trader) syncTrade(ctx context.Context, orderInternalID string, trade broker.Trade) error {
	state := trade.State()
	err := t.ledger.SetTradeState(ctx, trade.ID(), state)
	if errors.Is(err, db.ErrNotFound) {
		err = t.ledger.LinkTrade(ctx, orderInternalID, db.TradeEntry{RemoteID: trade.ID(), State: state})
	}
	if err != nil {
		return err
	}
	t.metrics.TradeTransition(string(state))
	t.publishTrade(trade.ID(), state)
	return nil
}

func (t *Trader) setOrderState(ctx context.Context, internalID, remoteID string, state broker.OrderState) error {
	if err := t.ledger.SetOrderState(ctx, internalID, state); err != nil {
		return err
	}
	t.publishOrder(internalID, remoteID, state, "")
	return nil
}

// ClosePendingTrades cancels every order the ledger holds as pending and
// closes every trade it holds as opened. It is meant for shutdown: it never
// panics, treats objects the broker no longer knows as warnings and carries
// on past individual failures, which are joined into the returned error.
func (t *Trader) ClosePendingTrades(ctx context.Context) (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("close pending trades panicked", zap.Any("panic", r))
			err = fmt.Errorf("close pending trades: panic: %v", r)
		}
	}()

	var failures []error
	fail := func(err error, msg string, fields ...zap.Field) {
		t.logger.Error(msg, append(fields, zap.Error(err))...)
		failures = append(failures, err)
	}

	orders, err := t.ledger.PendingOrders(ctx)
	if err != nil {
		fail(err, "list pending orders")
	}
	for _, id := range orders {
		order, err := t.findOrder(ctx, id.RemoteID)
		if errors.Is(err, broker.ErrNotFound) {
			t.logger.Warn("pending order not found at broker", zap.String("order_id", id.RemoteID))
			continue
		}
		if err != nil {
			fail(err, "find pending order", zap.String("order_id", id.RemoteID))
			continue
		}

		if order.State() == broker.OrderPending {
			if err := t.call("cancel_order", func() error { return order.Cancel(ctx) }); err != nil {
				fail(err, "cancel pending order", zap.String("order_id", id.RemoteID))
				continue
			}
		}
		if err := t.setOrderState(ctx, id.InternalID, id.RemoteID, order.State()); err != nil {
			fail(err, "persist order state", zap.String("order_id", id.RemoteID))
		}
	}

	// Orders that turned out filled bring their trades into the ledger so
	// they are closed below.
	if err := t.linkFilledOrders(ctx); err != nil {
		fail(err, "link filled orders")
	}

	trades, err := t.ledger.OpenedTrades(ctx)
	if err != nil {
		fail(err, "list opened trades")
	}
	for _, id := range trades {
		trade, err := t.findTrade(ctx, id.RemoteID)
		if errors.Is(err, broker.ErrNotFound) {
			t.logger.Warn("opened trade not found at broker", zap.String("trade_id", id.RemoteID))
			continue
		}
		if err != nil {
			fail(err, "find opened trade", zap.String("trade_id", id.RemoteID))
			continue
		}

		if trade.State() == broker.TradeOpened {
			if err := t.call("close_trade", func() error { return trade.Close(ctx, 0) }); err != nil {
				fail(err, "close opened trade", zap.String("trade_id", id.RemoteID))
				continue
			}
		}
		state := trade.State()
		if err := t.ledger.SetTradeState(ctx, trade.ID(), state); err != nil {
			fail(err, "persist trade state", zap.String("trade_id", id.RemoteID))
			continue
		}
		t.metrics.TradeTransition(string(state))
		t.publishTrade(trade.ID(), state)
	}

	if len(failures) > 0 {
		return fmt.Errorf("close pending trades: %w", errors.Join(failures...))
	}
	t.logger.Info("pending orders and trades resolved", zap.Int("orders", len(orders)), zap.Int("trades", len(trades)))
	return nil
}
