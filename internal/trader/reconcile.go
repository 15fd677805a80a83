package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/seiroga/trading/internal/events"
	"github.com/seiroga/trading/pkg/broker"
	"github.com/seiroga/trading/pkg/db"
)

// UpdateObjectsStates overwrites the local state of every pending order and
// opened trade with the broker's. Objects the broker no longer knows are
// logged and left untouched. Filled orders missing their trade are linked.
func (t *Trader) UpdateObjectsStates(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	orders, err := t.ledger.PendingOrders(ctx)
	if err != nil {
		return err
	}
	for _, id := range orders {
		order, err := t.findOrder(ctx, id.RemoteID)
		if errors.Is(err, broker.ErrNotFound) {
			t.logger.Warn("unable to update order state, broker does not know it", zap.String("order_id", id.RemoteID))
			continue
		}
		if err != nil {
			return err
		}
		if err := t.setOrderState(ctx, id.InternalID, id.RemoteID, order.State()); err != nil {
			return err
		}
	}

	if err := t.linkFilledOrders(ctx); err != nil {
		return err
	}

	trades, err := t.ledger.OpenedTrades(ctx)
	if err != nil {
		return err
	}
	for _, id := range trades {
		trade, err := t.findTrade(ctx, id.RemoteID)
		if errors.Is(err, broker.ErrNotFound) {
			t.logger.Warn("unable to update trade state, broker does not know it", zap.String("trade_id", id.RemoteID))
			continue
		}
		if err != nil {
			return err
		}
		if err := t.ledger.SetTradeState(ctx, id.InternalID, trade.State()); err != nil {
			return err
		}
		t.publishTrade(id.RemoteID, trade.State())
	}

	t.logger.Debug("ledger reconciled", zap.Int("pending_orders", len(orders)), zap.Int("opened_trades", len(trades)))
	return nil
}

// linkFilledOrders attaches broker trades to filled orders recorded without one.
func (t *Trader) linkFilledOrders(ctx context.Context) error {
	unlinked, err := t.ledger.UnlinkedFilledOrders(ctx)
	if err != nil {
		return err
	}

	var failures []error
	for _, id := range unlinked {
		order, err := t.findOrder(ctx, id.RemoteID)
		if err != nil {
			if !errors.Is(err, broker.ErrNotFound) {
				failures = append(failures, err)
			}
			continue
		}
		tradeID := order.TradeID()
		if tradeID == "" {
			continue
		}
		trade, err := t.findTrade(ctx, tradeID)
		if errors.Is(err, broker.ErrNotFound) {
			t.logger.Warn("trade of filled order still not found", zap.String("order_id", id.RemoteID), zap.String("trade_id", tradeID))
			continue
		}
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if err := t.ledger.LinkTrade(ctx, id.InternalID, db.TradeEntry{RemoteID: trade.ID(), State: trade.State()}); err != nil {
			failures = append(failures, err)
			continue
		}
		t.logger.Info("linked trade to filled order", zap.String("internal_id", id.InternalID), zap.String("trade_id", trade.ID()))
	}
	return errors.Join(failures...)
}

// Orders returns the most recent orders from the ledger.
func (t *Trader) Orders(ctx context.Context, limit int) ([]db.OrderRow, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ledger.ListOrders(ctx, limit)
}

// Trades returns the most recent trades from the ledger.
func (t *Trader) Trades(ctx context.Context, limit int) ([]db.TradeRow, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ledger.ListTrades(ctx, limit)
}

// call times a broker round trip.
func (t *Trader) call(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	t.metrics.BrokerCall(op, time.Since(start))
	return err
}

func (t *Trader) findOrder(ctx context.Context, id string) (broker.Order, error) {
	if id == "" {
		return nil, broker.ErrNotFound
	}
	var order broker.Order
	err := t.call("find_order", func() (err error) {
		order, err = t.conn.FindOrder(ctx, id)
		return err
	})
	if err == nil && order == nil {
		err = broker.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find order %s: %w", id, err)
	}
	return order, nil
}

func (t *Trader) findTrade(ctx context.Context, id string) (broker.Trade, error) {
	if id == "" {
		return nil, broker.ErrNotFound
	}
	var trade broker.Trade
	err := t.call("find_trade", func() (err error) {
		trade, err = t.conn.FindTrade(ctx, id)
		return err
	})
	if err == nil && trade == nil {
		err = broker.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find trade %s: %w", id, err)
	}
	return trade, nil
}

func (t *Trader) publishOrder(internalID, remoteID string, state broker.OrderState, tradeID string) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(events.EventOrderUpdate, events.OrderUpdate{
		InternalID: internalID,
		RemoteID:   remoteID,
		State:      string(state),
		TradeID:    tradeID,
		At:         time.Now(),
	})
}

func (t *Trader) publishTrade(remoteID string, state broker.TradeState) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(events.EventTradeUpdate, events.TradeUpdate{
		RemoteID: remoteID,
		State:    string(state),
		At:       time.Now(),
	})
}
