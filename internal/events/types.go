package events

import (
	"time"

	"github.com/seiroga/trading/pkg/record"
)

// Event enumerates high-level topics inside the trading engine.
type Event string

const (
	EventInstantData    Event = "market.instant"
	EventHistoricalData Event = "market.historical"
	EventOrderUpdate    Event = "order.update"
	EventTradeUpdate    Event = "trade.update"
	EventStrategySignal Event = "strategy.signal"
	EventReconciled     Event = "ledger.reconciled"
)

// DataBatch is the payload of the collector's data notifications.
type DataBatch struct {
	Instrument string          `json:"instrument"`
	Records    []record.Record `json:"records"`
}

// OrderUpdate is published whenever the trader persists an order state.
type OrderUpdate struct {
	InternalID string    `json:"internal_id"`
	RemoteID   string    `json:"remote_id"`
	State      string    `json:"state"`
	TradeID    string    `json:"trade_id,omitempty"`
	At         time.Time `json:"at"`
}

// TradeUpdate is published whenever the trader persists a trade state.
type TradeUpdate struct {
	RemoteID string    `json:"remote_id"`
	State    string    `json:"state"`
	At       time.Time `json:"at"`
}

// StrategySignal describes a fired crossing.
type StrategySignal struct {
	Instrument string    `json:"instrument"`
	Direction  string    `json:"direction"`
	CrossValue float64   `json:"cross_value"`
	Units      int64     `json:"units"`
	InternalID string    `json:"internal_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}
