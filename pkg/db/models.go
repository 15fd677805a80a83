package db

import (
	"time"

	"github.com/seiroga/trading/pkg/broker"
)

// ObjectID pairs the broker id of an order or trade with its local id.
type ObjectID struct {
	RemoteID   string
	InternalID string
}

// OrderEntry is the order half of a registration.
type OrderEntry struct {
	RemoteID string
	State    broker.OrderState
}

// TradeEntry is the optional trade half of a registration. Trades are keyed
// by their broker id on both sides of the id map.
type TradeEntry struct {
	RemoteID string
	State    broker.TradeState
}

// OrderRow is an order as stored in the ledger.
type OrderRow struct {
	InternalID    string            `json:"internal_id"`
	RemoteID      string            `json:"remote_id"`
	Created       time.Time         `json:"created"`
	Processed     *time.Time        `json:"processed,omitempty"`
	State         broker.OrderState `json:"state"`
	LinkedTradeID string            `json:"linked_trade_id,omitempty"`
}

// TradeRow is a trade as stored in the ledger.
type TradeRow struct {
	RemoteID      string            `json:"remote_id"`
	Opened        time.Time         `json:"opened"`
	State         broker.TradeState `json:"state"`
	LinkedOrderID string            `json:"linked_order_id,omitempty"`
}
