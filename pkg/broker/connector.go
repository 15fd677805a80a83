// Package broker defines the capabilities the engine consumes from a broker.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/seiroga/trading/pkg/errs"
	"github.com/seiroga/trading/pkg/record"
)

// ErrNotFound is returned by FindOrder/FindTrade for ids the broker does not know.
var ErrNotFound = errors.New("broker object not found")

// ProtocolError is returned on any non-success broker response.
type ProtocolError = errs.ProtocolError

// Connector executes broker operations. All calls block until the broker answers.
type Connector interface {
	Instruments(ctx context.Context) ([]string, error)
	AvailableBalance(ctx context.Context) (float64, error)
	MarginRate(ctx context.Context) (float64, error)
	// GetData returns historical buckets in [start, end). A nil end means up to now.
	GetData(ctx context.Context, instrument string, granularity time.Duration, start time.Time, end *time.Time) ([]record.Record, error)
	GetInstantData(ctx context.Context, instrument string) (record.Record, error)
	CreateOrder(ctx context.Context, params record.Record) (Order, error)
	FindOrder(ctx context.Context, id string) (Order, error)
	FindTrade(ctx context.Context, id string) (Trade, error)
}

// Order is a live view of a broker order.
type Order interface {
	ID() string
	// TradeID is empty until the order is filled.
	TradeID() string
	State() OrderState
	Cancel(ctx context.Context) error
}

// Trade is a live view of a broker position.
type Trade interface {
	ID() string
	State() TradeState
	Amount() float64
	Profit(unrealized bool) float64
	// Close reduces the position by units; units <= 0 closes all of it.
	Close(ctx context.Context, units int64) error
}
