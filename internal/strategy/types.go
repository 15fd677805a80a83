package strategy

import (
	"context"
	"time"

	"github.com/seiroga/trading/internal/events"
	"github.com/seiroga/trading/internal/market"
	"github.com/seiroga/trading/pkg/record"
)

// DataProvider serves historical candles; the collector implements it.
type DataProvider interface {
	GetData(ctx context.Context, instrument string, granularity time.Duration, start, end *time.Time) ([]record.Record, error)
}

// Account reports the funds available for sizing.
type Account interface {
	AvailableBalance(ctx context.Context) (float64, error)
	MarginRate(ctx context.Context) (float64, error)
}

// Trader executes the strategy's decisions.
type Trader interface {
	OpenTrade(ctx context.Context, instrument string, units int64) (string, error)
	CloseTrade(ctx context.Context, internalID string, units int64) error
}

// Deps bundles the collaborators of a strategy.
type Deps struct {
	Data    DataProvider
	Account Account
	Trader  Trader
	// Historical is the notification the strategy subscribes to on Start.
	Historical *events.Signal[events.DataBatch]
	// Bus, when set, receives a StrategySignal for every fired crossing.
	Bus *events.Bus
}

// Direction of a fired crossing.
const (
	DirectionBuy  = "buy"
	DirectionSell = "sell"
)

// Snapshot is a copy of the strategy's working set.
type Snapshot struct {
	Instrument          string          `json:"instrument"`
	Window              []market.Candle `json:"window"`
	Fast                []float64       `json:"fast_ema"`
	Slow                []float64       `json:"slow_ema"`
	CrossValue          float64         `json:"cross_value"`
	WaitingForThreshold bool            `json:"waiting_for_threshold"`
	OpenedTradeID       string          `json:"opened_trade_id,omitempty"`
	LastSignal          *time.Time      `json:"last_signal,omitempty"`
}
