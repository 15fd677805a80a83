package broker

import "github.com/seiroga/trading/pkg/record"

// OrderState normalizes broker order status into a small set.
type OrderState string

const (
	OrderPending  OrderState = "pending"
	OrderFilled   OrderState = "filled"
	OrderCanceled OrderState = "canceled"
)

// Terminal reports whether no further transition is possible.
func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderCanceled
}

// TradeState is the lifecycle of a position opened by a filled order.
type TradeState string

const (
	TradeOpened TradeState = "opened"
	TradeClosed TradeState = "closed"
)

func (s TradeState) Terminal() bool {
	return s == TradeClosed
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
)

// Order request fields understood by every connector.
const (
	ParamType       = "type"
	ParamInstrument = "instrument"
	ParamUnits      = "units"
)

// MarketOrderParams builds a market order request. Negative units sell.
func MarketOrderParams(instrument string, units int64) record.Record {
	return record.Record{
		ParamType:       record.Text(string(OrderTypeMarket)),
		ParamInstrument: record.Text(instrument),
		ParamUnits:      record.Int(units),
	}
}
