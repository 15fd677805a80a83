package broker

// Field names of market data records produced by connectors.
//
// A historical candle:
//
//	{time, complete, volume, bid: {o, h, l, c}, ask: {o, h, l, c}}
//
// An instant snapshot:
//
//	{time, instrument, bid, ask}
const (
	FieldTime       = "time"
	FieldComplete   = "complete"
	FieldVolume     = "volume"
	FieldInstrument = "instrument"
	FieldBid        = "bid"
	FieldAsk        = "ask"
	FieldOpen       = "o"
	FieldHigh       = "h"
	FieldLow        = "l"
	FieldClose      = "c"
)
