// Package market holds the typed views of market data records and the time
// arithmetic shared by the collector, storage and strategy.
package market

import (
	"math"
	"time"

	"github.com/seiroga/trading/pkg/broker"
	"github.com/seiroga/trading/pkg/errs"
	"github.com/seiroga/trading/pkg/record"
)

// Quote is one side of a candle.
type Quote struct {
	Open  float64 `json:"o"`
	High  float64 `json:"h"`
	Low   float64 `json:"l"`
	Close float64 `json:"c"`
}

// Candle is a bid/ask OHLC summary of one bucket.
type Candle struct {
	Time     time.Time `json:"time"`
	Complete bool      `json:"complete"`
	Volume   int64     `json:"volume"`
	Bid      Quote     `json:"bid"`
	Ask      Quote     `json:"ask"`
}

// Spread is the distance between the ask and bid close prices.
func (c Candle) Spread() float64 {
	return math.Abs(c.Ask.Close - c.Bid.Close)
}

func quoteFromRecord(r record.Record, side string) (Quote, error) {
	q, err := r.Record(side)
	if err != nil {
		return Quote{}, err
	}

	var out Quote
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{broker.FieldOpen, &out.Open},
		{broker.FieldHigh, &out.High},
		{broker.FieldLow, &out.Low},
		{broker.FieldClose, &out.Close},
	} {
		v, err := q.Double(f.key)
		if err != nil {
			return Quote{}, errs.Wrap(err, side)
		}
		*f.dst = v
	}
	return out, nil
}

// CandleFromRecord decodes a historical record. A record without the
// complete flag (as read back from storage) is treated as complete.
func CandleFromRecord(r record.Record) (Candle, error) {
	ts, err := r.Time(broker.FieldTime)
	if err != nil {
		return Candle{}, err
	}

	c := Candle{Time: ts, Complete: true}
	if r.Has(broker.FieldComplete) {
		if c.Complete, err = r.Bool(broker.FieldComplete); err != nil {
			return Candle{}, err
		}
	}
	if r.Has(broker.FieldVolume) {
		v, err := r.Double(broker.FieldVolume)
		if err != nil {
			return Candle{}, err
		}
		c.Volume = int64(v)
	}
	if c.Bid, err = quoteFromRecord(r, broker.FieldBid); err != nil {
		return Candle{}, err
	}
	if c.Ask, err = quoteFromRecord(r, broker.FieldAsk); err != nil {
		return Candle{}, err
	}
	return c, nil
}

// CandlesFromRecords decodes a batch, failing on the first malformed record.
func CandlesFromRecords(data []record.Record) ([]Candle, error) {
	out := make([]Candle, 0, len(data))
	for _, r := range data {
		c, err := CandleFromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Tick is an instant bid/ask snapshot.
type Tick struct {
	Time       time.Time `json:"time"`
	Instrument string    `json:"instrument"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
}

func TickFromRecord(r record.Record) (Tick, error) {
	var (
		t   Tick
		err error
	)
	if t.Time, err = r.Time(broker.FieldTime); err != nil {
		return Tick{}, err
	}
	if t.Instrument, err = r.Text(broker.FieldInstrument); err != nil {
		return Tick{}, err
	}
	if t.Bid, err = r.Double(broker.FieldBid); err != nil {
		return Tick{}, err
	}
	if t.Ask, err = r.Double(broker.FieldAsk); err != nil {
		return Tick{}, err
	}
	return t, nil
}
