package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seiroga/trading/pkg/broker"
	"github.com/seiroga/trading/pkg/errs"
	"github.com/seiroga/trading/pkg/record"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func candleRecord(ts time.Time, bid, ask float64) record.Record {
	side := func(c float64) record.Record {
		return record.Record{
			broker.FieldOpen:  record.Double(c),
			broker.FieldHigh:  record.Double(c),
			broker.FieldLow:   record.Double(c),
			broker.FieldClose: record.Double(c),
		}
	}
	return record.Record{
		broker.FieldTime:   record.Time(ts),
		broker.FieldVolume: record.Int(7),
		broker.FieldBid:    record.Nested(side(bid)),
		broker.FieldAsk:    record.Nested(side(ask)),
	}
}

func TestCandleFromRecord(t *testing.T) {
	r := candleRecord(base, 1.1, 1.1004)

	c, err := CandleFromRecord(r)
	require.NoError(t, err)
	assert.True(t, c.Complete, "missing complete flag defaults to true")
	assert.Equal(t, int64(7), c.Volume)
	assert.InDelta(t, 0.0004, c.Spread(), 1e-12)

	r[broker.FieldComplete] = record.Bool(false)
	c, err = CandleFromRecord(r)
	require.NoError(t, err)
	assert.False(t, c.Complete)

	delete(r, broker.FieldAsk)
	_, err = CandleFromRecord(r)
	assert.True(t, errs.IsValidation(err))
}

func TestTickFromRecord(t *testing.T) {
	_, err := TickFromRecord(record.Record{broker.FieldTime: record.Time(base)})
	assert.True(t, errs.IsValidation(err))

	tick, err := TickFromRecord(record.Record{
		broker.FieldTime:       record.Time(base),
		broker.FieldInstrument: record.Text("EUR_USD"),
		broker.FieldBid:        record.Double(1.1),
		broker.FieldAsk:        record.Double(1.2),
	})
	require.NoError(t, err)
	assert.Equal(t, "EUR_USD", tick.Instrument)
}

func TestCoverage(t *testing.T) {
	g := 5 * time.Second
	data := []record.Record{
		candleRecord(base, 1, 1),
		candleRecord(base.Add(g), 1, 1),
		candleRecord(base.Add(2*g), 1, 1),
	}

	start, end, err := Coverage(data, g)
	require.NoError(t, err)
	assert.Equal(t, base, start)
	assert.Equal(t, base.Add(3*g), end)

	start, end, err = Coverage(data[:1], g)
	require.NoError(t, err)
	assert.Equal(t, start, end, "a single record collapses the range")

	_, _, err = Coverage(nil, g)
	assert.Error(t, err)

	assert.True(t, Covers(data, g, base, base.Add(3*g)))
	assert.False(t, Covers(data, g, base, base.Add(4*g)))
	assert.False(t, Covers(nil, g, base, base))
}

func TestAlign(t *testing.T) {
	ts := base.Add(42*time.Second + 300*time.Millisecond)
	assert.Equal(t, base.Add(40*time.Second), Align(ts, 5*time.Second))
	assert.Equal(t, base.Add(45*time.Second), NextBoundary(ts, 5*time.Second))
	assert.Equal(t, base.Add(5*time.Second), NextBoundary(base, 5*time.Second))
}

func TestAlignCountsFromEpoch(t *testing.T) {
	ts := time.Unix(1_700_000_123, 0).UTC()

	tests := []struct {
		name        string
		granularity time.Duration
		want        time.Time
	}{
		{"seven seconds", 7 * time.Second, time.Unix(1_700_000_123/7*7, 0).UTC()},
		{"ninety seconds", 90 * time.Second, time.Unix(1_700_000_123/90*90, 0).UTC()},
		{"weekly", 168 * time.Hour, time.Unix(1_700_000_123/604800*604800, 0).UTC()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Align(ts, tt.granularity)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
			assert.True(t, tt.want.Add(tt.granularity).Equal(NextBoundary(ts, tt.granularity)))
		})
	}

	assert.True(t, time.Date(2023, 11, 9, 0, 0, 0, 0, time.UTC).Equal(Align(ts, 168*time.Hour)))
}

func TestAlignBeforeEpoch(t *testing.T) {
	ts := time.Unix(-5, 0).UTC()
	assert.True(t, time.Unix(-7, 0).Equal(Align(ts, 7*time.Second)))
	assert.True(t, time.Unix(-7, 0).Equal(Align(time.Unix(-7, 0), 7*time.Second)))
	assert.True(t, time.Unix(0, 0).Equal(NextBoundary(ts, 7*time.Second)))
}
