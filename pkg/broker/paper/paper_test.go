package paper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seiroga/trading/pkg/broker"
	"github.com/seiroga/trading/pkg/errs"
	"github.com/seiroga/trading/pkg/record"
)

func newTestBroker(fill FillMode) *Broker {
	b := New(Config{Instruments: []string{"EUR_USD"}, Fill: fill})
	now := time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b
}

func TestGetDataAlignedBuckets(t *testing.T) {
	b := newTestBroker(FillImmediately)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 11, 58, 0, 0, time.UTC)
	end := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	candles, err := b.GetData(ctx, "EUR_USD", time.Minute, start, &end)
	require.NoError(t, err)
	require.Len(t, candles, 2)

	for i, c := range candles {
		ts, err := c.Time(broker.FieldTime)
		require.NoError(t, err)
		assert.True(t, ts.Equal(start.Add(time.Duration(i)*time.Minute)))

		complete, err := c.Bool(broker.FieldComplete)
		require.NoError(t, err)
		assert.True(t, complete)

		ask, err := c.Record(broker.FieldAsk)
		require.NoError(t, err)
		bid, err := c.Record(broker.FieldBid)
		require.NoError(t, err)
		askClose, _ := ask.Double(broker.FieldClose)
		bidClose, _ := bid.Double(broker.FieldClose)
		assert.Greater(t, askClose, bidClose)
	}

	again, err := b.GetData(ctx, "EUR_USD", time.Minute, start, &end)
	require.NoError(t, err)
	assert.True(t, candles[0].Equal(again[0]), "same window must produce the same candles")
}

func TestGetDataThroughNowMarksPartialBucket(t *testing.T) {
	b := newTestBroker(FillImmediately)
	start := time.Date(2024, 3, 1, 11, 59, 0, 0, time.UTC)

	candles, err := b.GetData(context.Background(), "EUR_USD", time.Minute, start, nil)
	require.NoError(t, err)
	require.Len(t, candles, 2)

	complete, err := candles[1].Bool(broker.FieldComplete)
	require.NoError(t, err)
	assert.False(t, complete)
}

func TestUnknownInstrumentIsProtocolError(t *testing.T) {
	b := newTestBroker(FillImmediately)
	_, err := b.GetInstantData(context.Background(), "XAU_USD")
	assert.True(t, errs.IsProtocol(err))
}

func TestOrderLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("filled order opens a trade", func(t *testing.T) {
		b := newTestBroker(FillImmediately)
		o, err := b.CreateOrder(ctx, broker.MarketOrderParams("EUR_USD", 1000))
		require.NoError(t, err)
		assert.Equal(t, broker.OrderFilled, o.State())
		require.NotEmpty(t, o.TradeID())

		tr, err := b.FindTrade(ctx, o.TradeID())
		require.NoError(t, err)
		assert.Equal(t, broker.TradeOpened, tr.State())
		assert.Equal(t, 1000.0, tr.Amount())

		require.NoError(t, tr.Close(ctx, 400))
		assert.Equal(t, broker.TradeOpened, tr.State())
		assert.Equal(t, 600.0, tr.Amount())

		require.NoError(t, tr.Close(ctx, 0))
		assert.Equal(t, broker.TradeClosed, tr.State())
		assert.Error(t, tr.Close(ctx, 0))
	})

	t.Run("pending order can be canceled", func(t *testing.T) {
		b := newTestBroker(LeavePending)
		o, err := b.CreateOrder(ctx, broker.MarketOrderParams("EUR_USD", -500))
		require.NoError(t, err)
		assert.Equal(t, broker.OrderPending, o.State())
		assert.Empty(t, o.TradeID())

		require.NoError(t, o.Cancel(ctx))
		assert.Equal(t, broker.OrderCanceled, o.State())

		require.NoError(t, b.Fill(o.ID()))
		assert.Equal(t, broker.OrderCanceled, o.State(), "canceled is terminal")
	})

	t.Run("cancel mode rejects at once", func(t *testing.T) {
		b := newTestBroker(CancelImmediately)
		o, err := b.CreateOrder(ctx, broker.MarketOrderParams("EUR_USD", 10))
		require.NoError(t, err)
		assert.Equal(t, broker.OrderCanceled, o.State())
	})

	t.Run("lookups of unknown ids", func(t *testing.T) {
		b := newTestBroker(FillImmediately)
		_, err := b.FindOrder(ctx, "nope")
		assert.ErrorIs(t, err, broker.ErrNotFound)
		_, err = b.FindTrade(ctx, "nope")
		assert.ErrorIs(t, err, broker.ErrNotFound)
	})

	t.Run("malformed params", func(t *testing.T) {
		b := newTestBroker(FillImmediately)
		_, err := b.CreateOrder(ctx, record.Record{broker.ParamInstrument: record.Text("EUR_USD")})
		assert.True(t, errs.IsValidation(err))
	})
}

func TestAvailableBalanceHoldsMargin(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(FillImmediately)

	before, err := b.AvailableBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10000.0, before)

	_, err = b.CreateOrder(ctx, broker.MarketOrderParams("EUR_USD", 10000))
	require.NoError(t, err)

	after, err := b.AvailableBalance(ctx)
	require.NoError(t, err)
	assert.Less(t, after, before)
}
