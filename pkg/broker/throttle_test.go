package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/seiroga/trading/pkg/broker"
	"github.com/seiroga/trading/pkg/broker/paper"
)

func TestThrottleDelegates(t *testing.T) {
	conn := broker.Throttle(paper.New(paper.Config{Instruments: []string{"EUR_USD"}}), broker.NewLimiter(1000, 10))

	instruments, err := conn.Instruments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"EUR_USD"}, instruments)

	snap, err := conn.GetInstantData(context.Background(), "EUR_USD")
	require.NoError(t, err)
	assert.True(t, snap.Has(broker.FieldAsk))
}

func TestThrottleHonoursContext(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	conn := broker.Throttle(paper.New(paper.Config{}), limiter)

	_, err := conn.MarginRate(context.Background())
	require.NoError(t, err, "burst allows the first call")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = conn.MarginRate(ctx)
	assert.Error(t, err)
}

func TestThrottleNilLimiter(t *testing.T) {
	inner := paper.New(paper.Config{})
	assert.Same(t, broker.Connector(inner), broker.Throttle(inner, nil))
	assert.Nil(t, broker.NewLimiter(0, 5))
}
