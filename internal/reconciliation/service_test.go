package reconciliation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/seiroga/trading/internal/events"
	"github.com/seiroga/trading/internal/monitor"
)

type countingReconciler struct {
	calls atomic.Int32
	err   error
}

func (r *countingReconciler) UpdateObjectsStates(ctx context.Context) error {
	r.calls.Add(1)
	return r.err
}

func TestReconcilePublishesResult(t *testing.T) {
	bus := events.NewBus()
	results, unsubscribe := bus.Subscribe(events.EventReconciled, 1)
	defer unsubscribe()

	rec := &countingReconciler{err: errors.New("broker offline")}
	svc := NewService(rec, time.Hour, bus, zaptest.NewLogger(t), monitor.NewMetrics(nil))

	_, ok := svc.Last()
	assert.False(t, ok)

	got := svc.Reconcile(context.Background())
	assert.Equal(t, "broker offline", got.Error)
	assert.Equal(t, int32(1), rec.calls.Load())

	select {
	case payload := <-results:
		assert.Equal(t, got, payload.(monitor.ReconcileResult))
	case <-time.After(time.Second):
		t.Fatal("result not published")
	}

	last, ok := svc.Last()
	require.True(t, ok)
	assert.Equal(t, got, last)

	rec.err = nil
	assert.Empty(t, svc.Reconcile(context.Background()).Error)
}

func TestStartRunsOnInterval(t *testing.T) {
	rec := &countingReconciler{}
	svc := NewService(rec, 10*time.Millisecond, nil, zaptest.NewLogger(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)

	assert.Eventually(t, func() bool { return rec.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
}
