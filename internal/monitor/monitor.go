package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/seiroga/trading/internal/events"
)

// Monitor watches the bus for failed signals and reconciliations and sends
// an alert for each.
type Monitor struct {
	Bus    *events.Bus
	Sink   AlertSink
	Logger *zap.Logger
}

// ReconcileResult is the bus payload of events.EventReconciled.
type ReconcileResult struct {
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Start consumes events until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if m.Bus == nil || m.Sink == nil {
		logger.Warn("monitor not fully configured; skipping")
		return
	}

	signals, unsubSignals := m.Bus.Subscribe(events.EventStrategySignal, 50)
	reconciled, unsubReconciled := m.Bus.Subscribe(events.EventReconciled, 50)
	go func() {
		defer unsubSignals()
		defer unsubReconciled()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-signals:
				if !ok {
					return
				}
				m.alert(logger, msg)
			case msg, ok := <-reconciled:
				if !ok {
					return
				}
				m.alert(logger, msg)
			}
		}
	}()
}

func (m *Monitor) alert(logger *zap.Logger, msg any) {
	text, ok := formatAlert(msg)
	if !ok {
		return
	}
	if err := m.Sink.Send(text); err != nil {
		logger.Error("send alert", zap.Error(err))
	}
}

// formatAlert returns the alert text for msg and whether it warrants one.
func formatAlert(msg any) (string, bool) {
	switch v := msg.(type) {
	case events.StrategySignal:
		if v.Error == "" {
			return "", false
		}
		return fmt.Sprintf("[%s] %s %s signal failed: %s", v.At.Format(time.RFC3339), v.Instrument, v.Direction, v.Error), true
	case ReconcileResult:
		if v.Error == "" {
			return "", false
		}
		return fmt.Sprintf("[%s] reconciliation failed: %s", v.At.Format(time.RFC3339), v.Error), true
	default:
		return "", false
	}
}
