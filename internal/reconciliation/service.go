// Package reconciliation periodically brings the ledger in line with the
// broker's view of orders and trades.
package reconciliation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seiroga/trading/internal/events"
	"github.com/seiroga/trading/internal/monitor"
)

// Reconciler refreshes locally tracked objects from the broker. The trader
// implements it.
type Reconciler interface {
	UpdateObjectsStates(ctx context.Context) error
}

// Service handles periodic reconciliation
type Service struct {
	reconciler Reconciler
	interval   time.Duration
	bus        *events.Bus
	logger     *zap.Logger
	metrics    *monitor.Metrics
	now        func() time.Time

	mu   sync.Mutex
	last *monitor.ReconcileResult
}

// NewService creates a reconciliation service. A nil bus disables result
// publishing.
func NewService(reconciler Reconciler, interval time.Duration, bus *events.Bus, logger *zap.Logger, metrics *monitor.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		reconciler: reconciler,
		interval:   interval,
		bus:        bus,
		logger:     logger.Named("reconciliation"),
		metrics:    metrics,
		now:        time.Now,
	}
}

// Start begins periodic reconciliation until ctx is done.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Reconcile(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	s.logger.Info("reconciliation service started", zap.Duration("interval", s.interval))
}

// Reconcile runs one pass. Runs are serialized.
func (s *Service) Reconcile(ctx context.Context) monitor.ReconcileResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	err := s.reconciler.UpdateObjectsStates(ctx)
	result := monitor.ReconcileResult{At: start, Duration: s.now().Sub(start)}
	s.metrics.Reconciled(err)

	if err != nil {
		result.Error = err.Error()
		s.logger.Error("reconciliation failed", zap.Error(err))
	} else {
		s.logger.Debug("reconciliation OK", zap.Duration("duration", result.Duration))
	}

	s.last = &result
	if s.bus != nil {
		s.bus.Publish(events.EventReconciled, result)
	}
	return result
}

// Last returns the most recent result, if any.
func (s *Service) Last() (monitor.ReconcileResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return monitor.ReconcileResult{}, false
	}
	return *s.last, true
}
