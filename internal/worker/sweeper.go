package worker

import (
	"context"
	"errors"
	"time"

	"payment-reconciler/internal/gateway"
	"payment-reconciler/internal/models"
	"payment-reconciler/internal/provider"
	"payment-reconciler/internal/resilience"
	"payment-reconciler/internal/util"

	"go.uber.org/zap"
)

// PendingSource lists payment attempts still waiting for a callback
type PendingSource interface {
	ListPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]models.PaymentTransaction, error)
}

// StatusQuerier asks the provider about one push
type StatusQuerier interface {
	ProviderStatus(ctx context.Context, class gateway.Class, correlationID string) (*provider.StatusResult, error)
}

// SweeperConfig configures the pending sweeper
type SweeperConfig struct {
	Interval  time.Duration
	Age       time.Duration
	BatchSize int
}

// PendingSweeper queries the provider for pushes whose callback never arrived.
// Failures it learns about are reconciled as if the callback had been delivered;
// successes are left for the callback, which carries the amount and receipt.
type PendingSweeper struct {
	source     PendingSource
	querier    StatusQuerier
	reconciler CallbackHandler
	cfg        SweeperConfig
	clock      resilience.Clock
	logger     *zap.Logger
}

// NewPendingSweeper creates a new sweeper
func NewPendingSweeper(source PendingSource, querier StatusQuerier, reconciler CallbackHandler, cfg SweeperConfig, clock resilience.Clock) *PendingSweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Age <= 0 {
		cfg.Age = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if clock == nil {
		clock = resilience.SystemClock{}
	}
	return &PendingSweeper{
		source:     source,
		querier:    querier,
		reconciler: reconciler,
		cfg:        cfg,
		clock:      clock,
		logger:     util.GetLogger(),
	}
}

// Start sweeps every Interval until ctx is done
func (s *PendingSweeper) Start(ctx context.Context) error {
	s.logger.Info("Starting pending sweeper", zap.Duration("interval", s.cfg.Interval))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("Pending sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce checks one batch of stale pending transactions and returns how many were reconciled
func (s *PendingSweeper) SweepOnce(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "PendingSweeper.SweepOnce")
	defer span.End()

	txs, err := s.source.ListPendingTransactions(ctx, s.clock.Now().Add(-s.cfg.Age), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for _, tx := range txs {
		res, err := s.querier.ProviderStatus(ctx, gateway.ClassBulk, tx.CorrelationID)
		if err != nil {
			if errors.Is(err, gateway.ErrRateLimited) {
				s.logger.Debug("Sweep paused by bulk rate limit", zap.Int("remaining", len(txs)-reconciled))
				break
			}
			s.logger.Warn("Status query failed",
				zap.String("transaction_id", tx.ID),
				zap.String("correlation_id", tx.CorrelationID),
				zap.Error(err))
			continue
		}
		if res == nil || res.Pending || res.ResultCode == 0 {
			continue
		}

		outcome, err := s.reconciler.HandleCallback(ctx, models.CallbackNotification{
			MerchantRequestID: res.MerchantRequestID,
			CheckoutRequestID: tx.CorrelationID,
			ResultCode:        res.ResultCode,
			ResultDescription: res.ResultDescription,
		})
		if err != nil {
			s.logger.Error("Failed to reconcile swept transaction",
				zap.String("transaction_id", tx.ID),
				zap.Error(err))
			continue
		}
		reconciled++
		s.logger.Info("Swept pending transaction",
			zap.String("transaction_id", tx.ID),
			zap.Int("result_code", res.ResultCode),
			zap.String("outcome", string(outcome)))
	}
	return reconciled, nil
}
