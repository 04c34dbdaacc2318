package service

import (
	"context"
	"fmt"

	"payment-reconciler/internal/models"
	"payment-reconciler/internal/resilience"
	"payment-reconciler/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Settlement channels
const (
	ChannelAutomatic = "automatic"
	ChannelManual    = "manual"
)

// settler is the single path by which an order becomes paid. Callers hold the order lock.
type settler struct {
	repo     Repository
	notifier Notifier
	clock    resilience.Clock
	logger   *zap.Logger
}

func newSettler(repo Repository, notifier Notifier, clock resilience.Clock) *settler {
	if clock == nil {
		clock = resilience.SystemClock{}
	}
	return &settler{repo: repo, notifier: notifier, clock: clock, logger: util.GetLogger()}
}

// settle completes tx and marks order paid. It reports false when the order was
// already paid, in which case no fulfillment is triggered.
func (s *settler) settle(ctx context.Context, order *models.Order, tx *models.PaymentTransaction, receipt, channel string) (bool, error) {
	if _, err := s.repo.CompleteTransaction(ctx, tx.ID, receipt, s.clock.Now()); err != nil {
		return false, fmt.Errorf("failed to complete transaction: %w", err)
	}

	changed, err := s.repo.SettleOrder(ctx, order.ID, tx.ID)
	if err != nil {
		return false, fmt.Errorf("failed to settle order: %w", err)
	}
	if !changed {
		s.logger.Info("Order already paid, settlement skipped",
			zap.String("order_id", order.ID),
			zap.String("transaction_id", tx.ID))
		return false, nil
	}

	util.SettlementsTotal.WithLabelValues(channel).Inc()
	s.logger.Info("Order settled",
		zap.String("order_id", order.ID),
		zap.String("transaction_id", tx.ID),
		zap.String("receipt", receipt),
		zap.String("channel", channel))

	s.triggerFulfillment(ctx, order, tx, receipt, channel)
	return true, nil
}

func (s *settler) triggerFulfillment(ctx context.Context, order *models.Order, tx *models.PaymentTransaction, receipt, channel string) {
	util.FulfillmentTriggersTotal.Inc()

	event := &models.OrderPaidEvent{
		BaseEvent:     newBaseEvent(models.EventTypeOrderPaid, s.clock),
		OrderID:       order.ID,
		TransactionID: tx.ID,
		Amount:        order.ExpectedAmount,
		Currency:      order.Currency,
		ReceiptCode:   receipt,
		Channel:       channel,
	}
	if err := s.notifier.PublishOrderPaid(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderPaid event",
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
}

// failAttempt marks a pending transaction failed and, unless the order is already
// paid, the order payment_failed. It reports false when tx was no longer pending.
func (s *settler) failAttempt(ctx context.Context, orderID, txID, reason string) (bool, error) {
	changed, err := s.repo.FailTransaction(ctx, txID, reason, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("failed to fail transaction: %w", err)
	}
	if !changed {
		return false, nil
	}

	if _, err := s.repo.UpdateOrderStatus(ctx, orderID, models.OrderStatusPaymentFailed); err != nil {
		return true, fmt.Errorf("failed to update order status: %w", err)
	}

	s.logger.Info("Payment attempt failed",
		zap.String("order_id", orderID),
		zap.String("transaction_id", txID),
		zap.String("reason", reason))

	event := &models.PaymentFailedEvent{
		BaseEvent:     newBaseEvent(models.EventTypePaymentFailed, s.clock),
		OrderID:       orderID,
		TransactionID: txID,
		Reason:        reason,
	}
	if err := s.notifier.PublishPaymentFailed(ctx, event); err != nil {
		s.logger.Error("Failed to publish PaymentFailed event", zap.Error(err))
	}
	return true, nil
}

func (s *settler) raiseFlag(ctx context.Context, flag *models.ReconciliationFlag) error {
	flag.ID = uuid.New().String()
	flag.ReviewStatus = models.ReviewPending
	if err := s.repo.CreateFlag(ctx, flag); err != nil {
		return fmt.Errorf("failed to create reconciliation flag: %w", err)
	}

	util.ReconciliationFlagsTotal.WithLabelValues(flag.Reason).Inc()
	s.logger.Warn("Reconciliation flag raised",
		zap.String("flag_id", flag.ID),
		zap.String("order_id", flag.OrderID),
		zap.String("correlation_id", flag.CorrelationID),
		zap.String("reason", flag.Reason),
		zap.Int64("discrepancy", flag.Discrepancy))

	event := &models.ReconciliationFlaggedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeReconciliationFlag, s.clock),
		FlagID:        flag.ID,
		OrderID:       flag.OrderID,
		TransactionID: flag.TransactionID,
		Reason:        flag.Reason,
		Discrepancy:   flag.Discrepancy,
	}
	if err := s.notifier.PublishReconciliationFlagged(ctx, event); err != nil {
		s.logger.Error("Failed to publish ReconciliationFlagged event", zap.Error(err))
	}
	return nil
}

func newBaseEvent(eventType string, clock resilience.Clock) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: clock.Now(),
	}
}
