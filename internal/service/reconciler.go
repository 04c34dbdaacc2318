package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-reconciler/internal/models"
	"payment-reconciler/internal/resilience"
	"payment-reconciler/internal/store"
	"payment-reconciler/internal/util"

	"go.uber.org/zap"
)

// Outcome is how a callback was reconciled
type Outcome string

const (
	OutcomeSettled   Outcome = "settled"
	OutcomeFailed    Outcome = "failed"
	OutcomeFlagged   Outcome = "flagged"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeDuplicate Outcome = "duplicate"
)

// ReconcilerConfig configures callback reconciliation
type ReconcilerConfig struct {
	// Tolerance is the largest |reported - expected| amount, in base units, settled automatically
	Tolerance int64
	SeenTTL   time.Duration
}

// CallbackReconciler matches asynchronous payment results to transactions and settles orders
type CallbackReconciler struct {
	repo    Repository
	locker  Locker
	seen    SeenCache
	settler *settler
	cfg     ReconcilerConfig
	logger  *zap.Logger
}

// NewCallbackReconciler creates a new reconciler. seen may be nil.
func NewCallbackReconciler(
	repo Repository,
	locker Locker,
	seen SeenCache,
	notifier Notifier,
	cfg ReconcilerConfig,
	clock resilience.Clock,
) *CallbackReconciler {
	if cfg.Tolerance < 0 {
		cfg.Tolerance = 0
	}
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = 24 * time.Hour
	}
	return &CallbackReconciler{
		repo:    repo,
		locker:  locker,
		seen:    seen,
		settler: newSettler(repo, notifier, clock),
		cfg:     cfg,
		logger:  util.GetLogger(),
	}
}

// HandleCallback reconciles one notification. Redeliveries of an already
// reconciled notification return OutcomeDuplicate, not an error.
func (r *CallbackReconciler) HandleCallback(ctx context.Context, n models.CallbackNotification) (Outcome, error) {
	ctx, span := util.StartSpan(ctx, "CallbackReconciler.HandleCallback")
	defer span.End()

	if n.CheckoutRequestID == "" {
		util.CallbacksTotal.WithLabelValues("invalid").Inc()
		return "", invalid("checkout_request_id", "missing", nil)
	}
	if n.Succeeded() && n.Metadata == nil {
		util.CallbacksTotal.WithLabelValues("invalid").Inc()
		return "", invalid("callback_metadata", "missing on a successful result", nil)
	}

	outcome, err := r.reconcile(ctx, n)
	if err != nil {
		r.logger.Error("Failed to reconcile callback",
			zap.String("correlation_id", n.CheckoutRequestID),
			zap.Error(err))
		return "", err
	}

	util.CallbacksTotal.WithLabelValues(string(outcome)).Inc()
	r.logger.Info("Callback reconciled",
		zap.String("correlation_id", n.CheckoutRequestID),
		zap.Int("result_code", n.ResultCode),
		zap.String("outcome", string(outcome)))
	return outcome, nil
}

func (r *CallbackReconciler) reconcile(ctx context.Context, n models.CallbackNotification) (Outcome, error) {
	if r.seenBefore(ctx, n.CheckoutRequestID) {
		return OutcomeDuplicate, nil
	}

	tx, err := r.repo.GetTransactionByCorrelationID(ctx, n.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return r.unmatched(ctx, n)
		}
		return "", fmt.Errorf("failed to look up transaction: %w", err)
	}

	outcome, err := r.matched(ctx, tx.OrderID, tx.ID, n)
	if err != nil {
		return "", err
	}
	// a failed attempt can still be followed by a late success, so only settlement is final
	if outcome == OutcomeSettled {
		r.markSeen(ctx, n.CheckoutRequestID)
	}
	return outcome, nil
}

func (r *CallbackReconciler) matched(ctx context.Context, orderID, txID string, n models.CallbackNotification) (Outcome, error) {
	unlock, err := r.locker.Lock(ctx, orderID)
	if err != nil {
		return "", err
	}
	defer unlock()

	tx, err := r.repo.GetTransaction(ctx, txID)
	if err != nil {
		return "", fmt.Errorf("failed to get transaction: %w", err)
	}
	order, err := r.repo.GetOrder(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("failed to get order: %w", err)
	}

	switch {
	case tx.Status == models.TxStatusCompleted:
		if !n.Succeeded() {
			return OutcomeDuplicate, nil
		}
		// completes a settlement interrupted between the two writes
		settled, err := r.settler.settle(ctx, order, tx, tx.ReceiptCode, ChannelAutomatic)
		if err != nil {
			return "", err
		}
		if settled {
			return OutcomeSettled, nil
		}
		return OutcomeDuplicate, nil

	case tx.Status == models.TxStatusFailed:
		if !n.Succeeded() {
			return OutcomeDuplicate, nil
		}
		return r.flagOnce(ctx, order, tx, n, models.FlagReasonLateSuccess)

	case !n.Succeeded():
		failed, err := r.settler.failAttempt(ctx, order.ID, tx.ID, fmt.Sprintf("%d: %s", n.ResultCode, n.ResultDescription))
		if err != nil {
			return "", err
		}
		if failed {
			return OutcomeFailed, nil
		}
		return OutcomeDuplicate, nil
	}

	if discrepancy(n.Metadata.Amount, order.ExpectedAmount) > r.cfg.Tolerance {
		return r.flagOnce(ctx, order, tx, n, models.FlagReasonAmountMismatch)
	}

	settled, err := r.settler.settle(ctx, order, tx, n.Metadata.ReceiptNumber, ChannelAutomatic)
	if err != nil {
		return "", err
	}
	if settled {
		return OutcomeSettled, nil
	}
	return OutcomeDuplicate, nil
}

// flagOnce raises a flag unless one for the same correlation id and reason is still under review
func (r *CallbackReconciler) flagOnce(ctx context.Context, order *models.Order, tx *models.PaymentTransaction, n models.CallbackNotification, reason string) (Outcome, error) {
	existing, err := r.repo.FindFlag(ctx, n.CheckoutRequestID, reason)
	switch {
	case err == nil && existing.ReviewStatus == models.ReviewPending:
		return OutcomeDuplicate, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("failed to find flag: %w", err)
	}

	flag := &models.ReconciliationFlag{
		OrderID:        order.ID,
		TransactionID:  tx.ID,
		CorrelationID:  n.CheckoutRequestID,
		Reason:         reason,
		ExpectedAmount: order.ExpectedAmount,
		ActualAmount:   n.Metadata.Amount,
		Discrepancy:    discrepancy(n.Metadata.Amount, order.ExpectedAmount),
		ReceiptCode:    n.Metadata.ReceiptNumber,
	}
	if err := r.settler.raiseFlag(ctx, flag); err != nil {
		return "", err
	}
	return OutcomeFlagged, nil
}

// unmatched records a notification that belongs to no known transaction. No order is touched.
func (r *CallbackReconciler) unmatched(ctx context.Context, n models.CallbackNotification) (Outcome, error) {
	unlock, err := r.locker.Lock(ctx, "unmatched:"+n.CheckoutRequestID)
	if err != nil {
		return "", err
	}
	defer unlock()

	_, err = r.repo.FindFlag(ctx, n.CheckoutRequestID, models.FlagReasonUnmatched)
	if err == nil {
		return OutcomeDuplicate, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("failed to find flag: %w", err)
	}

	flag := &models.ReconciliationFlag{
		OrderID:       models.UnknownOrderID,
		CorrelationID: n.CheckoutRequestID,
		Reason:        models.FlagReasonUnmatched,
	}
	if n.Metadata != nil {
		flag.ActualAmount = n.Metadata.Amount
		flag.Discrepancy = n.Metadata.Amount
		flag.ReceiptCode = n.Metadata.ReceiptNumber
	}
	if err := r.settler.raiseFlag(ctx, flag); err != nil {
		return "", err
	}
	return OutcomeUnmatched, nil
}

func (r *CallbackReconciler) seenBefore(ctx context.Context, correlationID string) bool {
	if r.seen == nil {
		return false
	}
	seen, err := r.seen.IsNotificationSeen(ctx, correlationID)
	if err != nil {
		r.logger.Warn("Seen cache unavailable", zap.Error(err))
		return false
	}
	return seen
}

func (r *CallbackReconciler) markSeen(ctx context.Context, correlationID string) {
	if r.seen == nil {
		return
	}
	if _, err := r.seen.MarkNotificationSeen(ctx, correlationID, r.cfg.SeenTTL); err != nil {
		r.logger.Warn("Failed to mark callback seen",
			zap.String("correlation_id", correlationID),
			zap.Error(err))
	}
}

func discrepancy(reported, expected int64) int64 {
	if reported > expected {
		return reported - expected
	}
	return expected - reported
}
