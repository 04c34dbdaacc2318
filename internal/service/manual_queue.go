package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"payment-reconciler/internal/models"
	"payment-reconciler/internal/resilience"
	"payment-reconciler/internal/store"
	"payment-reconciler/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Decision is an operator's verdict on a flag
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ParseDecision validates an operator decision, ignoring case
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionApprove, DecisionReject:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDecision, s)
}

// Resolution is the state left behind by a manual decision. Order and
// Transaction are nil for flags that never matched a transaction.
type Resolution struct {
	Flag        *models.ReconciliationFlag `json:"flag"`
	Order       *models.Order              `json:"order,omitempty"`
	Transaction *models.PaymentTransaction `json:"transaction,omitempty"`
	Settled     bool                       `json:"settled"`
}

// ManualQueue is the review queue for flagged notifications
type ManualQueue struct {
	repo     Repository
	locker   Locker
	notifier Notifier
	settler  *settler
	clock    resilience.Clock
	logger   *zap.Logger
}

// NewManualQueue creates a new manual review queue
func NewManualQueue(repo Repository, locker Locker, notifier Notifier, clock resilience.Clock) *ManualQueue {
	s := newSettler(repo, notifier, clock)
	return &ManualQueue{
		repo:     repo,
		locker:   locker,
		notifier: notifier,
		settler:  s,
		clock:    s.clock,
		logger:   util.GetLogger(),
	}
}

// List returns flags by review status; an empty status lists all flags
func (q *ManualQueue) List(ctx context.Context, reviewStatus string) ([]models.ReconciliationFlag, error) {
	ctx, span := util.StartSpan(ctx, "ManualQueue.List")
	defer span.End()

	switch reviewStatus {
	case "", models.ReviewPending, models.ReviewApproved, models.ReviewRejected:
	default:
		return nil, invalid("status", "expected pending_review, approved or rejected", nil)
	}

	flags, err := q.repo.ListFlags(ctx, reviewStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to list flags: %w", err)
	}
	return flags, nil
}

// Get returns one flag
func (q *ManualQueue) Get(ctx context.Context, flagID string) (*models.ReconciliationFlag, error) {
	flag, err := q.repo.GetFlag(ctx, flagID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrFlagNotFound
		}
		return nil, fmt.Errorf("failed to get flag: %w", err)
	}
	return flag, nil
}

// Stats returns transaction and review counters
func (q *ManualQueue) Stats(ctx context.Context) (*models.ReconciliationStats, error) {
	ctx, span := util.StartSpan(ctx, "ManualQueue.Stats")
	defer span.End()

	stats, err := q.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}

// Resolve applies an operator decision to a pending flag.
// Approving settles the order through the same guarded path as automatic
// settlement, so an order that got paid meanwhile is never paid twice.
func (q *ManualQueue) Resolve(ctx context.Context, flagID string, decision Decision, notes string) (*Resolution, error) {
	ctx, span := util.StartSpan(ctx, "ManualQueue.Resolve")
	defer span.End()

	if _, err := ParseDecision(string(decision)); err != nil {
		return nil, err
	}

	flag, err := q.Get(ctx, flagID)
	if err != nil {
		return nil, err
	}
	if flag.ReviewStatus != models.ReviewPending {
		return nil, ErrFlagResolved
	}
	if decision == DecisionApprove && flag.TransactionID == "" {
		return nil, ErrUnlinkedFlag
	}

	lockKey := flag.OrderID
	if flag.OrderID == models.UnknownOrderID {
		lockKey = "flag:" + flag.ID
	}
	unlock, err := q.locker.Lock(ctx, lockKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// another operator may have won the race for the lock
	if flag, err = q.Get(ctx, flagID); err != nil {
		return nil, err
	}
	if flag.ReviewStatus != models.ReviewPending {
		return nil, ErrFlagResolved
	}

	res := &Resolution{}
	if decision == DecisionApprove {
		err = q.approve(ctx, flag, notes, res)
	} else {
		err = q.reject(ctx, flag, notes, res)
	}
	if err != nil {
		return nil, err
	}

	if res.Flag, err = q.Get(ctx, flagID); err != nil {
		return nil, err
	}

	util.FlagResolutionsTotal.WithLabelValues(string(decision)).Inc()
	q.logger.Info("Reconciliation flag resolved",
		zap.String("flag_id", flag.ID),
		zap.String("order_id", flag.OrderID),
		zap.String("decision", string(decision)),
		zap.Bool("settled", res.Settled))

	event := &models.FlagResolvedEvent{
		BaseEvent: newBaseEvent(models.EventTypeFlagResolved, q.clock),
		FlagID:    flag.ID,
		OrderID:   flag.OrderID,
		Decision:  string(decision),
		Settled:   res.Settled,
	}
	if err := q.notifier.PublishFlagResolved(ctx, event); err != nil {
		q.logger.Error("Failed to publish FlagResolved event", zap.Error(err))
	}
	return res, nil
}

func (q *ManualQueue) approve(ctx context.Context, flag *models.ReconciliationFlag, notes string, res *Resolution) error {
	order, err := q.repo.GetOrder(ctx, flag.OrderID)
	if err != nil {
		return fmt.Errorf("failed to get order: %w", err)
	}
	tx, err := q.repo.GetTransaction(ctx, flag.TransactionID)
	if err != nil {
		return fmt.Errorf("failed to get transaction: %w", err)
	}

	if order.Status != models.OrderStatusPaid {
		if tx.Status == models.TxStatusFailed {
			// money arrived after the attempt was given up; settle on a fresh record of it
			if tx, err = q.replacement(ctx, tx, flag); err != nil {
				return err
			}
		}
		if res.Settled, err = q.settler.settle(ctx, order, tx, flag.ReceiptCode, ChannelManual); err != nil {
			return err
		}
	}

	if _, err := q.repo.ResolveFlag(ctx, flag.ID, models.ReviewApproved, notes, q.clock.Now()); err != nil {
		return fmt.Errorf("failed to resolve flag: %w", err)
	}
	return q.reload(ctx, flag, res)
}

func (q *ManualQueue) replacement(ctx context.Context, failed *models.PaymentTransaction, flag *models.ReconciliationFlag) (*models.PaymentTransaction, error) {
	if _, err := q.repo.GetActiveTransaction(ctx, failed.OrderID); err == nil {
		return nil, ErrPaymentInProgress
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to get active transaction: %w", err)
	}

	tx := &models.PaymentTransaction{
		ID:                uuid.New().String(),
		OrderID:           failed.OrderID,
		MerchantRequestID: failed.MerchantRequestID,
		Amount:            flag.ActualAmount,
		PayerReference:    failed.PayerReference,
		Status:            models.TxStatusPending,
	}
	if err := q.repo.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrPaymentInProgress
		}
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	return tx, nil
}

func (q *ManualQueue) reject(ctx context.Context, flag *models.ReconciliationFlag, notes string, res *Resolution) error {
	changed, err := q.repo.ResolveFlag(ctx, flag.ID, models.ReviewRejected, notes, q.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to resolve flag: %w", err)
	}
	if !changed {
		return ErrFlagResolved
	}
	if flag.TransactionID == "" {
		return nil
	}

	if _, err := q.settler.failAttempt(ctx, flag.OrderID, flag.TransactionID, ReasonRejectedByReview); err != nil {
		return err
	}
	return q.reload(ctx, flag, res)
}

func (q *ManualQueue) reload(ctx context.Context, flag *models.ReconciliationFlag, res *Resolution) error {
	order, err := q.repo.GetOrder(ctx, flag.OrderID)
	if err != nil {
		return fmt.Errorf("failed to get order: %w", err)
	}
	res.Order = order

	txID := order.PaymentTxID
	if txID == "" {
		txID = flag.TransactionID
	}
	tx, err := q.repo.GetTransaction(ctx, txID)
	if err != nil {
		return fmt.Errorf("failed to get transaction: %w", err)
	}
	res.Transaction = tx
	return nil
}
