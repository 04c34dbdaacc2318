package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"payment-reconciler/internal/models"
)

const flagColumns = `id, order_id, transaction_id, correlation_id, reason, expected_amount, actual_amount,
	discrepancy, receipt_code, review_status, reviewer_notes, created_at, resolved_at`

// CreateFlag inserts a reconciliation flag
func (s *Store) CreateFlag(ctx context.Context, flag *models.ReconciliationFlag) error {
	query := `
		INSERT INTO reconciliation_flags (id, order_id, transaction_id, correlation_id, reason,
			expected_amount, actual_amount, discrepancy, receipt_code, review_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`

	return s.db.GetContext(ctx, &flag.CreatedAt, query,
		flag.ID, flag.OrderID, flag.TransactionID, flag.CorrelationID, flag.Reason,
		flag.ExpectedAmount, flag.ActualAmount, flag.Discrepancy, flag.ReceiptCode, flag.ReviewStatus)
}

// GetFlag retrieves a flag by ID
func (s *Store) GetFlag(ctx context.Context, id string) (*models.ReconciliationFlag, error) {
	var flag models.ReconciliationFlag
	err := s.db.GetContext(ctx, &flag, "SELECT "+flagColumns+" FROM reconciliation_flags WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("flag %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &flag, nil
}

// FindFlag returns the most recent flag raised for a correlation id and reason
func (s *Store) FindFlag(ctx context.Context, correlationID, reason string) (*models.ReconciliationFlag, error) {
	var flag models.ReconciliationFlag
	err := s.db.GetContext(ctx, &flag,
		"SELECT "+flagColumns+" FROM reconciliation_flags WHERE correlation_id = $1 AND reason = $2 ORDER BY created_at DESC LIMIT 1",
		correlationID, reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("flag for %s: %w", correlationID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &flag, nil
}

// ListFlags returns flags with the given review status, newest first. An empty status lists all flags.
func (s *Store) ListFlags(ctx context.Context, reviewStatus string) ([]models.ReconciliationFlag, error) {
	flags := []models.ReconciliationFlag{}
	var err error
	if reviewStatus == "" {
		err = s.db.SelectContext(ctx, &flags,
			"SELECT "+flagColumns+" FROM reconciliation_flags ORDER BY created_at DESC")
	} else {
		err = s.db.SelectContext(ctx, &flags,
			"SELECT "+flagColumns+" FROM reconciliation_flags WHERE review_status = $1 ORDER BY created_at DESC",
			reviewStatus)
	}
	return flags, err
}

// ResolveFlag closes a pending flag. It reports false when the flag was already resolved.
func (s *Store) ResolveFlag(ctx context.Context, flagID, reviewStatus, notes string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE reconciliation_flags SET review_status = $1, reviewer_notes = $2, resolved_at = $3 WHERE id = $4 AND review_status = $5",
		reviewStatus, notes, at, flagID, models.ReviewPending)
	if err != nil {
		return false, err
	}
	return changed(res)
}

// Stats aggregates transaction and flag counts
func (s *Store) Stats(ctx context.Context) (*models.ReconciliationStats, error) {
	var stats models.ReconciliationStats

	err := s.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) AS total_transactions,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending
		FROM payment_transactions`)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	err = s.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) FILTER (WHERE review_status = 'pending_review') AS pending_review,
			COUNT(*) FILTER (WHERE review_status = 'approved') AS approved,
			COUNT(*) FILTER (WHERE review_status = 'rejected') AS rejected
		FROM reconciliation_flags`)
	if err != nil {
		return nil, fmt.Errorf("failed to count flags: %w", err)
	}

	stats.SuccessRate = successRate(stats.Completed, stats.TotalTransactions)
	return &stats, nil
}

func successRate(completed, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(completed) / float64(total)
}
