package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"payment-reconciler/internal/models"

	"github.com/lib/pq"
)

const txColumns = `id, order_id, merchant_request_id, correlation_id, amount, payer_reference,
	status, receipt_code, failure_reason, created_at, completed_at`

// CreateTransaction inserts a pending payment attempt
func (s *Store) CreateTransaction(ctx context.Context, tx *models.PaymentTransaction) error {
	query := `
		INSERT INTO payment_transactions (id, order_id, amount, payer_reference, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	err := s.db.GetContext(ctx, &tx.CreatedAt, query,
		tx.ID, tx.OrderID, tx.Amount, tx.PayerReference, tx.Status)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("transaction for order %s: %w", tx.OrderID, ErrConflict)
	}
	return err
}

// GetTransaction retrieves a transaction by ID
func (s *Store) GetTransaction(ctx context.Context, id string) (*models.PaymentTransaction, error) {
	return s.getTransaction(ctx, "SELECT "+txColumns+" FROM payment_transactions WHERE id = $1", id)
}

// GetTransactionByCorrelationID retrieves the transaction a provider correlation id was issued for
func (s *Store) GetTransactionByCorrelationID(ctx context.Context, correlationID string) (*models.PaymentTransaction, error) {
	return s.getTransaction(ctx, "SELECT "+txColumns+" FROM payment_transactions WHERE correlation_id = $1", correlationID)
}

// GetActiveTransaction retrieves the pending transaction of an order
func (s *Store) GetActiveTransaction(ctx context.Context, orderID string) (*models.PaymentTransaction, error) {
	return s.getTransaction(ctx,
		"SELECT "+txColumns+" FROM payment_transactions WHERE order_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1",
		orderID, models.TxStatusPending)
}

// ListPendingTransactions returns pending transactions created before olderThan, oldest first
func (s *Store) ListPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]models.PaymentTransaction, error) {
	var txs []models.PaymentTransaction
	err := s.db.SelectContext(ctx, &txs,
		"SELECT "+txColumns+" FROM payment_transactions WHERE status = $1 AND created_at < $2 AND correlation_id <> '' ORDER BY created_at LIMIT $3",
		models.TxStatusPending, olderThan, limit)
	return txs, err
}

// SetCorrelationIDs stores the ids the provider issued for a push
func (s *Store) SetCorrelationIDs(ctx context.Context, txID, merchantRequestID, correlationID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payment_transactions SET merchant_request_id = $1, correlation_id = $2 WHERE id = $3",
		merchantRequestID, correlationID, txID)
	return err
}

// CompleteTransaction marks a pending transaction completed
func (s *Store) CompleteTransaction(ctx context.Context, txID, receiptCode string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE payment_transactions SET status = $1, receipt_code = $2, completed_at = $3 WHERE id = $4 AND status = $5",
		models.TxStatusCompleted, receiptCode, at, txID, models.TxStatusPending)
	if err != nil {
		return false, err
	}
	return changed(res)
}

// FailTransaction marks a pending transaction failed
func (s *Store) FailTransaction(ctx context.Context, txID, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE payment_transactions SET status = $1, failure_reason = $2, completed_at = $3 WHERE id = $4 AND status = $5",
		models.TxStatusFailed, reason, at, txID, models.TxStatusPending)
	if err != nil {
		return false, err
	}
	return changed(res)
}

func (s *Store) getTransaction(ctx context.Context, query string, args ...interface{}) (*models.PaymentTransaction, error) {
	var tx models.PaymentTransaction
	err := s.db.GetContext(ctx, &tx, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}
