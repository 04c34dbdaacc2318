package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"payment-reconciler/internal/models"

	"github.com/lib/pq"
)

// CreateOrder inserts an order. The order store owns orders; this exists for seeding and tests.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (id, expected_amount, currency, status)
		VALUES ($1, $2, $3, $4)
		RETURNING updated_at`

	if order.Status == "" {
		order.Status = models.OrderStatusCreated
	}
	err := s.db.GetContext(ctx, &order.UpdatedAt, query,
		order.ID, order.ExpectedAmount, order.Currency, order.Status)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("order %s: %w", order.ID, ErrConflict)
	}
	return err
}

// GetOrder retrieves an order by ID
func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT id, expected_amount, currency, status, payment_tx_id, updated_at FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrderStatus sets an order's status unless it is already paid
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status <> $3",
		status, orderID, models.OrderStatusPaid)
	if err != nil {
		return false, err
	}
	return changed(res)
}

// AwaitPayment links an order to its active transaction and moves it to awaiting_payment
func (s *Store) AwaitPayment(ctx context.Context, orderID, txID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, payment_tx_id = $2, updated_at = NOW() WHERE id = $3 AND status <> $4",
		models.OrderStatusAwaitingPayment, txID, orderID, models.OrderStatusPaid)
	if err != nil {
		return false, err
	}
	return changed(res)
}

// SettleOrder marks an order paid by txID. It reports false, and changes nothing,
// when the order was already paid.
func (s *Store) SettleOrder(ctx context.Context, orderID, txID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, payment_tx_id = $2, updated_at = NOW() WHERE id = $3 AND status <> $1",
		models.OrderStatusPaid, txID, orderID)
	if err != nil {
		return false, err
	}
	return changed(res)
}
