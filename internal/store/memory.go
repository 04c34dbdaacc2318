package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"payment-reconciler/internal/models"
)

// Memory is an in-process repository with the same conditional-update
// semantics as Store. It backs the simulated deployment and tests.
type Memory struct {
	// Now stamps created and updated times. Defaults to time.Now.
	Now func() time.Time

	mu        sync.Mutex
	orders    map[string]models.Order
	txs       map[string]models.PaymentTransaction
	txOrder   []string
	flags     map[string]models.ReconciliationFlag
	flagOrder []string
	events    map[string]string
}

// NewMemory creates an empty in-memory repository
func NewMemory() *Memory {
	return &Memory{
		Now:    time.Now,
		orders: make(map[string]models.Order),
		txs:    make(map[string]models.PaymentTransaction),
		flags:  make(map[string]models.ReconciliationFlag),
		events: make(map[string]string),
	}
}

func (m *Memory) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// Ping always succeeds
func (m *Memory) Ping(ctx context.Context) error { return nil }

// CreateOrder inserts an order
func (m *Memory) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; ok {
		return fmt.Errorf("order %s: %w", order.ID, ErrConflict)
	}
	if order.Status == "" {
		order.Status = models.OrderStatusCreated
	}
	order.UpdatedAt = m.now()
	m.orders[order.ID] = *order
	return nil
}

// GetOrder retrieves an order by ID
func (m *Memory) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return &o, nil
}

// UpdateOrderStatus sets an order's status unless it is already paid
func (m *Memory) UpdateOrderStatus(ctx context.Context, orderID, status string) (bool, error) {
	return m.updateOrder(orderID, func(o *models.Order) bool {
		if o.Status == models.OrderStatusPaid {
			return false
		}
		o.Status = status
		return true
	})
}

// AwaitPayment links an order to its active transaction
func (m *Memory) AwaitPayment(ctx context.Context, orderID, txID string) (bool, error) {
	return m.updateOrder(orderID, func(o *models.Order) bool {
		if o.Status == models.OrderStatusPaid {
			return false
		}
		o.Status = models.OrderStatusAwaitingPayment
		o.PaymentTxID = txID
		return true
	})
}

// SettleOrder marks an order paid unless it already is
func (m *Memory) SettleOrder(ctx context.Context, orderID, txID string) (bool, error) {
	return m.updateOrder(orderID, func(o *models.Order) bool {
		if o.Status == models.OrderStatusPaid {
			return false
		}
		o.Status = models.OrderStatusPaid
		o.PaymentTxID = txID
		return true
	})
}

func (m *Memory) updateOrder(orderID string, apply func(*models.Order) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return false, nil
	}
	if !apply(&o) {
		return false, nil
	}
	o.UpdatedAt = m.now()
	m.orders[orderID] = o
	return true, nil
}

// CreateTransaction inserts a pending payment attempt
func (m *Memory) CreateTransaction(ctx context.Context, tx *models.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.ID]; ok {
		return fmt.Errorf("transaction %s: %w", tx.ID, ErrConflict)
	}
	if _, ok := m.orders[tx.OrderID]; !ok {
		return fmt.Errorf("order %s: %w", tx.OrderID, ErrNotFound)
	}
	for _, existing := range m.txs {
		if existing.OrderID == tx.OrderID && existing.Status == models.TxStatusPending {
			return fmt.Errorf("transaction for order %s: %w", tx.OrderID, ErrConflict)
		}
	}
	tx.CreatedAt = m.now()
	m.txs[tx.ID] = *tx
	m.txOrder = append(m.txOrder, tx.ID)
	return nil
}

// GetTransaction retrieves a transaction by ID
func (m *Memory) GetTransaction(ctx context.Context, id string) (*models.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, fmt.Errorf("transaction: %w", ErrNotFound)
	}
	return &tx, nil
}

// GetTransactionByCorrelationID retrieves a transaction by provider correlation id
func (m *Memory) GetTransactionByCorrelationID(ctx context.Context, correlationID string) (*models.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if correlationID != "" {
		for _, tx := range m.txs {
			if tx.CorrelationID == correlationID {
				return &tx, nil
			}
		}
	}
	return nil, fmt.Errorf("transaction: %w", ErrNotFound)
}

// GetActiveTransaction retrieves the pending transaction of an order
func (m *Memory) GetActiveTransaction(ctx context.Context, orderID string) (*models.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.txOrder) - 1; i >= 0; i-- {
		tx := m.txs[m.txOrder[i]]
		if tx.OrderID == orderID && tx.Status == models.TxStatusPending {
			return &tx, nil
		}
	}
	return nil, fmt.Errorf("transaction: %w", ErrNotFound)
}

// ListPendingTransactions returns pending transactions created before olderThan, oldest first
func (m *Memory) ListPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]models.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.PaymentTransaction{}
	for _, id := range m.txOrder {
		tx := m.txs[id]
		if tx.Status != models.TxStatusPending || tx.CorrelationID == "" || !tx.CreatedAt.Before(olderThan) {
			continue
		}
		out = append(out, tx)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// SetCorrelationIDs stores the ids the provider issued for a push
func (m *Memory) SetCorrelationIDs(ctx context.Context, txID, merchantRequestID, correlationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return fmt.Errorf("transaction: %w", ErrNotFound)
	}
	tx.MerchantRequestID = merchantRequestID
	tx.CorrelationID = correlationID
	m.txs[txID] = tx
	return nil
}

// CompleteTransaction marks a pending transaction completed
func (m *Memory) CompleteTransaction(ctx context.Context, txID, receiptCode string, at time.Time) (bool, error) {
	return m.finishTransaction(txID, func(tx *models.PaymentTransaction) {
		tx.Status = models.TxStatusCompleted
		tx.ReceiptCode = receiptCode
		tx.CompletedAt = &at
	})
}

// FailTransaction marks a pending transaction failed
func (m *Memory) FailTransaction(ctx context.Context, txID, reason string, at time.Time) (bool, error) {
	return m.finishTransaction(txID, func(tx *models.PaymentTransaction) {
		tx.Status = models.TxStatusFailed
		tx.FailureReason = reason
		tx.CompletedAt = &at
	})
}

func (m *Memory) finishTransaction(txID string, apply func(*models.PaymentTransaction)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok || tx.Status != models.TxStatusPending {
		return false, nil
	}
	apply(&tx)
	m.txs[txID] = tx
	return true, nil
}

// CreateFlag inserts a reconciliation flag
func (m *Memory) CreateFlag(ctx context.Context, flag *models.ReconciliationFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flags[flag.ID]; ok {
		return fmt.Errorf("flag %s: %w", flag.ID, ErrConflict)
	}
	flag.CreatedAt = m.now()
	m.flags[flag.ID] = *flag
	m.flagOrder = append(m.flagOrder, flag.ID)
	return nil
}

// GetFlag retrieves a flag by ID
func (m *Memory) GetFlag(ctx context.Context, id string) (*models.ReconciliationFlag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flags[id]
	if !ok {
		return nil, fmt.Errorf("flag %s: %w", id, ErrNotFound)
	}
	return &f, nil
}

// FindFlag returns the most recent flag for a correlation id and reason
func (m *Memory) FindFlag(ctx context.Context, correlationID, reason string) (*models.ReconciliationFlag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.flagOrder) - 1; i >= 0; i-- {
		f := m.flags[m.flagOrder[i]]
		if f.CorrelationID == correlationID && f.Reason == reason {
			return &f, nil
		}
	}
	return nil, fmt.Errorf("flag for %s: %w", correlationID, ErrNotFound)
}

// ListFlags returns flags with the given review status, newest first
func (m *Memory) ListFlags(ctx context.Context, reviewStatus string) ([]models.ReconciliationFlag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.ReconciliationFlag{}
	for i := len(m.flagOrder) - 1; i >= 0; i-- {
		f := m.flags[m.flagOrder[i]]
		if reviewStatus == "" || f.ReviewStatus == reviewStatus {
			out = append(out, f)
		}
	}
	return out, nil
}

// ResolveFlag closes a pending flag
func (m *Memory) ResolveFlag(ctx context.Context, flagID, reviewStatus, notes string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flags[flagID]
	if !ok || f.ReviewStatus != models.ReviewPending {
		return false, nil
	}
	f.ReviewStatus = reviewStatus
	f.ReviewerNotes = notes
	f.ResolvedAt = &at
	m.flags[flagID] = f
	return true, nil
}

// Stats aggregates transaction and flag counts
func (m *Memory) Stats(ctx context.Context) (*models.ReconciliationStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats models.ReconciliationStats
	for _, tx := range m.txs {
		stats.TotalTransactions++
		switch tx.Status {
		case models.TxStatusCompleted:
			stats.Completed++
		case models.TxStatusFailed:
			stats.Failed++
		case models.TxStatusPending:
			stats.Pending++
		}
	}
	for _, f := range m.flags {
		switch f.ReviewStatus {
		case models.ReviewPending:
			stats.PendingReview++
		case models.ReviewApproved:
			stats.Approved++
		case models.ReviewRejected:
			stats.Rejected++
		}
	}
	stats.SuccessRate = successRate(stats.Completed, stats.TotalTransactions)
	return &stats, nil
}

// IsEventProcessed checks if an event has been processed
func (m *Memory) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.events[eventID]
	return ok, nil
}

// MarkEventProcessed marks an event as processed
func (m *Memory) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[eventID] = eventType
	return nil
}

// Orders returns all orders sorted by id
func (m *Memory) Orders() []models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
