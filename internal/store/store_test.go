package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"payment-reconciler/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStoreFromDB(sqlx.NewDb(db, "postgres")), mock
}

func TestGetOrder_Success(t *testing.T) {
	s, mock := setupMockDB(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "expected_amount", "currency", "status", "payment_tx_id", "updated_at"}).
		AddRow("O1", 1000, "KES", models.OrderStatusAwaitingPayment, "tx-1", now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE id = $1")).
		WithArgs("O1").
		WillReturnRows(rows)

	order, err := s.GetOrder(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), order.ExpectedAmount)
	assert.Equal(t, "tx-1", order.PaymentTxID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrder_NotFound(t *testing.T) {
	s, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	order, err := s.GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, order)
}

func TestSettleOrder_GuardedOnPaid(t *testing.T) {
	s, mock := setupMockDB(t)
	query := regexp.QuoteMeta("UPDATE orders SET status = $1, payment_tx_id = $2, updated_at = NOW() WHERE id = $3 AND status <> $1")

	mock.ExpectExec(query).
		WithArgs(models.OrderStatusPaid, "tx-1", "O1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(query).
		WithArgs(models.OrderStatusPaid, "tx-1", "O1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := s.SettleOrder(context.Background(), "O1", "tx-1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.SettleOrder(context.Background(), "O1", "tx-1")
	require.NoError(t, err)
	assert.False(t, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateOrderStatus_NeverDemotesPaid(t *testing.T) {
	s, mock := setupMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status <> $3")).
		WithArgs(models.OrderStatusPaymentFailed, "O1", models.OrderStatusPaid).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.UpdateOrderStatus(context.Background(), "O1", models.OrderStatusPaymentFailed)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateTransaction_ConflictOnActiveAttempt(t *testing.T) {
	s, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO payment_transactions")).
		WithArgs("tx-2", "O1", int64(1000), "254712345678", models.TxStatusPending).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := s.CreateTransaction(context.Background(), &models.PaymentTransaction{
		ID:             "tx-2",
		OrderID:        "O1",
		Amount:         1000,
		PayerReference: "254712345678",
		Status:         models.TxStatusPending,
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCreateTransaction_Success(t *testing.T) {
	s, mock := setupMockDB(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO payment_transactions")).
		WithArgs("tx-1", "O1", int64(1000), "254712345678", models.TxStatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

	tx := &models.PaymentTransaction{
		ID:             "tx-1",
		OrderID:        "O1",
		Amount:         1000,
		PayerReference: "254712345678",
		Status:         models.TxStatusPending,
	}
	require.NoError(t, s.CreateTransaction(context.Background(), tx))
	assert.Equal(t, now, tx.CreatedAt)
}

func TestCompleteTransaction_OnlyFromPending(t *testing.T) {
	s, mock := setupMockDB(t)
	at := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE payment_transactions SET status = $1, receipt_code = $2")).
		WithArgs(models.TxStatusCompleted, "R1", at, "tx-1", models.TxStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.CompleteTransaction(context.Background(), "tx-1", "R1", at)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTransactionByCorrelationID(t *testing.T) {
	s, mock := setupMockDB(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "order_id", "merchant_request_id", "correlation_id", "amount",
		"payer_reference", "status", "receipt_code", "failure_reason", "created_at", "completed_at"}).
		AddRow("tx-1", "O1", "m-1", "ws_CO_1", 1000, "254712345678", models.TxStatusPending, "", "", now, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM payment_transactions WHERE correlation_id = $1")).
		WithArgs("ws_CO_1").
		WillReturnRows(rows)

	tx, err := s.GetTransactionByCorrelationID(context.Background(), "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, "O1", tx.OrderID)
	assert.Nil(t, tx.CompletedAt)
}

func TestResolveFlag_AlreadyResolved(t *testing.T) {
	s, mock := setupMockDB(t)
	at := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE reconciliation_flags SET review_status = $1")).
		WithArgs(models.ReviewApproved, "ok", at, "flag-1", models.ReviewPending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.ResolveFlag(context.Background(), "flag-1", models.ReviewApproved, "ok", at)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListFlags_ByStatus(t *testing.T) {
	s, mock := setupMockDB(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "order_id", "transaction_id", "correlation_id", "reason", "expected_amount",
		"actual_amount", "discrepancy", "receipt_code", "review_status", "reviewer_notes", "created_at", "resolved_at"}).
		AddRow("flag-1", "O1", "tx-1", "ws_CO_1", models.FlagReasonAmountMismatch, 1000, 1200, 200, "R1", models.ReviewPending, "", now, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM reconciliation_flags WHERE review_status = $1")).
		WithArgs(models.ReviewPending).
		WillReturnRows(rows)

	flags, err := s.ListFlags(context.Background(), models.ReviewPending)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, int64(200), flags[0].Discrepancy)
}

func TestStats(t *testing.T) {
	s, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM payment_transactions")).
		WillReturnRows(sqlmock.NewRows([]string{"total_transactions", "completed", "failed", "pending"}).
			AddRow(10, 7, 2, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM reconciliation_flags")).
		WillReturnRows(sqlmock.NewRows([]string{"pending_review", "approved", "rejected"}).
			AddRow(1, 2, 0))

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.TotalTransactions)
	assert.Equal(t, int64(7), stats.Completed)
	assert.InDelta(t, 0.7, stats.SuccessRate, 1e-9)
	assert.Equal(t, int64(1), stats.PendingReview)
	assert.Equal(t, int64(2), stats.Approved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemory_ConditionalUpdates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.CreateOrder(ctx, &models.Order{ID: "O1", ExpectedAmount: 1000, Currency: "KES"}))
	require.NoError(t, m.CreateTransaction(ctx, &models.PaymentTransaction{ID: "tx-1", OrderID: "O1", Amount: 1000, Status: models.TxStatusPending}))

	err := m.CreateTransaction(ctx, &models.PaymentTransaction{ID: "tx-2", OrderID: "O1", Amount: 1000, Status: models.TxStatusPending})
	assert.ErrorIs(t, err, ErrConflict)

	ok, err := m.CompleteTransaction(ctx, "tx-1", "R1", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.FailTransaction(ctx, "tx-1", "late", time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "terminal transactions never change")

	ok, _ = m.SettleOrder(ctx, "O1", "tx-1")
	assert.True(t, ok)
	ok, _ = m.SettleOrder(ctx, "O1", "tx-1")
	assert.False(t, ok)
	ok, _ = m.UpdateOrderStatus(ctx, "O1", models.OrderStatusPaymentFailed)
	assert.False(t, ok)

	order, err := m.GetOrder(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, order.Status)
}

func TestMemory_ListPendingTransactions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	m.Now = func() time.Time { return now }

	for i, id := range []string{"O1", "O2", "O3"} {
		require.NoError(t, m.CreateOrder(ctx, &models.Order{ID: id, ExpectedAmount: 100}))
		now = base.Add(time.Duration(i) * time.Minute)
		txID := "tx-" + id
		require.NoError(t, m.CreateTransaction(ctx, &models.PaymentTransaction{ID: txID, OrderID: id, Status: models.TxStatusPending}))
		if id != "O2" {
			require.NoError(t, m.SetCorrelationIDs(ctx, txID, "m-"+id, "c-"+id))
		}
	}

	pending, err := m.ListPendingTransactions(ctx, base.Add(90*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1, "O2 has no correlation id and O3 is too recent")
	assert.Equal(t, "tx-O1", pending[0].ID)
}
