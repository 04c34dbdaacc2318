package service

import (
	"context"
	"time"

	"payment-reconciler/internal/gateway"
	"payment-reconciler/internal/models"
)

// Repository is the persistence the reconciliation core needs. Conditional
// updates report whether a row changed so callers can detect lost races.
type Repository interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID, status string) (bool, error)
	AwaitPayment(ctx context.Context, orderID, txID string) (bool, error)
	SettleOrder(ctx context.Context, orderID, txID string) (bool, error)

	CreateTransaction(ctx context.Context, tx *models.PaymentTransaction) error
	GetTransaction(ctx context.Context, id string) (*models.PaymentTransaction, error)
	GetTransactionByCorrelationID(ctx context.Context, correlationID string) (*models.PaymentTransaction, error)
	GetActiveTransaction(ctx context.Context, orderID string) (*models.PaymentTransaction, error)
	ListPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]models.PaymentTransaction, error)
	SetCorrelationIDs(ctx context.Context, txID, merchantRequestID, correlationID string) error
	CompleteTransaction(ctx context.Context, txID, receiptCode string, at time.Time) (bool, error)
	FailTransaction(ctx context.Context, txID, reason string, at time.Time) (bool, error)

	CreateFlag(ctx context.Context, flag *models.ReconciliationFlag) error
	GetFlag(ctx context.Context, id string) (*models.ReconciliationFlag, error)
	FindFlag(ctx context.Context, correlationID, reason string) (*models.ReconciliationFlag, error)
	ListFlags(ctx context.Context, reviewStatus string) ([]models.ReconciliationFlag, error)
	ResolveFlag(ctx context.Context, flagID, reviewStatus, notes string, at time.Time) (bool, error)
	Stats(ctx context.Context) (*models.ReconciliationStats, error)
}

// Notifier publishes domain events. PublishOrderPaid is the fulfillment trigger.
type Notifier interface {
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
	PublishReconciliationFlagged(ctx context.Context, event *models.ReconciliationFlaggedEvent) error
	PublishFlagResolved(ctx context.Context, event *models.FlagResolvedEvent) error
}

// Router sends a downstream call through the rate-limited, resilient path
type Router interface {
	Route(ctx context.Context, req gateway.Request) error
}

// SeenCache remembers provider correlation ids that already reached a terminal outcome
type SeenCache interface {
	IsNotificationSeen(ctx context.Context, correlationID string) (bool, error)
	MarkNotificationSeen(ctx context.Context, correlationID string, ttl time.Duration) (bool, error)
}
