package models

import "time"

// Order is the slice of a purchase the reconciliation core is allowed to see.
// Line items live in the order store and are never touched here.
type Order struct {
	ID             string    `db:"id" json:"id"`
	ExpectedAmount int64     `db:"expected_amount" json:"expected_amount"`
	Currency       string    `db:"currency" json:"currency"`
	Status         string    `db:"status" json:"status"`
	PaymentTxID    string    `db:"payment_tx_id" json:"payment_tx_id,omitempty"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// PaymentTransaction represents one payment attempt for an order
type PaymentTransaction struct {
	ID                string     `db:"id" json:"id"`
	OrderID           string     `db:"order_id" json:"order_id"`
	MerchantRequestID string     `db:"merchant_request_id" json:"merchant_request_id,omitempty"`
	CorrelationID     string     `db:"correlation_id" json:"correlation_id,omitempty"`
	Amount            int64      `db:"amount" json:"amount"`
	PayerReference    string     `db:"payer_reference" json:"payer_reference"`
	Status            string     `db:"status" json:"status"`
	ReceiptCode       string     `db:"receipt_code" json:"receipt_code,omitempty"`
	FailureReason     string     `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	CompletedAt       *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// IsTerminal reports whether the transaction can no longer change state
func (t *PaymentTransaction) IsTerminal() bool {
	return t.Status == TxStatusCompleted || t.Status == TxStatusFailed
}

// ReconciliationFlag records a notification the reconciler could not settle on its own
type ReconciliationFlag struct {
	ID             string     `db:"id" json:"id"`
	OrderID        string     `db:"order_id" json:"order_id"`
	TransactionID  string     `db:"transaction_id" json:"transaction_id,omitempty"`
	CorrelationID  string     `db:"correlation_id" json:"correlation_id"`
	Reason         string     `db:"reason" json:"reason"`
	ExpectedAmount int64      `db:"expected_amount" json:"expected_amount"`
	ActualAmount   int64      `db:"actual_amount" json:"actual_amount"`
	Discrepancy    int64      `db:"discrepancy" json:"discrepancy"`
	ReceiptCode    string     `db:"receipt_code" json:"receipt_code,omitempty"`
	ReviewStatus   string     `db:"review_status" json:"review_status"`
	ReviewerNotes  string     `db:"reviewer_notes" json:"reviewer_notes,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	ResolvedAt     *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
}

// CircuitBreakerState is a point-in-time view of one endpoint's breaker
type CircuitBreakerState struct {
	Endpoint            string        `json:"endpoint"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailure         time.Time     `json:"last_failure,omitempty"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
	ResetTimeout        time.Duration `json:"reset_timeout"`
}

// ServiceCall is one entry of the invoker's call history
type ServiceCall struct {
	Endpoint  string        `json:"endpoint"`
	Operation string        `json:"operation"`
	Duration  time.Duration `json:"duration"`
	Outcome   string        `json:"outcome"`
	Attempts  int           `json:"attempts"`
	At        time.Time     `json:"at"`
}

// ReconciliationStats is the aggregate view served to operational dashboards
type ReconciliationStats struct {
	TotalTransactions int64   `db:"total_transactions" json:"total_transactions"`
	Completed         int64   `db:"completed" json:"completed"`
	Failed            int64   `db:"failed" json:"failed"`
	Pending           int64   `db:"pending" json:"pending"`
	SuccessRate       float64 `db:"-" json:"success_rate"`
	PendingReview     int64   `db:"pending_review" json:"pending_review"`
	Approved          int64   `db:"approved" json:"approved"`
	Rejected          int64   `db:"rejected" json:"rejected"`
}

// Order statuses
const (
	OrderStatusCreated         = "created"
	OrderStatusAwaitingPayment = "awaiting_payment"
	OrderStatusPaid            = "paid"
	OrderStatusPaymentFailed   = "payment_failed"
	OrderStatusFulfilling      = "fulfilling"
)

// Payment transaction statuses
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
)

// Flag review statuses
const (
	ReviewPending  = "pending_review"
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
)

// Flag reasons
const (
	FlagReasonAmountMismatch = "amount_mismatch"
	FlagReasonUnmatched      = "unmatched"
	FlagReasonLateSuccess    = "late_success"
)

// UnknownOrderID is stored on flags raised for notifications that match no transaction
const UnknownOrderID = "unknown"

// Circuit breaker states
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half-open"
)
