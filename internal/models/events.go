package models

import "time"

// Event types
const (
	EventTypeOrderPaid            = "ORDER_PAID"
	EventTypePaymentFailed        = "PAYMENT_FAILED"
	EventTypeReconciliationFlag   = "RECONCILIATION_FLAGGED"
	EventTypeFlagResolved         = "RECONCILIATION_FLAG_RESOLVED"
	EventTypePaymentCallbackRelay = "PAYMENT_CALLBACK"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderPaidEvent is the fulfillment trigger, published once per settled order
type OrderPaidEvent struct {
	BaseEvent
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	ReceiptCode   string `json:"receipt_code"`
	Channel       string `json:"channel"`
}

// PaymentFailedEvent published when a payment attempt ends in failure
type PaymentFailedEvent struct {
	BaseEvent
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

// ReconciliationFlaggedEvent published when a notification needs human review
type ReconciliationFlaggedEvent struct {
	BaseEvent
	FlagID        string `json:"flag_id"`
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	Reason        string `json:"reason"`
	Discrepancy   int64  `json:"discrepancy"`
}

// FlagResolvedEvent published when an operator closes a flag
type FlagResolvedEvent struct {
	BaseEvent
	FlagID   string `json:"flag_id"`
	OrderID  string `json:"order_id"`
	Decision string `json:"decision"`
	Settled  bool   `json:"settled"`
}

// PaymentCallbackEvent carries a provider callback relayed through Kafka
type PaymentCallbackEvent struct {
	BaseEvent
	Callback CallbackNotification `json:"callback"`
}

// CallbackNotification is the provider-neutral form of an asynchronous payment result
type CallbackNotification struct {
	MerchantRequestID string            `json:"merchant_request_id"`
	CheckoutRequestID string            `json:"checkout_request_id"`
	ResultCode        int               `json:"result_code"`
	ResultDescription string            `json:"result_description"`
	Metadata          *CallbackMetadata `json:"metadata,omitempty"`
}

// Succeeded reports whether the provider reported a successful payment
func (n *CallbackNotification) Succeeded() bool {
	return n.ResultCode == 0
}

// CallbackMetadata is only present on successful notifications
type CallbackMetadata struct {
	Amount          int64  `json:"amount"`
	ReceiptNumber   string `json:"receipt_number"`
	Balance         int64  `json:"balance,omitempty"`
	TransactionDate string `json:"transaction_date,omitempty"`
	PhoneNumber     string `json:"phone_number,omitempty"`
}
