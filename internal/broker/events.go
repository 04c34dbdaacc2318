package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"payment-reconciler/internal/models"
	"payment-reconciler/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventWriter writes one keyed event
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing domain events. All events of an order share
// a partition key so consumers see them in order.
type EventPublisher struct {
	producer EventWriter
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer EventWriter) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID string) string {
	return "order-" + orderID
}

// PublishOrderPaid publishes OrderPaid event, the fulfillment trigger
func (ep *EventPublisher) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentFailed publishes PaymentFailed event
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishReconciliationFlagged publishes ReconciliationFlagged event
func (ep *EventPublisher) PublishReconciliationFlagged(ctx context.Context, event *models.ReconciliationFlaggedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishFlagResolved publishes FlagResolved event
func (ep *EventPublisher) PublishFlagResolved(ctx context.Context, event *models.FlagResolvedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentCallback relays a provider callback for asynchronous reconciliation
func (ep *EventPublisher) PublishPaymentCallback(ctx context.Context, event *models.PaymentCallbackEvent) error {
	return ep.producer.PublishEvent(ctx, "callback-"+event.Callback.CheckoutRequestID, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onPaymentCallback func(context.Context, *models.PaymentCallbackEvent) error
	logger            *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentCallback registers a handler for relayed payment callbacks
func (eh *EventHandler) OnPaymentCallback(handler func(context.Context, *models.PaymentCallbackEvent) error) {
	eh.onPaymentCallback = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypePaymentCallbackRelay:
		if eh.onPaymentCallback != nil {
			var event models.PaymentCallbackEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentCallback event: %w", err)
			}
			return eh.onPaymentCallback(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
