package worker

import (
	"context"
	"errors"
	"time"

	"payment-reconciler/internal/broker"
	"payment-reconciler/internal/models"
	"payment-reconciler/internal/resilience"
	"payment-reconciler/internal/service"
	"payment-reconciler/internal/util"

	"go.uber.org/zap"
)

// CallbackHandler reconciles one provider notification
type CallbackHandler interface {
	HandleCallback(ctx context.Context, n models.CallbackNotification) (service.Outcome, error)
}

// EventLog records relayed events that were fully handled
type EventLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// MessageSource is a consumer of relayed events
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// CallbackWorker reconciles callbacks relayed through Kafka by other instances
type CallbackWorker struct {
	source       MessageSource
	events       EventLog
	reconciler   CallbackHandler
	eventHandler *broker.EventHandler
	attempts     int
	backoff      time.Duration
	sleep        resilience.Sleeper
	logger       *zap.Logger
}

// NewCallbackWorker creates a new callback worker
func NewCallbackWorker(source MessageSource, events EventLog, reconciler CallbackHandler) *CallbackWorker {
	w := &CallbackWorker{
		source:       source,
		events:       events,
		reconciler:   reconciler,
		eventHandler: broker.NewEventHandler(),
		attempts:     3,
		backoff:      time.Second,
		sleep:        resilience.TimerSleep,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnPaymentCallback(w.handle)
	return w
}

// Start consumes until ctx is done
func (w *CallbackWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting callback worker")
	return w.source.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *CallbackWorker) Stop() error {
	w.logger.Info("Stopping callback worker")
	return w.source.Close()
}

func (w *CallbackWorker) handle(ctx context.Context, event *models.PaymentCallbackEvent) error {
	processed, err := w.events.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return err
	}
	if processed {
		w.logger.Debug("Relayed callback already processed", zap.String("event_id", event.EventID))
		return nil
	}

	var outcome service.Outcome
	for attempt := 1; ; attempt++ {
		outcome, err = w.reconciler.HandleCallback(ctx, event.Callback)
		if err == nil || errors.Is(err, service.ErrValidation) || attempt >= w.attempts {
			break
		}
		if serr := w.sleep(ctx, w.backoff*time.Duration(attempt)); serr != nil {
			return serr
		}
	}

	switch {
	case errors.Is(err, service.ErrValidation):
		// redelivery cannot fix a malformed notification
		w.logger.Warn("Dropping malformed relayed callback",
			zap.String("event_id", event.EventID),
			zap.Error(err))
	case err != nil:
		return err
	default:
		w.logger.Info("Relayed callback reconciled",
			zap.String("event_id", event.EventID),
			zap.String("correlation_id", event.Callback.CheckoutRequestID),
			zap.String("outcome", string(outcome)))
	}

	return w.events.MarkEventProcessed(ctx, event.EventID, event.EventType)
}
