package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"payment-reconciler/internal/util"

	"go.uber.org/zap"
)

// LogWriter is an EventWriter that only logs events. It stands in for Kafka
// when no brokers are configured.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a new log writer
func NewLogWriter() *LogWriter {
	return &LogWriter{logger: util.GetLogger()}
}

// PublishEvent implements EventWriter
func (w *LogWriter) PublishEvent(ctx context.Context, key string, event interface{}) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	w.logger.Info("Event",
		zap.String("key", key),
		zap.String("type", fmt.Sprintf("%T", event)),
		zap.ByteString("payload", body))
	return nil
}
