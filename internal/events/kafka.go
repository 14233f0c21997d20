package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/quantfleet/ordergate/internal/model"
)

// KafkaEmitter publishes state-change events to a kafka topic keyed by order
// id. Delivery failures are logged and dropped; the order pipeline never
// waits on the broker.
type KafkaEmitter struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaEmitter creates an emitter writing to topic on the given brokers.
func NewKafkaEmitter(brokers []string, topic string, logger *zap.Logger) *KafkaEmitter {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaEmitter{writer: writer, logger: logger}
}

// Emit serializes and queues the event for async delivery.
func (k *KafkaEmitter) Emit(ctx context.Context, ev model.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		k.logger.Error("failed to serialize event", zap.Error(err))
		return
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.OrderID.String()),
		Value: payload,
	})
	if err != nil {
		k.logger.Warn("failed to publish event",
			zap.String("type", ev.Type),
			zap.String("order_id", ev.OrderID.String()),
			zap.Error(err))
	}
}

// Close flushes and closes the kafka writer.
func (k *KafkaEmitter) Close() error {
	return k.writer.Close()
}
