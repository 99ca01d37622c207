package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/willow/pkg/metrics"
	"github.com/Ramsey-B/willow/pkg/tracing"
)

// Producer handles Kafka event emission
type Producer struct {
	writer *kafka.Writer
	logger ectologger.Logger
	topic  string
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	requiredAcks := kafka.RequiredAcks(cfg.RequiredAcks)

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           requiredAcks,
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer: writer,
		logger: logger,
		topic:  cfg.Topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// OperationEvent represents a lifecycle event for a delete operation.
// EventType is one of operation.admitted, operation.started,
// operation.retried, operation.cancel_requested, operation.completed,
// operation.partial, operation.failed, operation.cancelled.
type OperationEvent struct {
	EventType      string    `json:"event_type"`
	WorldID        string    `json:"world_id"`
	OperationID    string    `json:"operation_id"`
	RootEntityID   string    `json:"root_entity_id"`
	RootEntityName string    `json:"root_entity_name"`
	Status         string    `json:"status"`
	TotalEntities  int       `json:"total_entities"`
	DeletedCount   int       `json:"deleted_count"`
	FailedCount    int       `json:"failed_count"`
	CreatedBy      string    `json:"created_by"`
	Timestamp      time.Time `json:"timestamp"`
}

// PublishOperationEvent publishes an operation lifecycle event to Kafka
func (p *Producer) PublishOperationEvent(ctx context.Context, event *OperationEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishOperationEvent")
	defer span.End()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.OperationID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "world_id", Value: []byte(event.WorldID)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		metrics.KafkaMessagesPublished.WithLabelValues(p.topic, "error").Inc()
		p.logger.WithContext(ctx).WithError(err).Error("Failed to publish operation event")
		return err
	}

	metrics.KafkaMessagesPublished.WithLabelValues(p.topic, "success").Inc()
	p.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type":   event.EventType,
		"operation_id": event.OperationID,
		"world_id":     event.WorldID,
	}).Debug("Published operation event")

	return nil
}
