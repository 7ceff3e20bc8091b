// Package alerts forwards high-risk alerts to a Kafka topic so downstream
// case-management systems can consume them.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/mbd888/fraudwatch/internal/transactions"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "fraud-alerts"

// KafkaSink publishes alerts synchronously, keyed by transaction id so
// every alert for a transaction lands on the same partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewKafkaSink dials brokers and returns a sink for topic.
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) (*KafkaSink, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = "fraudwatch"
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Timeout = 5 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	logger.Info("kafka alert sink ready", "topic", topic, "brokers", brokers)
	return NewSinkWithProducer(producer, topic, logger), nil
}

// NewSinkWithProducer wraps an existing producer.
func NewSinkWithProducer(producer sarama.SyncProducer, topic string, logger *slog.Logger) *KafkaSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaSink{producer: producer, topic: topic, logger: logger}
}

// Send publishes alert. It returns when the broker acknowledges the write
// or ctx is done, whichever comes first.
func (s *KafkaSink) Send(ctx context.Context, alert *transactions.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", alert.ID, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(alert.TransactionID),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("severity"), Value: []byte(alert.Severity)},
		},
	}

	type result struct {
		partition int32
		offset    int64
		err       error
	}
	resultCh := make(chan result, 1)
	go func() {
		partition, offset, err := s.producer.SendMessage(msg)
		resultCh <- result{partition, offset, err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return fmt.Errorf("publish alert %s: %w", alert.ID, res.err)
		}
		s.logger.Debug("alert published",
			"transaction_id", alert.TransactionID,
			"partition", res.partition,
			"offset", res.offset,
		)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish alert %s: %w", alert.ID, ctx.Err())
	}
}

// Close flushes and closes the producer.
func (s *KafkaSink) Close() error {
	if s.producer == nil {
		return nil
	}
	return s.producer.Close()
}
