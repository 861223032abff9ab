package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"transitbd/tracker/internal/config"
	"transitbd/tracker/internal/ingest"
	"transitbd/tracker/internal/logging"
	"transitbd/tracker/internal/metrics"
)

// KafkaName labels Kafka traffic in logs and metrics.
const KafkaName = "kafka"

const kafkaRetryDelay = time.Second

// MessageReader is the consumer surface of *kafka.Reader.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// DecodeKafka parses a JSON position record. The message key stands in for a missing
// vehicle id since producers usually partition by vehicle.
func DecodeKafka(msg kafka.Message) (ingest.PositionUpdate, error) {
	var update ingest.PositionUpdate
	if err := json.Unmarshal(msg.Value, &update); err != nil {
		return ingest.PositionUpdate{}, errors.Wrap(err, "decode kafka position")
	}
	if strings.TrimSpace(update.VehicleID) == "" {
		update.VehicleID = string(msg.Key)
	}
	return update, nil
}

// Kafka consumes a topic of position records as part of a consumer group.
type Kafka struct {
	reader  MessageReader
	topic   string
	metrics *metrics.Metrics
	log     *logging.Logger
}

// NewKafka builds a group reader for the configured topic.
func NewKafka(cfg config.KafkaConfig, m *metrics.Metrics, logger *logging.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return NewKafkaWithReader(reader, cfg.Topic, m, logger), nil
}

// NewKafkaWithReader wraps an existing reader.
func NewKafkaWithReader(reader MessageReader, topic string, m *metrics.Metrics, logger *logging.Logger) *Kafka {
	return &Kafka{reader: reader, topic: topic, metrics: m, log: componentLogger(logger, KafkaName)}
}

// Name implements Source.
func (k *Kafka) Name() string { return KafkaName }

// Run reads until ctx is cancelled, then closes the reader.
func (k *Kafka) Run(ctx context.Context, sink Ingester) error {
	defer func() {
		if err := k.reader.Close(); err != nil {
			k.log.Warn("kafka reader close failed", logging.Error(err))
		}
	}()
	k.log.Info("kafka source started", logging.String("topic", k.topic))

	for {
		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				k.log.Info("kafka source stopped")
				return nil
			}
			//1.- Broker hiccups are retried after a short pause rather than ending the source.
			k.metrics.SourceMessage(KafkaName, resultFailed)
			k.log.Warn("kafka read failed", logging.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(kafkaRetryDelay):
			}
			continue
		}
		update, err := DecodeKafka(msg)
		if err != nil {
			k.metrics.SourceMessage(KafkaName, resultMalformed)
			k.log.Debug("dropping malformed kafka record", logging.Int64("offset", msg.Offset), logging.Error(err))
			continue
		}
		submit(ctx, KafkaName, sink, update, k.metrics, k.log)
	}
}
