package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"

	"github.com/traderlink/mtgate/pkg/contracts"
	"github.com/traderlink/mtgate/pkg/errs"
)

// KafkaAuditStore ships audit entries to a Kafka topic for central
// collection. It is write-only: queries and trimming happen downstream,
// retention is the broker's job.
type KafkaAuditStore struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaAuditStore connects a synchronous producer. Sync delivery keeps
// the audit trail lossless at the cost of append latency.
func NewKafkaAuditStore(brokers []string, topic string) (*KafkaAuditStore, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &KafkaAuditStore{producer: producer, topic: topic}, nil
}

func (s *KafkaAuditStore) Append(_ context.Context, entry *contracts.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(entry.UserID),
		Value: sarama.ByteEncoder(data),
	}
	_, _, err = s.producer.SendMessage(msg)
	return err
}

func (s *KafkaAuditStore) Query(context.Context, time.Time, int) ([]*contracts.AuditEntry, error) {
	return nil, errs.Internal("kafka audit sink is write-only")
}

// Trim is a no-op; the broker's retention policy governs the topic.
func (s *KafkaAuditStore) Trim(context.Context, time.Time) error { return nil }

func (s *KafkaAuditStore) Close() error { return s.producer.Close() }

var _ contracts.AuditStore = (*KafkaAuditStore)(nil)
