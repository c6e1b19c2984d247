package submit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/kafka"
)

// producer is the slice of *kafka.Producer the submitter uses.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Close()
}

// Kafka publishes each intent to a topic and waits for the broker ack.
type Kafka struct {
	producer producer
	topic    string
}

// NewKafka connects a producer with acks=all so a delivery report means the
// intent is replicated.
func NewKafka(brokers, topic string) (*Kafka, error) {
	if brokers == "" || topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic required")
	}
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"acks":               "all",
		"enable.idempotence": true,
		"retries":            3,
		"retry.backoff.ms":   100,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &Kafka{producer: p, topic: topic}, nil
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Submit(ctx context.Context, in Intent) (Receipt, error) {
	value, err := json.Marshal(in)
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal intent: %w", err)
	}

	// Buffered so a late report after ctx expiry does not block the producer.
	deliveryChan := make(chan kafka.Event, 1)
	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.topic, Partition: kafka.PartitionAny},
		Key:            []byte(in.ID),
		Value:          value,
		Headers:        []kafka.Header{{Key: "event_id", Value: []byte(in.EventID)}},
	}, deliveryChan)
	if err != nil {
		return Receipt{}, fmt.Errorf("produce: %w", err)
	}

	select {
	case <-ctx.Done():
		return Receipt{}, fmt.Errorf("await delivery: %w", ctx.Err())
	case e := <-deliveryChan:
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				return Receipt{}, fmt.Errorf("delivery: %w", ev.TopicPartition.Error)
			}
			ref := fmt.Sprintf("%s[%d]@%v", k.topic, ev.TopicPartition.Partition, ev.TopicPartition.Offset)
			return Receipt{Reference: ref, Submitter: k.Name()}, nil
		default:
			return Receipt{}, fmt.Errorf("unexpected kafka event type: %T", e)
		}
	}
}

// Close shuts the producer down.
func (k *Kafka) Close() error {
	if k.producer != nil {
		k.producer.Close()
	}
	return nil
}
