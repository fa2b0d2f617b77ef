package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig selects brokers and topic for the Kafka publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher writes SampleLogged events as JSON, keyed by sample id.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher validates cfg and creates a publisher.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	return &KafkaPublisher{writer: w, topic: cfg.Topic}, nil
}

// Publish writes one message.
func (p *KafkaPublisher) Publish(ctx context.Context, evt SampleLogged) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event:\n%w", err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(evt.ID, 10)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte("SampleLogged")},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s:\n%w", p.topic, err)
	}

	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
