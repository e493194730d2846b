package ledgerbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"reqledger/pkg/idempotency"
)

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer reads ledger events back from the topic, e.g. for an audit tail.
type Consumer struct {
	reader kafkaReader
}

func NewKafkaConsumer(cfg KafkaConfig) (*Consumer, error) {
	cfg, err := cfg.normalize(true)
	if err != nil {
		return nil, err
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &Consumer{reader: r}, nil
}

func (c *Consumer) Next(ctx context.Context) (idempotency.Event, error) {
	if c == nil || c.reader == nil {
		return idempotency.Event{}, errors.New("kafka consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return idempotency.Event{}, err
	}
	var evt idempotency.Event
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		return idempotency.Event{}, fmt.Errorf("decode event at offset %d: %w", msg.Offset, err)
	}
	return evt, nil
}

func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
