// Package ledgerbus publishes ledger events to Kafka and reads them back.
package ledgerbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"reqledger/pkg/idempotency"
	"reqledger/pkg/logx"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// GroupID is only used by consumers.
	GroupID string
	// Queue bounds the publisher backlog; events beyond it are dropped.
	Queue int
}

func (c KafkaConfig) normalize(needGroup bool) (KafkaConfig, error) {
	brokers := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return c, errors.New("kafka brokers required")
	}
	c.Brokers = brokers
	c.Topic = strings.TrimSpace(c.Topic)
	if c.Topic == "" {
		return c, errors.New("kafka topic required")
	}
	if needGroup && strings.TrimSpace(c.GroupID) == "" {
		return c, errors.New("kafka group id required")
	}
	if c.Queue <= 0 {
		c.Queue = 1024
	}
	return c, nil
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher forwards engine events to a topic keyed by request id, so all
// events of one request land on one partition in order. Observe never
// blocks the request path: events queue up and Run drains them.
type Publisher struct {
	writer  kafkaWriter
	queue   chan idempotency.Event
	log     *logx.Logger
	timeout time.Duration

	mu      sync.Mutex
	dropped int64
	failed  int64
	closed  bool
}

func NewKafkaPublisher(cfg KafkaConfig, log *logx.Logger) (*Publisher, error) {
	cfg, err := cfg.normalize(false)
	if err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newPublisher(w, cfg.Queue, log), nil
}

func newPublisher(w kafkaWriter, queue int, log *logx.Logger) *Publisher {
	if log == nil {
		log = logx.Discard()
	}
	if queue <= 0 {
		queue = 1024
	}
	return &Publisher{writer: w, queue: make(chan idempotency.Event, queue), log: log, timeout: 5 * time.Second}
}

func (p *Publisher) Observe(_ context.Context, evt idempotency.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.dropped++
		return
	}
	select {
	case p.queue <- evt:
	default:
		p.dropped++
	}
}

// Run writes queued events until ctx is done, then flushes what is left.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case evt := <-p.queue:
			p.write(context.WithoutCancel(ctx), evt)
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case evt := <-p.queue:
			p.write(context.Background(), evt)
		default:
			return
		}
	}
}

func (p *Publisher) write(ctx context.Context, evt idempotency.Event) {
	msg, err := encode(evt)
	if err == nil {
		wctx, cancel := context.WithTimeout(ctx, p.timeout)
		err = p.writer.WriteMessages(wctx, msg)
		cancel()
	}
	if err != nil {
		p.mu.Lock()
		p.failed++
		p.mu.Unlock()
		p.log.Warnf("ledger event %s for %s not published: %v", evt.Type, evt.RequestID, err)
	}
}

// Close stops accepting events and closes the writer. Call it after Run returns.
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.writer.Close()
}

func (p *Publisher) Stats() (dropped, failed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped, p.failed
}

func encode(evt idempotency.Event) (kafka.Message, error) {
	value, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event: %w", err)
	}
	return kafka.Message{
		Key:     []byte(evt.RequestID),
		Value:   value,
		Time:    evt.At,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(evt.Type)}},
	}, nil
}
