// Package stream forwards committed audit entries to Kafka.
//
// Publishing happens after the database transaction commits and never
// affects the outcome of the action that produced the entry. The chain in the
// database stays the source of truth; the topic is a feed for downstream
// consumers (compliance exports, alerting).
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"freight-guard/internal/audit"
	"freight-guard/internal/metrics"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the subset of *kgo.Client the publisher uses.
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// Publisher implements audit.Publisher on top of a Kafka producer.
type Publisher struct {
	producer Producer
	topic    string
	metrics  *metrics.Metrics
	log      *slog.Logger
}

var _ audit.Publisher = (*Publisher)(nil)

func NewPublisher(p Producer, topic string, m *metrics.Metrics, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{producer: p, topic: topic, metrics: m, log: log.With("component", "stream.publisher")}
}

// Config configures the Kafka client behind NewKafkaPublisher.
type Config struct {
	Brokers []string
	Topic   string
	Linger  time.Duration
}

// NewKafkaPublisher dials the brokers lazily; kgo connects on first produce.
func NewKafkaPublisher(cfg Config, m *metrics.Metrics, log *slog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("stream: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("stream: topic is required")
	}
	if cfg.Linger <= 0 {
		cfg.Linger = 10 * time.Millisecond
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
		kgo.ProducerBatchCompression(kgo.SnappyCompression(), kgo.NoCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("stream: kafka client: %w", err)
	}
	return NewPublisher(client, cfg.Topic, m, log), nil
}

// Record builds the Kafka record for e. Records are keyed by chain so a
// consumer sees one entity's entries in order.
func Record(topic string, e audit.Entry) (*kgo.Record, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(e.EntityType + ":" + e.EntityID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "action", Value: []byte(e.Action)},
			{Key: "audit-hash", Value: []byte(e.AuditHash)},
		},
		Timestamp: e.Timestamp,
	}, nil
}

// Publish enqueues e and returns immediately.
func (p *Publisher) Publish(ctx context.Context, e audit.Entry) {
	rec, err := Record(p.topic, e)
	if err != nil {
		p.metrics.Published(err)
		p.log.Error("encode audit entry", "entry_id", e.ID, "error", err)
		return
	}
	// The request context ends with the HTTP response; delivery must outlive it.
	p.producer.Produce(context.WithoutCancel(ctx), rec, func(r *kgo.Record, err error) {
		p.metrics.Published(err)
		if err != nil {
			p.log.Warn("publish audit entry", "entry_id", e.ID, "entity", string(r.Key), "error", err)
		}
	})
}

// Close flushes buffered records, waiting at most until ctx is done.
func (p *Publisher) Close(ctx context.Context) error {
	err := p.producer.Flush(ctx)
	p.producer.Close()
	return err
}
