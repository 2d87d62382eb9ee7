// Package kafkasink mirrors audit events to a Kafka topic.
//
// The sink is write-only: it cannot serve Query or report a chain head, so
// it is used as a mirror behind a readable primary in an audit.MultiSink.
package kafkasink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/hipaadirect/direct-go/internal/audit"
)

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Sink produces each event synchronously and waits for broker acknowledgement.
type Sink struct {
	client producer
	topic  string
}

// New connects to brokers. Extra kgo options are appended after the defaults.
func New(brokers []string, topic string, opts ...kgo.Opt) (*Sink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafkasink: at least one broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafkasink: topic is required")
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchMaxBytes(1 << 20),
	}
	cl, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("kafkasink: new client: %w", err)
	}
	return &Sink{client: cl, topic: topic}, nil
}

// Write produces e keyed by its correlation id, or by its id when it has none,
// so every event of one message lands on the same partition.
func (s *Sink) Write(ctx context.Context, e audit.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("kafkasink: encode: %w", err)
	}
	key := e.CorrelationID
	if key == "" {
		key = e.ID
	}
	rec := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(e.Kind)},
			{Key: "hash", Value: []byte(e.Hash)},
		},
	}
	if err := s.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafkasink: produce seq %d: %w", e.Seq, err)
	}
	return nil
}

// Close flushes and closes the client.
func (s *Sink) Close() error {
	s.client.Close()
	return nil
}
