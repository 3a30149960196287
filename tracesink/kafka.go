package tracesink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/atomic"
)

// KafkaSink produces each event as one record keyed by node id.
type KafkaSink struct {
	client *kgo.Client
	topic  string
	failed atomic.Uint64
}

func NewKafkaSink(brokers []string, topic string, opts ...kgo.Opt) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("trace.kafka.brokers is required")
	}
	if topic == "" {
		return nil, errors.New("trace.kafka.topic is required")
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.AllowAutoTopicCreation(),
	}
	kopts = append(kopts, opts...)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	return &KafkaSink{client: cl, topic: topic}, nil
}

// Emit queues the record; delivery failures are counted and logged.
func (s *KafkaSink) Emit(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal trace event: %w", err)
	}
	rec := &kgo.Record{Key: []byte(ev.Node), Value: body}
	s.client.Produce(ctx, rec, func(r *kgo.Record, err error) {
		if err != nil {
			s.failed.Inc()
			logger.Printf("trace: kafka produce to %s: %v\n", r.Topic, err)
		}
	})
	return nil
}

// Close flushes buffered records for up to five seconds.
func (s *KafkaSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.client.Flush(ctx)
	s.client.Close()
	if err != nil {
		return fmt.Errorf("flush kafka trace sink: %w", err)
	}
	return nil
}

func (s *KafkaSink) Failed() uint64 {
	return s.failed.Load()
}
