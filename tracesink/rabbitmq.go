package tracesink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// RabbitSink publishes events to a topic exchange. The routing key defaults
// to "vsync.<kind>".
type RabbitSink struct {
	mut        sync.Mutex
	conn       *amqp091.Connection
	ch         *amqp091.Channel
	exchange   string
	routingKey string
}

func DialRabbit(url, exchange, routingKey string) (*RabbitSink, error) {
	if url == "" {
		return nil, errors.New("trace.rabbitmq.url is required")
	}
	if exchange == "" {
		return nil, errors.New("trace.rabbitmq.exchange is required")
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &RabbitSink{conn: conn, ch: ch, exchange: exchange, routingKey: routingKey}, nil
}

func (s *RabbitSink) key(ev Event) string {
	if s.routingKey != "" {
		return s.routingKey
	}
	return "vsync." + ev.Kind
}

func (s *RabbitSink) Emit(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal trace event: %w", err)
	}
	msg := amqp091.Publishing{
		ContentType: "application/json",
		MessageId:   ev.ID,
		Timestamp:   time.Unix(0, ev.TimeUTCNs).UTC(),
		Body:        body,
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	if err := s.ch.PublishWithContext(ctx, s.exchange, s.key(ev), false, false, msg); err != nil {
		return fmt.Errorf("publish trace event: %w", err)
	}
	return nil
}

func (s *RabbitSink) Close() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	var errs []error
	if err := s.ch.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
