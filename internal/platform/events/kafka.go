package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON keyed by visit id, so every event of
// one visit lands on the same partition in commit order. The writer is
// asynchronous: Publish only enqueues, and delivery failures are logged by
// the writer's completion callback.
type KafkaPublisher struct {
	w       messageWriter
	timeout time.Duration
	logger  zerolog.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger zerolog.Logger) *KafkaPublisher {
	p := newKafkaPublisher(nil, logger)
	p.w = newKafkaWriter(brokers, topic, p.logger)
	return p
}

func newKafkaWriter(brokers []string, topic string, logger zerolog.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 20 * time.Millisecond,
		Async:        true,
		Completion:   completionLogger(logger),
	}
}

// completionLogger reports batches the async writer failed to deliver.
func completionLogger(logger zerolog.Logger) func([]kafka.Message, error) {
	return func(msgs []kafka.Message, err error) {
		if err == nil {
			return
		}
		for _, m := range msgs {
			logger.Warn().Err(err).Str("event_id", headerValue(m, "event-id")).Str("visit_id", string(m.Key)).Msg("event not delivered")
		}
	}
}

func headerValue(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func newKafkaPublisher(w messageWriter, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		w:       w,
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "kafka_publisher").Logger(),
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.VisitID, 10)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "event-id", Value: []byte(ev.ID)},
		},
		Time: ev.OccurredAt,
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write event %s to kafka: %w", ev.ID, err)
	}
	p.logger.Debug().Str("event_id", ev.ID).Int64("visit_id", ev.VisitID).Msg("event queued")
	return nil
}

// Close flushes queued events and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
