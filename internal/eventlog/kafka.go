package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes records keyed by session id (or queue key) so one
// session's transitions stay ordered within a partition.
type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        true,
			BatchTimeout: 10 * time.Millisecond,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					log.Warn().Err(err).Int("count", len(messages)).Msg("lifecycle records not delivered")
				}
			},
		},
		timeout: 2 * time.Second,
	}
}

// New returns a Kafka sink, or Nop when no brokers are configured.
func New(brokers []string, topic string) Sink {
	if len(brokers) == 0 {
		return Nop{}
	}
	return NewKafkaProducer(brokers, topic)
}

func (p *KafkaProducer) Emit(ctx context.Context, record Record) {
	value, err := json.Marshal(record)
	if err != nil {
		log.Error().Err(err).Str("type", string(record.Type)).Msg("failed to encode lifecycle record")
		return
	}

	key := record.SessionID
	if key == "" {
		key = record.QueueKey
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	}); err != nil {
		log.Warn().
			Err(err).
			Str("type", string(record.Type)).
			Str("sessionId", record.SessionID).
			Msg("failed to write lifecycle record")
	}
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
