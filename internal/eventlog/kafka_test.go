package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestNew(t *testing.T) {
	assert.IsType(t, Nop{}, New(nil, "topic"))
	assert.IsType(t, &KafkaProducer{}, New([]string{"localhost:9092"}, "topic"))
}

func TestKafkaProducer_Emit(t *testing.T) {
	writer := &recordingWriter{}
	producer := &KafkaProducer{writer: writer, timeout: time.Second}

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	producer.Emit(context.Background(), Record{
		Type:      TypeSessionEnded,
		SessionID: "s1",
		UserIDs:   []string{"a", "b"},
		Reason:    "timeout",
		At:        at,
	})
	producer.Emit(context.Background(), Record{Type: TypeQueued, QueueKey: "k1", At: at})

	require.Len(t, writer.messages, 2)
	assert.Equal(t, "s1", string(writer.messages[0].Key))
	assert.Equal(t, "k1", string(writer.messages[1].Key), "falls back to queue key")

	var got Record
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &got))
	assert.Equal(t, TypeSessionEnded, got.Type)
	assert.Equal(t, "timeout", got.Reason)

	require.NoError(t, producer.Close())
	assert.True(t, writer.closed)
}

func TestKafkaProducer_EmitSwallowsErrors(t *testing.T) {
	writer := &recordingWriter{err: errors.New("broker down")}
	producer := &KafkaProducer{writer: writer, timeout: time.Second}

	assert.NotPanics(t, func() {
		producer.Emit(context.Background(), Record{Type: TypeLeft})
	})
}
