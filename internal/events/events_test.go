package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mail-dispatch-go/internal/model"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherEncodesEvent(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), Event{
		EmailID:           "e1",
		BatchID:           "b1",
		Status:            model.StatusSent,
		Attempts:          2,
		ProviderMessageID: "pm-1",
		At:                at,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("b1"), w.msgs[0].Key)

	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, model.StatusSent, decoded.Status)
	assert.Equal(t, "pm-1", decoded.ProviderMessageID)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisherWrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := &KafkaPublisher{writer: &fakeWriter{err: boom}}

	err := p.Publish(context.Background(), Event{BatchID: "b1"})
	assert.ErrorIs(t, err, boom)
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	assert.NoError(t, p.Publish(context.Background(), Event{}))
	assert.NoError(t, p.Close())
}

// stallingWriter blocks until the write context ends, like an unreachable broker
type stallingWriter struct{}

func (stallingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stallingWriter) Close() error { return nil }

func TestKafkaPublisherGivesUpAfterTimeout(t *testing.T) {
	p := &KafkaPublisher{writer: stallingWriter{}, timeout: 20 * time.Millisecond}

	start := time.Now()
	err := p.Publish(context.Background(), Event{BatchID: "b1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewKafkaPublisherBoundsWriter(t *testing.T) {
	p := NewKafkaPublisher([]string{"localhost:9092"}, "outcomes", 0)
	assert.Equal(t, DefaultPublishTimeout, p.timeout)

	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "outcomes", w.Topic)
	assert.Equal(t, DefaultPublishTimeout, w.WriteTimeout)
	assert.Equal(t, 10*time.Millisecond, w.BatchTimeout)
	assert.Equal(t, 3, w.MaxAttempts)
	require.NoError(t, p.Close())
}
