package ledger

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

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
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

func TestKafkaSinkPublish(t *testing.T) {
	writer := &fakeWriter{}
	sink := &KafkaSink{writer: writer}
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	events := []Event{
		{Sequence: 7, EventID: "EVT_a", Type: "window.cleared", WindowID: "WIN_1", Payload: `{"k":"v"}`, CreatedAt: at},
		{Sequence: 8, EventID: "EVT_b", Type: "escrow.deposited", CreatedAt: at.Add(time.Second)},
	}
	require.NoError(t, sink.Publish(context.Background(), events))

	require.Len(t, writer.msgs, 2)
	assert.Equal(t, []byte("WIN_1"), writer.msgs[0].Key)
	assert.Equal(t, at, writer.msgs[0].Time)
	assert.Empty(t, writer.msgs[1].Key)

	var decoded Event
	require.NoError(t, json.Unmarshal(writer.msgs[0].Value, &decoded))
	assert.Equal(t, uint64(7), decoded.Sequence)
	assert.Equal(t, "window.cleared", decoded.Type)
	assert.Equal(t, `{"k":"v"}`, decoded.Payload)

	require.NoError(t, sink.Close())
	assert.True(t, writer.closed)
}

func TestKafkaSinkPublishError(t *testing.T) {
	brokerDown := errors.New("broker down")
	sink := &KafkaSink{writer: &fakeWriter{err: brokerDown}}

	err := sink.Publish(context.Background(), []Event{{Sequence: 1, Type: "test.event"}})
	require.ErrorIs(t, err, brokerDown)
}
