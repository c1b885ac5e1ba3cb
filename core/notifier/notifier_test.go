package notifier

import (
	"context"
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/fleetca/core"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.messages = append(f.messages, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafka_Notify(t *testing.T) {
	writer := &fakeWriter{}
	k := &Kafka{writer: writer, timeout: 1}

	k.Notify("device", core.OperationProvision, []byte(`{"serial":"SN-001","cert_serial":"ab12"}`))
	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	assert.Equal(t, "SN-001", string(msg.Key))

	var event Event
	require.NoError(t, json.Unmarshal(msg.Value, &event))
	assert.Equal(t, "device", event.Resource)
	assert.Equal(t, core.OperationProvision, event.Operation)
	assert.JSONEq(t, `{"serial":"SN-001","cert_serial":"ab12"}`, string(event.Payload))
	assert.Contains(t, msg.Headers, kafka.Header{Key: "operation", Value: []byte("provision")})

	// write errors are swallowed
	writer.err = errors.New("broker down")
	k.Notify("device", core.OperationRevoke, []byte(`{"serial":"SN-001"}`))
	assert.Len(t, writer.messages, 2)

	require.NoError(t, k.Close())
	assert.True(t, writer.closed)
}

func TestRecorderAndMulti(t *testing.T) {
	a := NewRecorder(2)
	b := NewRecorder(0)
	m := Multi{a, b}
	m.Notify("device", core.OperationRegister, []byte(`{"serial":"1"}`))
	m.Notify("device", core.OperationProvision, []byte(`{"serial":"1"}`))
	m.Notify("device", core.OperationRenew, []byte(`{"serial":"1"}`))

	assert.Len(t, b.Events(), 3)
	events := a.Events()
	require.Len(t, events, 2)
	assert.Equal(t, core.OperationProvision, events[0].Operation)
	assert.Equal(t, core.OperationRenew, events[1].Operation)
}

func TestNewKafkaRequiresTopic(t *testing.T) {
	assert.Panics(t, func() { NewKafka(&KafkaBuilder{Brokers: []string{"localhost:9092"}}) })
}
