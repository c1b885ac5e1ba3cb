// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package notifier publishes device lifecycle events. Notifications never fail
// the operation that caused them; delivery problems are logged.
package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/fleetca/core"
	"github.com/relabs-tech/fleetca/core/logger"
)

// Event is the message published for every notification
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Resource  string          `json:"resource"`
	Operation core.Operation  `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
	At        time.Time       `json:"at"`
}

// messageWriter is the part of kafka.Writer the notifier needs
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka is a core.Notifier which writes events to a kafka topic. Messages are keyed
// by the "serial" property of the payload, so that all events of one device end up
// in the same partition.
type Kafka struct {
	writer  messageWriter
	timeout time.Duration
}

// KafkaBuilder is a helper builder for Kafka
type KafkaBuilder struct {
	// Brokers is the list of kafka brokers. Mandatory.
	Brokers []string
	// Topic is the kafka topic. Mandatory.
	Topic string
	// Timeout for a single write, defaults to 10s
	Timeout time.Duration
}

// NewKafka returns a new kafka notifier
func NewKafka(b *KafkaBuilder) *Kafka {
	if len(b.Brokers) == 0 || b.Topic == "" {
		panic("kafka notifier requires brokers and topic")
	}
	timeout := b.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(b.Brokers...),
		Topic:                  b.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Default().WithError(err).Errorf("Error 5001: cannot deliver %d lifecycle events", len(messages))
			}
		},
	}
	logger.Default().Infoln("lifecycle events go to kafka topic", b.Topic)
	return &Kafka{writer: writer, timeout: timeout}
}

func newEvent(resource string, operation core.Operation, payload []byte) Event {
	return Event{
		ID:        uuid.New(),
		Resource:  resource,
		Operation: operation,
		Payload:   payload,
		At:        time.Now().UTC(),
	}
}

// Notify implements core.Notifier
func (k *Kafka) Notify(resource string, operation core.Operation, payload []byte) {
	event := newEvent(resource, operation, payload)
	value, err := json.Marshal(event)
	if err != nil {
		logger.Default().WithError(err).Errorln("Error 5002: cannot marshal lifecycle event")
		return
	}
	var keyed struct {
		Serial string `json:"serial"`
	}
	json.Unmarshal(payload, &keyed)

	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(keyed.Serial),
		Value: value,
		Headers: []kafka.Header{
			{Key: "resource", Value: []byte(resource)},
			{Key: "operation", Value: []byte(operation)},
		},
	})
	if err != nil {
		logger.Default().WithError(err).Errorln("Error 5003: cannot write lifecycle event")
	}
}

// Close flushes pending events and closes the writer
func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Recorder is an in-memory core.Notifier. It is used when no broker is configured
// and in tests.
type Recorder struct {
	mutex  sync.Mutex
	events []Event
	limit  int
}

// NewRecorder returns a recorder which keeps the last limit events. A limit of 0
// keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Notify implements core.Notifier
func (r *Recorder) Notify(resource string, operation core.Operation, payload []byte) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, newEvent(resource, operation, append([]byte(nil), payload...)))
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]Event(nil), r.events...)
}

// Multi fans notifications out to several notifiers
type Multi []core.Notifier

// Notify implements core.Notifier
func (m Multi) Notify(resource string, operation core.Operation, payload []byte) {
	for _, n := range m {
		n.Notify(resource, operation, payload)
	}
}
