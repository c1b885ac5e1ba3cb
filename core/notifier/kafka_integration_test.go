//go:build integration

package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"

	"github.com/relabs-tech/fleetca/core"
	"github.com/relabs-tech/fleetca/test"
)

type KafkaSuite struct {
	test.IntegrationTestSuite
}

func TestKafkaSuite(t *testing.T) {
	suite.Run(t, &KafkaSuite{IntegrationTestSuite: test.IntegrationTestSuite{WithKafka: true}})
}

func (s *KafkaSuite) TestLifecycleEventsArriveKeyedBySerial() {
	const topic = "device_lifecycle"
	s.Require().NoError(s.CreateTopic(topic, 1))

	k := NewKafka(&KafkaBuilder{Brokers: []string{s.KafkaAddr}, Topic: topic})
	k.Notify("device", core.OperationProvision, []byte(`{"serial":"SN-001"}`))
	k.Notify("device", core.OperationRevoke, []byte(`{"serial":"SN-001"}`))
	s.Require().NoError(k.Close())

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   []string{s.KafkaAddr},
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  1 << 20,
	})
	defer reader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var operations []core.Operation
	for i := 0; i < 2; i++ {
		msg, err := reader.ReadMessage(ctx)
		s.Require().NoError(err)
		s.Equal("SN-001", string(msg.Key))
		var event Event
		s.Require().NoError(json.Unmarshal(msg.Value, &event))
		operations = append(operations, event.Operation)
	}
	s.Equal([]core.Operation{core.OperationProvision, core.OperationRevoke}, operations)
}
