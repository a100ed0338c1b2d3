package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"go.uber.org/zap"
)

// KafkaWriter publishes structured mode cloud events to a kafka topic.
type KafkaWriter struct {
	producer sarama.SyncProducer
}

func NewKafkaWriter(brokers []string, clientID, version string) (*KafkaWriter, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	if version != "" {
		v, err := sarama.ParseKafkaVersion(version)
		if err != nil {
			return nil, fmt.Errorf("parsing kafka version: %w", err)
		}
		cfg.Version = v
	}

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	zap.S().Named("kafka_writer").Infow("connected to kafka", "brokers", brokers, "client_id", clientID)
	return NewKafkaWriterWithProducer(producer), nil
}

func NewKafkaWriterWithProducer(producer sarama.SyncProducer) *KafkaWriter {
	return &KafkaWriter{producer: producer}
}

func (k *KafkaWriter) Write(_ context.Context, topic string, e cloudevents.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte(cloudevents.ApplicationCloudEventsJSON)},
		},
	}
	if e.Subject() != "" {
		// events of one job land on the same partition
		msg.Key = sarama.StringEncoder(e.Subject())
	}

	_, _, err = k.producer.SendMessage(msg)
	return err
}

func (k *KafkaWriter) Close(_ context.Context) error {
	return k.producer.Close()
}
