package infra

import (
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const kafkaBatchTimeout = 5 * time.Millisecond

// NewKafkaWriter configures a writer for topic. Writes are synchronous so a
// failed publish surfaces to the caller; a batch flushes after kafkaBatchTimeout.
func NewKafkaWriter(brokers []string, topic string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           kafkaBatchTimeout,
		WriteTimeout:           5 * time.Second,
		AllowAutoTopicCreation: true,
	}, nil
}
