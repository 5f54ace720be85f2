package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"ms-raffle/internal/models"
)

type Producer struct {
	Writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers: brokers,
		Topic:   topic,
	})
	return &Producer{Writer: writer}
}

// PublishReservationCreated streams a new hold to Kafka
func (p *Producer) PublishReservationCreated(event models.EngineEvent) error {
	return p.publish(event)
}

// PublishReservationReleased streams a released or reclaimed hold to Kafka
func (p *Producer) PublishReservationReleased(event models.EngineEvent) error {
	return p.publish(event)
}

// PublishPaymentSettled streams a finalized sale to Kafka
func (p *Producer) PublishPaymentSettled(event models.EngineEvent) error {
	return p.publish(event)
}

// PublishDrawClosed streams a draw sell-out to Kafka
func (p *Producer) PublishDrawClosed(event models.EngineEvent) error {
	return p.publish(event)
}

func (p *Producer) publish(event models.EngineEvent) error {
	msgBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}

	fmt.Printf("Publishing to Kafka [%s]: %s\n", event.Type, string(msgBytes))

	return p.Writer.WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(event.DrawID),
			Value: msgBytes,
		},
	)
}

// Close flushes and shuts down the writer
func (p *Producer) Close() error {
	return p.Writer.Close()
}
