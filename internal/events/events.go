// Package events publishes executed trades to downstream consumers
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/xtrntr/spotexchange/internal/models"
)

// Publisher delivers trades after they are committed
type Publisher interface {
	PublishTrade(ctx context.Context, t models.Trade) error
	Close() error
}

// Nop drops every trade. Used when no brokers are configured.
type Nop struct{}

func (Nop) PublishTrade(context.Context, models.Trade) error { return nil }
func (Nop) Close() error                                     { return nil }

// messageWriter is the subset of *kafka.Writer used here
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes trades as JSON to a topic, keyed by pair so that one
// market's trades stay ordered within a partition
type Kafka struct {
	writer messageWriter
}

// NewKafka creates a synchronous producer for the topic
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

type tradeMessage struct {
	models.Trade
	Value string `json:"value"`
}

// PublishTrade sends one trade
func (k *Kafka) PublishTrade(ctx context.Context, t models.Trade) error {
	data, err := json.Marshal(tradeMessage{Trade: t, Value: t.Value().String()})
	if err != nil {
		return fmt.Errorf("failed to encode trade %s: %w", t.ID, err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(t.Pair().String()),
		Value: data,
	}); err != nil {
		return fmt.Errorf("failed to publish trade %s: %w", t.ID, err)
	}
	return nil
}

// Close flushes and closes the producer
func (k *Kafka) Close() error {
	return k.writer.Close()
}
