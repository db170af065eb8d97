package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaSink mirrors bus events onto Kafka topics so out-of-process
// consumers (notification delivery, downstream analytics) receive the same
// stream as in-process subscribers. One writer per topic, keyed by event
// type for partition affinity.
type KafkaSink struct {
	logger  *zap.Logger
	writers map[string]*kafka.Writer
}

// NewKafkaSink creates a sink publishing to the given brokers and attaches
// it to every known topic on the bus.
func NewKafkaSink(bus Bus, brokers []string, topicPrefix string, logger *zap.Logger) *KafkaSink {
	sink := &KafkaSink{
		logger:  logger,
		writers: make(map[string]*kafka.Writer),
	}
	for _, topic := range []string{TopicOrder, TopicSettlement} {
		sink.writers[topic] = &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    fmt.Sprintf("%s.%s", topicPrefix, topic),
			Balancer: &kafka.Hash{},
		}
		t := topic
		bus.Subscribe(t, func(event Event) { sink.forward(t, event) })
	}
	return sink
}

func (s *KafkaSink) forward(topic string, event Event) {
	value, err := json.Marshal(event.Payload)
	if err != nil {
		s.logger.Error("failed to encode event payload", zap.Error(err),
			zap.String("topic", topic), zap.String("type", event.Type))
		return
	}
	msg := kafka.Message{
		Key:   []byte(event.Type),
		Value: value,
		Time:  event.Timestamp,
	}
	if err := s.writers[topic].WriteMessages(context.Background(), msg); err != nil {
		s.logger.Error("failed to publish event to kafka", zap.Error(err),
			zap.String("topic", topic), zap.String("type", event.Type))
	}
}

// Close flushes and closes all topic writers.
func (s *KafkaSink) Close() error {
	var firstErr error
	for _, w := range s.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
