package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/intersection.control/internal/monitoring"
)

// KafkaOptions configures the Kafka transport.
type KafkaOptions struct {
	BootstrapServers string
	GroupID          string
	MaxRetries       int
	BaseBackoff      time.Duration
}

// Kafka is a Transport over Kafka. A base topic maps to one Kafka topic whose
// messages are keyed by intersection id, so per-intersection order is kept
// by partitioning.
type Kafka struct {
	opts     KafkaOptions
	producer *kafka.Producer
	log      *logrus.Entry

	wg     sync.WaitGroup
	closed atomic.Bool

	messagesSent   atomic.Int64
	messagesAcked  atomic.Int64
	messagesFailed atomic.Int64
}

// KafkaTopic converts an MQTT-style base topic into a legal Kafka topic name.
func KafkaTopic(base string) string {
	return strings.ReplaceAll(strings.Trim(base, "/"), "/", ".")
}

// NewKafka creates the shared producer and starts its delivery report loop.
func NewKafka(opts KafkaOptions) (*Kafka, error) {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 100 * time.Millisecond
	}
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":   opts.BootstrapServers,
		"acks":                "all",
		"enable.idempotence":  true,
		"linger.ms":           5,
		"request.timeout.ms":  30000,
		"delivery.timeout.ms": 120000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	k := &Kafka{opts: opts, producer: p, log: monitoring.Logger("kafka")}
	k.wg.Add(1)
	go k.handleDeliveryReports()
	return k, nil
}

func (k *Kafka) handleDeliveryReports() {
	defer k.wg.Done()
	for e := range k.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				k.messagesFailed.Add(1)
				k.log.WithError(ev.TopicPartition.Error).Warn("delivery failed")
			} else {
				k.messagesAcked.Add(1)
			}
		case kafka.Error:
			k.log.WithError(ev).Warn("producer error")
		}
	}
}

// Publish produces payload keyed by key, retrying retriable errors with
// exponential backoff.
func (k *Kafka) Publish(ctx context.Context, base, key string, payload []byte) error {
	if k.closed.Load() {
		return ErrClosed
	}
	topic := KafkaTopic(base)
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          payload,
	}

	var lastErr error
	for attempt := 0; attempt <= k.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := k.opts.BaseBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		err := k.producer.Produce(msg, nil)
		if err == nil {
			k.messagesSent.Add(1)
			return nil
		}
		lastErr = err
		var kerr kafka.Error
		if errors.As(err, &kerr) && !kerr.IsRetriable() && kerr.Code() != kafka.ErrQueueFull {
			return fmt.Errorf("non-retriable error: %w", err)
		}
	}
	k.messagesFailed.Add(1)
	return fmt.Errorf("failed after %d retries: %w", k.opts.MaxRetries, lastErr)
}

// Subscribe consumes the base topic with the configured group until ctx is
// done. Messages are handled on the polling goroutine in partition order.
func (k *Kafka) Subscribe(ctx context.Context, base string, h Handler) error {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  k.opts.BootstrapServers,
		"group.id":           k.opts.GroupID,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": true,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	defer c.Close()

	topic := KafkaTopic(base)
	if err := c.SubscribeTopics([]string{topic}, nil); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	k.log.WithField("topic", topic).Info("subscribed")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		switch ev := c.Poll(100).(type) {
		case *kafka.Message:
			h(ctx, Message{
				Topic:    Topic(base, string(ev.Key)),
				Key:      string(ev.Key),
				Payload:  ev.Value,
				Received: time.Now(),
			})
		case kafka.Error:
			if ev.IsFatal() {
				return fmt.Errorf("consumer: %w", ev)
			}
			k.log.WithError(ev).Warn("consumer error")
		}
	}
}

// Metrics returns producer counters.
func (k *Kafka) Metrics() map[string]int64 {
	return map[string]int64{
		"messages_sent":   k.messagesSent.Load(),
		"messages_acked":  k.messagesAcked.Load(),
		"messages_failed": k.messagesFailed.Load(),
	}
}

// Close flushes outstanding messages and shuts the producer down.
func (k *Kafka) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	if remaining := k.producer.Flush(5000); remaining > 0 {
		k.log.Warnf("%d messages still queued after flush timeout", remaining)
	}
	k.producer.Close()
	k.wg.Wait()
	return nil
}
