// Package transport abstracts the publish/subscribe broker between edge
// gateways, the controller and signal hardware. Topics are addressed the MQTT
// way ("<base>/<intersection_id>"); the Kafka implementation maps that onto a
// single topic keyed by intersection id.
package transport

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// Message is one inbound payload.
type Message struct {
	// Topic is the concrete topic the payload arrived on.
	Topic string
	// Key identifies the intersection (or "status" for gateway notices).
	Key      string
	Payload  []byte
	Received time.Time
}

// Handler processes one message. Handlers are called sequentially per
// subscription, so one intersection's messages are handled in arrival order.
type Handler func(ctx context.Context, msg Message)

// Publisher publishes payloads under a key.
type Publisher interface {
	Publish(ctx context.Context, base, key string, payload []byte) error
}

// Transport is a pub/sub broker connection.
type Transport interface {
	Publisher
	// Subscribe delivers every message published under base to h until ctx
	// is done.
	Subscribe(ctx context.Context, base string, h Handler) error
	Close() error
}

// Topic joins a base topic and a key.
func Topic(base, key string) string {
	return strings.TrimSuffix(base, "/") + "/" + key
}

// KeyOf returns the last topic segment.
func KeyOf(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
