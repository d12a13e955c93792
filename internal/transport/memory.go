package transport

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process transport used for the dev replay mode and tests.
// Each subscription has its own buffered queue drained by one goroutine, so
// delivery order per subscription equals publish order.
type Memory struct {
	mu     sync.Mutex
	subs   map[int]*memorySub
	nextID int
	buffer int

	done      chan struct{}
	closeOnce sync.Once
}

type memorySub struct {
	base string
	ch   chan Message
}

// NewMemory creates an in-memory transport whose subscriptions buffer up to
// buffer messages before Publish blocks.
func NewMemory(buffer int) *Memory {
	if buffer < 1 {
		buffer = 1024
	}
	return &Memory{
		subs:   make(map[int]*memorySub),
		buffer: buffer,
		done:   make(chan struct{}),
	}
}

// Publish delivers payload to every subscription whose base matches.
func (m *Memory) Publish(ctx context.Context, base, key string, payload []byte) error {
	msg := Message{
		Topic:    Topic(base, key),
		Key:      key,
		Payload:  append([]byte(nil), payload...),
		Received: time.Now(),
	}

	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	m.mu.Lock()
	var targets []chan Message
	for _, s := range m.subs {
		if sameBase(s.base, base) {
			targets = append(targets, s.ch)
		}
	}
	m.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- msg:
		case <-m.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe blocks delivering messages to h until ctx is done or the
// transport is closed.
func (m *Memory) Subscribe(ctx context.Context, base string, h Handler) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	sub := &memorySub{base: base, ch: make(chan Message, m.buffer)}
	m.subs[id] = sub
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return ErrClosed
		case msg := <-sub.ch:
			h(ctx, msg)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close ends every subscription.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func sameBase(a, b string) bool {
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}
