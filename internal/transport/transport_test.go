package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicHelpers(t *testing.T) {
	assert.Equal(t, "neuroflow/detections/INT-001", Topic("neuroflow/detections", "INT-001"))
	assert.Equal(t, "neuroflow/detections/INT-001", Topic("neuroflow/detections/", "INT-001"))
	assert.Equal(t, "INT-001", KeyOf("neuroflow/detections/INT-001"))
	assert.Equal(t, "status", KeyOf("neuroflow/detections/status"))
	assert.Equal(t, "bare", KeyOf("bare"))
	assert.Equal(t, "neuroflow.detections", KafkaTopic("/neuroflow/detections/"))
}

// collect subscribes h to base and returns a function that waits for n
// messages.
func collect(t *testing.T, ctx context.Context, m *Memory, base string) func(n int) []Message {
	t.Helper()
	var mu sync.Mutex
	var got []Message
	started := make(chan struct{})
	go func() {
		close(started)
		m.Subscribe(ctx, base, func(_ context.Context, msg Message) {
			mu.Lock()
			got = append(got, msg)
			mu.Unlock()
		})
	}()
	<-started
	require.Eventually(t, func() bool { return m.Subscribers() > 0 }, time.Second, time.Millisecond)

	return func(n int) []Message {
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) >= n
		}, time.Second, time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		return append([]Message(nil), got...)
	}
}

func TestMemoryDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMemory(16)
	wait := collect(t, ctx, m, "neuroflow/detections")

	for _, key := range []string{"A", "B", "A", "status"} {
		require.NoError(t, m.Publish(ctx, "neuroflow/detections", key, []byte(key)))
	}
	require.NoError(t, m.Publish(ctx, "neuroflow/commands", "A", []byte("ignored")))

	got := wait(4)
	require.Len(t, got, 4)
	keys := []string{got[0].Key, got[1].Key, got[2].Key, got[3].Key}
	assert.Equal(t, []string{"A", "B", "A", "status"}, keys)
	assert.Equal(t, "neuroflow/detections/B", got[1].Topic)
}

func TestMemoryPayloadIsCopied(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMemory(4)
	wait := collect(t, ctx, m, "base")

	buf := []byte("original")
	require.NoError(t, m.Publish(ctx, "base", "k", buf))
	copy(buf, "mutated!")

	got := wait(1)
	assert.Equal(t, "original", string(got[0].Payload))
}

func TestMemoryClose(t *testing.T) {
	m := NewMemory(1)
	errc := make(chan error, 1)
	go func() { errc <- m.Subscribe(context.Background(), "base", func(context.Context, Message) {}) }()
	require.Eventually(t, func() bool { return m.Subscribers() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.Close())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return after Close")
	}
	assert.ErrorIs(t, m.Publish(context.Background(), "base", "k", nil), ErrClosed)
	assert.NoError(t, m.Close(), "second Close is a no-op")
}

func TestMemorySubscribeCancel(t *testing.T) {
	m := NewMemory(1)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Subscribe(ctx, "base", func(context.Context, Message) {}) }()
	require.Eventually(t, func() bool { return m.Subscribers() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	require.Eventually(t, func() bool { return m.Subscribers() == 0 }, time.Second, time.Millisecond)
}
