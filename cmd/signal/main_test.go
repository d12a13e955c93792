package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/intersection.control/internal/config"
	"github.com/banshee-data/intersection.control/internal/engine"
	"github.com/banshee-data/intersection.control/internal/transport"
)

func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, ":8080", *listen)
	assert.Equal(t, ":50051", *grpcListen)
	assert.Equal(t, "info", *logLevel)
	assert.Equal(t, time.Second, *replayInterval)
	assert.False(t, *devMode)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFixtures(t *testing.T) {
	path := writeFile(t, "fx.jsonl", `# comment

{"intersection_id":"INT-001","total_vehicles":4,"timestamp":0}
{"intersection_id":"INT-002","total_vehicles":1,"timestamp":0}
`)
	fx, err := loadFixtures(path)
	require.NoError(t, err)
	require.Len(t, fx, 2)
	assert.Equal(t, "INT-002", fx[1]["intersection_id"])
}

func TestLoadFixtures_Errors(t *testing.T) {
	_, err := loadFixtures(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)

	_, err = loadFixtures(writeFile(t, "bad.jsonl", "{not json}\n"))
	assert.ErrorContains(t, err, "bad.jsonl:1")

	_, err = loadFixtures(writeFile(t, "noid.jsonl", `{"total_vehicles":4}`+"\n"))
	assert.ErrorContains(t, err, "intersection_id missing")

	_, err = loadFixtures(writeFile(t, "empty.jsonl", "# nothing\n"))
	assert.ErrorContains(t, err, "no fixtures")
}

// The shipped fixtures must pass the router's validation.
func TestShippedFixturesDecode(t *testing.T) {
	fx, err := loadFixtures(filepath.Join("..", "..", "fixtures.jsonl"))
	require.NoError(t, err)
	for _, obs := range fx {
		obs["timestamp"] = 1.0
		payload, err := json.Marshal(obs)
		require.NoError(t, err)
		_, err = engine.DecodeObservation(payload)
		assert.NoError(t, err, string(payload))
	}
}

func TestPublishFixture_Restamps(t *testing.T) {
	mem := transport.NewMemory(4)
	defer mem.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan transport.Message, 1)
	go mem.Subscribe(ctx, "neuroflow/detections", func(_ context.Context, msg transport.Message) { got <- msg })
	require.Eventually(t, func() bool { return mem.Subscribers() == 1 }, time.Second, time.Millisecond)

	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	obs := map[string]any{"intersection_id": "INT-009", "total_vehicles": 2, "timestamp": 0}
	require.NoError(t, publishFixture(ctx, mem, "neuroflow/detections", obs, now))

	select {
	case msg := <-got:
		assert.Equal(t, "INT-009", msg.Key)
		decoded, err := engine.DecodeObservation(msg.Payload)
		require.NoError(t, err)
		assert.True(t, decoded.Time().Equal(now))
	case <-time.After(time.Second):
		t.Fatal("fixture not delivered")
	}
}

func TestOpenTransport(t *testing.T) {
	cfg := config.EmptyEngineConfig()
	cfg.Transport = ptr("memory")
	tr, err := openTransport(cfg)
	require.NoError(t, err)
	assert.IsType(t, &transport.Memory{}, tr)
	tr.Close()

	cfg.Transport = ptr("carrier-pigeon")
	_, err = openTransport(cfg)
	assert.ErrorContains(t, err, "unknown transport")
}

func TestOpenStore(t *testing.T) {
	cfg := config.EmptyEngineConfig()

	cfg.Store = ptr("none")
	s, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, s.recorder, "disabled store must leave the interface nil")
	assert.Nil(t, s.reader)
	s.Close()

	cfg.Store = ptr("sqlite")
	cfg.SQLitePath = ptr(filepath.Join(t.TempDir(), "signal.db"))
	s, err = openStore(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, s.sqlite)
	known, err := s.lister.ListIntersections(context.Background())
	require.NoError(t, err)
	assert.Empty(t, known)
	s.Close()

	cfg.Store = ptr("postgres")
	_, err = openStore(context.Background(), cfg)
	assert.ErrorContains(t, err, "unknown store")
}

func TestIgnoreCanceled(t *testing.T) {
	assert.NoError(t, ignoreCanceled(context.Canceled))
	assert.NoError(t, ignoreCanceled(transport.ErrClosed))
	assert.NoError(t, ignoreCanceled(nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, ignoreCanceled(boom), boom)
}
