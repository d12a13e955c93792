// Package testutil provides fixtures shared by the API and command tests:
// observation payloads and a running engine on a mock clock.
package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/banshee-data/intersection.control/internal/engine"
	"github.com/banshee-data/intersection.control/internal/timeutil"
)

// Epoch is the mock clock start used across tests.
var Epoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// Observation builds a valid observation whose class counts are all "car"
// unless counts is given.
func Observation(id string, total int, at time.Time, counts map[string]int) engine.Observation {
	if counts == nil {
		counts = map[string]int{"car": total}
	}
	return engine.Observation{
		Timestamp:       float64(at.UnixNano()) / 1e9,
		IntersectionID:  id,
		TotalVehicles:   total,
		VehicleCounts:   counts,
		InferenceTimeMs: 30,
	}
}

// ObservationJSON is Observation encoded the way an edge gateway sends it.
func ObservationJSON(t testing.TB, id string, total int, at time.Time) []byte {
	t.Helper()
	payload, err := json.Marshal(Observation(id, total, at, nil))
	if err != nil {
		t.Fatalf("failed to encode observation: %v", err)
	}
	return payload
}

// StartEngine creates an engine from opts and runs it until the test ends.
// A nil opts.Clock is replaced by a MockClock at Epoch, which is returned.
func StartEngine(t testing.TB, opts engine.Options) (*engine.Engine, *timeutil.MockClock) {
	t.Helper()
	mock, _ := opts.Clock.(*timeutil.MockClock)
	if opts.Clock == nil {
		mock = timeutil.NewMockClock(Epoch)
		opts.Clock = mock
	}
	eng := engine.New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return eng, mock
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}
