package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/intersection.control/internal/config"
	"github.com/banshee-data/intersection.control/internal/timeutil"
)

func newTestEngine(t *testing.T, rec Recorder) (*Engine, *timeutil.MockClock, *recordingHub) {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	hub := &recordingHub{}
	e := New(Options{
		Config:   config.EmptyEngineConfig(),
		Clock:    clock,
		Hub:      hub,
		Recorder: rec,
	})
	return e, clock, hub
}

// TestEngine_Int001 replays the reference INT-001 count sequence through the
// ingest path and checks the GREEN decision that follows.
func TestEngine_Int001(t *testing.T) {
	e, clock, hub := newTestEngine(t, nil)
	e.Register(Intersection{IntersectionID: "INT-001", Name: "Main & 1st", NumLanes: 4, IsActive: true})

	for _, n := range []int{8, 10, 12, 14, 16, 18, 20, 18, 16, 14, 12} {
		require.NoError(t, e.Ingest(observationJSON("INT-001", n, map[string]int{"car": n})))
	}

	st, ok := e.Status("INT-001")
	require.True(t, ok)
	assert.InDelta(t, 15.0, st.SmoothedCount, 1e-9)
	assert.InDelta(t, 3.75, st.DensityRatio, 1e-9)
	assert.Equal(t, 90, st.GreenCandidate)
	assert.Equal(t, PhaseRed, st.Phase, "observations alone never change phase")

	clock.Advance(30 * time.Second)
	green := hub.last()
	assert.Equal(t, PhaseGreen, green.Phase)
	assert.Equal(t, 90, green.DurationSec)
	assert.Equal(t, "Phase changed to GREEN. Density: 375.0% (15 vehicles avg). Dominant type: car.", green.Reason)
	assert.Len(t, hub.detections(), 11)
}

func TestEngine_OverrideUnknown(t *testing.T) {
	e, _, hub := newTestEngine(t, nil)
	_, err := e.Override(context.Background(), "nope", PhaseGreen, 30)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownIntersection))
	assert.Empty(t, e.Statuses())
	assert.Empty(t, hub.commands())
}

func TestEngine_OverrideClamps(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	e.Register(Intersection{IntersectionID: "A", IsActive: true})

	cmd, err := e.Override(context.Background(), "A", PhaseGreen, 100000)
	require.NoError(t, err)
	assert.Equal(t, 600, cmd.DurationSec)

	cmd, err = e.Override(context.Background(), "A", PhaseRed, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, cmd.DurationSec)
	assert.Equal(t, "Manual override to RED for 1s.", cmd.Reason)
}

func TestEngine_OverrideCancelledContext(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	e.Register(Intersection{IntersectionID: "A", IsActive: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Override(ctx, "A", PhaseGreen, 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_OverrideScenario(t *testing.T) {
	e, clock, hub := newTestEngine(t, nil)
	e.Register(Intersection{IntersectionID: "INT-001", NumLanes: 4, IsActive: true})
	clock.Advance(10 * time.Second)

	cmd, err := e.Override(context.Background(), "INT-001", PhaseGreen, 60)
	require.NoError(t, err)
	assert.Equal(t, cmd.ID, hub.last().ID)

	clock.Advance(61 * time.Second)
	last := hub.last()
	assert.Equal(t, PhaseYellow, last.Phase)
	assert.False(t, last.IsOverride)

	st, _ := e.Status("INT-001")
	assert.Nil(t, st.Override)
}

func TestEngine_MalformedNeverReachesRegistry(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	err := e.Ingest([]byte(`{"intersection_id": "A", "total_vehicles": -5, "timestamp": 1700000000}`))
	require.Error(t, err)
	assert.Empty(t, e.Statuses())

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.ObservationsRejected[RejectNegativeCount])
	assert.Equal(t, int64(0), stats.ObservationsAccepted)
	assert.Equal(t, 0, stats.MonitoredIntersections)
}

func TestEngine_PersistsThroughRun(t *testing.T) {
	rec := newMemRecorder()
	e, _, _ := newTestEngine(t, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	e.Register(Intersection{IntersectionID: "A", Name: "Alpha", NumLanes: 2, IsActive: true})
	require.NoError(t, e.Ingest(observationJSON("A", 3, nil)))

	require.Eventually(t, func() bool {
		cmds, dets := rec.counts()
		return cmds == 1 && dets == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	known, err := rec.ListIntersections(context.Background())
	require.NoError(t, err)
	require.Len(t, known, 1)
	assert.Equal(t, "Alpha", known[0].Name)
}

func TestEngine_Preload(t *testing.T) {
	rec := newMemRecorder()
	rec.intersections["X"] = Intersection{IntersectionID: "X", Name: "Cross", NumLanes: 6, IsActive: true}
	rec.intersections["Y"] = Intersection{IntersectionID: "Y", Name: "Closed", NumLanes: 2, IsActive: false}

	e, _, hub := newTestEngine(t, rec)
	require.NoError(t, e.Preload(context.Background(), rec))

	statuses := e.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "X", statuses[0].IntersectionID)
	assert.Equal(t, 6, statuses[0].NumLanes)
	assert.Equal(t, PhaseFlashingRed, statuses[1].Phase)
	assert.Len(t, hub.commands(), 3)
}

func TestEngine_SetActive(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	e.Register(Intersection{IntersectionID: "A", IsActive: true})

	st, err := e.SetActive("A", false)
	require.NoError(t, err)
	assert.False(t, st.IsActive)
	assert.Equal(t, PhaseFlashingRed, st.Phase)

	_, err = e.SetActive("B", true)
	assert.ErrorIs(t, err, ErrUnknownIntersection)
}

func TestEngine_Stats(t *testing.T) {
	e, clock, _ := newTestEngine(t, nil)
	require.NoError(t, e.Ingest(observationJSON("A", 1, nil)))
	require.NoError(t, e.Ingest(observationJSON("B", 1, nil)))
	clock.Advance(30 * time.Second)

	stats := e.Stats()
	assert.Equal(t, 30.0, stats.UptimeSec)
	assert.Equal(t, 2, stats.MonitoredIntersections)
	assert.Equal(t, int64(2), stats.ObservationsAccepted)
	assert.Equal(t, map[string]Phase{"A": PhaseGreen, "B": PhaseGreen}, stats.ActivePhases)
	assert.Equal(t, int64(4), stats.Dispatch.Dispatched)
	assert.Empty(t, stats.ObservationsRejected)
}
