package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func phases(cmds []Command) []Phase {
	out := make([]Phase, len(cmds))
	for i, c := range cmds {
		out[i] = c.Phase
	}
	return out
}

func TestRegistry_ObserveCreates(t *testing.T) {
	r, _, log := newTestRegistry(t)

	r.Observe(observation("INT-009", 6))

	assert.Equal(t, 1, r.Len())
	st, ok := r.Status("INT-009")
	require.True(t, ok)
	assert.Equal(t, "Intersection INT-009", st.Name)
	assert.Equal(t, 4, st.NumLanes)
	assert.True(t, st.IsActive)
	assert.Equal(t, PhaseRed, st.Phase)
	assert.Equal(t, 6.0, st.SmoothedCount)
	assert.Equal(t, 1.5, st.DensityRatio)
	assert.Equal(t, []int{6}, st.Window)
	assert.Equal(t, 30.0, st.RemainingSec)

	require.Equal(t, 1, log.len(), "creation emits the initial RED only")
	assert.Equal(t, PhaseRed, log.last().Phase)
}

func TestRegistry_TimerCycle(t *testing.T) {
	r, clock, log := newTestRegistry(t)
	r.Observe(observation("A", 0))

	clock.Advance(30 * time.Second)
	assert.Equal(t, PhaseGreen, log.last().Phase)
	assert.Equal(t, 30, log.last().DurationSec)
	assert.Equal(t, epoch.Add(30*time.Second), log.last().Timestamp)

	clock.Advance(30 * time.Second)
	assert.Equal(t, PhaseYellow, log.last().Phase)

	clock.Advance(5 * time.Second)
	assert.Equal(t, PhaseRed, log.last().Phase)

	assert.Equal(t, []Phase{PhaseRed, PhaseGreen, PhaseYellow, PhaseRed}, phases(log.all()))
}

func TestRegistry_SingleAdvanceWalksDeadlines(t *testing.T) {
	r, clock, log := newTestRegistry(t)
	r.Observe(observation("A", 0))

	clock.Advance(65 * time.Second)

	cmds := log.all()
	require.Len(t, cmds, 4)
	assert.Equal(t, []Phase{PhaseRed, PhaseGreen, PhaseYellow, PhaseRed}, phases(cmds))
	assert.Equal(t, epoch.Add(60*time.Second), cmds[2].Timestamp)
	assert.Equal(t, epoch.Add(65*time.Second), cmds[3].Timestamp)
}

func TestRegistry_StatusRemaining(t *testing.T) {
	r, clock, _ := newTestRegistry(t)
	r.Observe(observation("A", 1))
	clock.Advance(10 * time.Second)

	st, ok := r.Status("A")
	require.True(t, ok)
	assert.Equal(t, 20.0, st.RemainingSec)
}

// TestRegistry_OverrideScenario forces GREEN for 60s ten seconds into RED and
// checks that automatic control resumes afterwards on live density.
func TestRegistry_OverrideScenario(t *testing.T) {
	r, clock, log := newTestRegistry(t)
	r.Observe(observation("INT-001", 0))
	clock.Advance(10 * time.Second)

	cmd, err := r.Override("INT-001", PhaseGreen, 60)
	require.NoError(t, err)
	assert.Equal(t, PhaseGreen, cmd.Phase)
	assert.True(t, cmd.IsOverride)
	require.Equal(t, 2, log.len(), "override command is emitted immediately")
	assert.Equal(t, cmd.ID, log.last().ID)

	// The superseded RED deadline at +30s must not fire.
	clock.Advance(20 * time.Second)
	assert.Equal(t, 2, log.len())

	// Density rises while the override holds.
	for i := 0; i < 10; i++ {
		r.Observe(observation("INT-001", 8))
	}
	clock.Advance(39 * time.Second)
	assert.Equal(t, 2, log.len(), "override still holding at +69s")

	clock.Advance(2 * time.Second)
	require.Equal(t, 3, log.len())
	assert.Equal(t, PhaseYellow, log.last().Phase)
	assert.False(t, log.last().IsOverride)
	assert.Equal(t, epoch.Add(70*time.Second), log.last().Timestamp)

	clock.Advance(4 * time.Second)
	assert.Equal(t, PhaseRed, log.last().Phase)

	clock.Advance(30 * time.Second)
	green := log.last()
	assert.Equal(t, PhaseGreen, green.Phase)
	assert.Equal(t, 90, green.DurationSec, "green sized from the density observed during the override")
	assert.Equal(t, 2.0, green.DensityRatio)
}

func TestRegistry_OverrideUnknown(t *testing.T) {
	r, _, log := newTestRegistry(t)
	_, err := r.Override("ghost", PhaseGreen, 30)
	assert.ErrorIs(t, err, ErrUnknownIntersection)
	assert.Equal(t, 0, r.Len(), "overrides never create intersections")
	assert.Equal(t, 0, log.len())

	assert.ErrorIs(t, r.SetActive("ghost", false), ErrUnknownIntersection)
}

func TestRegistry_RegisterInactive(t *testing.T) {
	r, clock, log := newTestRegistry(t)
	r.Register(Intersection{IntersectionID: "B", Name: "Main & 3rd", NumLanes: 2})

	assert.Equal(t, []Phase{PhaseRed, PhaseFlashingRed}, phases(log.all()))
	clock.Advance(time.Hour)
	assert.Equal(t, 2, log.len(), "FLASHING_RED has no timer")

	st, _ := r.Status("B")
	assert.False(t, st.IsActive)
	assert.Equal(t, "Main & 3rd", st.Name)
	assert.Equal(t, 0.0, st.RemainingSec)
}

func TestRegistry_RegisterCorrects(t *testing.T) {
	r, _, log := newTestRegistry(t)
	r.Observe(observation("C", 8))
	r.Register(Intersection{IntersectionID: "C", Name: "Elm", Latitude: 1.5, Longitude: 2.5, NumLanes: 8, IsActive: true})

	st, _ := r.Status("C")
	assert.Equal(t, "Elm", st.Name)
	assert.Equal(t, 8, st.NumLanes)
	assert.Equal(t, 1.5, st.Latitude)
	assert.Equal(t, 1.0, st.DensityRatio, "ratio recomputed for the new lane count")
	assert.Equal(t, 1, log.len())
}

func TestRegistry_SetActive(t *testing.T) {
	r, clock, log := newTestRegistry(t)
	r.Observe(observation("D", 0))

	require.NoError(t, r.SetActive("D", false))
	assert.Equal(t, PhaseFlashingRed, log.last().Phase)
	clock.Advance(time.Minute)
	assert.Equal(t, 2, log.len())

	require.NoError(t, r.SetActive("D", false))
	assert.Equal(t, 2, log.len(), "no-op when already inactive")

	require.NoError(t, r.SetActive("D", true))
	assert.Equal(t, PhaseRed, log.last().Phase)
	clock.Advance(30 * time.Second)
	assert.Equal(t, PhaseGreen, log.last().Phase)
}

func TestRegistry_Stop(t *testing.T) {
	r, clock, log := newTestRegistry(t)
	r.Observe(observation("A", 0))
	r.Stop()
	clock.Advance(time.Hour)
	assert.Equal(t, 1, log.len())
	assert.Equal(t, 0, clock.PendingTimers())
}

func TestRegistry_Statuses(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	for _, id := range []string{"c", "a", "b"} {
		r.Observe(observation(id, 1))
	}
	var ids []string
	for _, st := range r.Statuses() {
		ids = append(ids, st.IntersectionID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

// TestRegistry_Isolation drives many intersections from many goroutines and
// checks that no observation leaks into another intersection's window.
func TestRegistry_Isolation(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	const n = 16

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("INT-%03d", i)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for k := 0; k < 200; k++ {
					r.Observe(observation(id, i))
					if k%50 == 0 {
						r.Statuses()
					}
				}
			}()
		}
	}
	wg.Wait()

	require.Equal(t, n, r.Len())
	for i := 0; i < n; i++ {
		st, ok := r.Status(fmt.Sprintf("INT-%03d", i))
		require.True(t, ok)
		assert.Equal(t, float64(i), st.SmoothedCount)
		for _, c := range st.Window {
			assert.Equal(t, i, c)
		}
	}
}

func TestRegistry_ConcurrentCreateEmitsOnce(t *testing.T) {
	r, _, log := newTestRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.GetOrCreate("same")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, log.len())
}
