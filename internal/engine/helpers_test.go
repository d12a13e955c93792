package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/intersection.control/internal/timeutil"
)

var epoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type hubEvent struct {
	Type string
	Data any
}

// recordingHub is a Broadcaster that remembers everything published.
type recordingHub struct {
	mu     sync.Mutex
	events []hubEvent
}

func (h *recordingHub) Publish(eventType string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, hubEvent{Type: eventType, Data: data})
}

func (h *recordingHub) commands() []Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Command
	for _, ev := range h.events {
		if cmd, ok := ev.Data.(Command); ok {
			out = append(out, cmd)
		}
	}
	return out
}

func (h *recordingHub) detections() []Observation {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Observation
	for _, ev := range h.events {
		if obs, ok := ev.Data.(Observation); ok {
			out = append(out, obs)
		}
	}
	return out
}

func (h *recordingHub) last() Command {
	cmds := h.commands()
	if len(cmds) == 0 {
		return Command{}
	}
	return cmds[len(cmds)-1]
}

// commandLog collects commands emitted by a registry.
type commandLog struct {
	mu   sync.Mutex
	cmds []Command
}

func (l *commandLog) emit(cmd Command) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cmds = append(l.cmds, cmd)
}

func (l *commandLog) all() []Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Command(nil), l.cmds...)
}

func (l *commandLog) last() Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.cmds) == 0 {
		return Command{}
	}
	return l.cmds[len(l.cmds)-1]
}

func (l *commandLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cmds)
}

// memRecorder is an in-memory Recorder that can be told to fail.
type memRecorder struct {
	mu            sync.Mutex
	commands      []Command
	detections    []Observation
	intersections map[string]Intersection
	failures      int // remaining writes to fail
	calls         int
}

var errStoreDown = errors.New("store down")

func newMemRecorder() *memRecorder {
	return &memRecorder{intersections: make(map[string]Intersection)}
}

func (r *memRecorder) fail() error {
	r.calls++
	if r.failures != 0 {
		if r.failures > 0 {
			r.failures--
		}
		return errStoreDown
	}
	return nil
}

func (r *memRecorder) RecordCommand(_ context.Context, cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return err
	}
	r.commands = append(r.commands, cmd)
	return nil
}

func (r *memRecorder) RecordDetection(_ context.Context, obs Observation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return err
	}
	r.detections = append(r.detections, obs)
	return nil
}

func (r *memRecorder) UpsertIntersection(_ context.Context, desc Intersection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return err
	}
	r.intersections[desc.IntersectionID] = desc
	return nil
}

func (r *memRecorder) ListIntersections(context.Context) ([]Intersection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Intersection
	for _, d := range r.intersections {
		out = append(out, d)
	}
	return out, nil
}

func (r *memRecorder) counts() (commands, detections int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands), len(r.detections)
}

// recordingActuator remembers actuated commands and can fail on demand.
type recordingActuator struct {
	mu   sync.Mutex
	cmds []Command
	err  error
}

func (a *recordingActuator) Name() string { return "recording" }

func (a *recordingActuator) Actuate(_ context.Context, cmd Command) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.cmds = append(a.cmds, cmd)
	return nil
}

func (a *recordingActuator) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cmds)
}

func newTestRegistry(t *testing.T) (*Registry, *timeutil.MockClock, *commandLog) {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	log := &commandLog{}
	return NewRegistry(clock, DefaultTiming(), log.emit), clock, log
}

func observationJSON(id string, total int, counts map[string]int) []byte {
	payload, err := json.Marshal(map[string]any{
		"timestamp":         float64(epoch.Unix()),
		"intersection_id":   id,
		"total_vehicles":    total,
		"vehicle_counts":    counts,
		"detections":        []any{},
		"inference_time_ms": 42.5,
		"frame_number":      1,
	})
	if err != nil {
		panic(fmt.Sprintf("marshal observation: %v", err))
	}
	return payload
}

func observation(id string, total int) Observation {
	return Observation{
		Timestamp:      float64(epoch.Unix()),
		IntersectionID: id,
		TotalVehicles:  total,
		VehicleCounts:  map[string]int{"car": total},
	}
}
