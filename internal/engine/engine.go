package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/intersection.control/internal/config"
	"github.com/banshee-data/intersection.control/internal/monitoring"
	"github.com/banshee-data/intersection.control/internal/timeutil"
	"github.com/banshee-data/intersection.control/internal/transport"
)

// IntersectionLister is the read side of the store used to preload known
// intersections at startup.
type IntersectionLister interface {
	ListIntersections(ctx context.Context) ([]Intersection, error)
}

// Options wires an Engine to its collaborators. Only Config is required.
type Options struct {
	Config    *config.EngineConfig
	Clock     timeutil.Clock
	Hub       Broadcaster
	Recorder  Recorder
	Actuators []Actuator
}

// Engine ties the registry, router and dispatcher together.
type Engine struct {
	timing     Timing
	clock      timeutil.Clock
	registry   *Registry
	router     *Router
	dispatcher *Dispatcher
	started    time.Time
	log        *logrus.Entry
}

// Stats summarises engine activity for the status endpoint.
type Stats struct {
	UptimeSec              float64          `json:"uptime_sec"`
	MonitoredIntersections int              `json:"monitored_intersections"`
	ActivePhases           map[string]Phase `json:"active_phases"`
	ObservationsAccepted   int64            `json:"observations_accepted"`
	ObservationsRejected   map[string]int64 `json:"observations_rejected"`
	Dispatch               DispatchStats    `json:"dispatch"`
}

// New builds an Engine from opts.
func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.EmptyEngineConfig()
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	e := &Engine{
		timing:  TimingFromConfig(cfg),
		clock:   clock,
		started: clock.Now(),
		log:     monitoring.Logger("engine"),
	}
	e.dispatcher = NewDispatcher(opts.Hub, opts.Recorder, opts.Actuators, clock, DispatcherOptions{
		ActuationQueue: cfg.GetActuationQueue(),
		PersistQueue:   cfg.GetPersistQueue(),
		MaxAttempts:    cfg.GetPersistMaxAttempts(),
		AttemptTimeout: cfg.GetPersistAttemptTimeout(),
		Backoff:        cfg.GetPersistBackoff(),
	})
	e.registry = NewRegistry(clock, e.timing, e.dispatcher.Dispatch)
	e.router = NewRouter(e.registry, opts.Hub, e.dispatcher)
	return e
}

// Preload registers every intersection the store already knows about.
func (e *Engine) Preload(ctx context.Context, lister IntersectionLister) error {
	known, err := lister.ListIntersections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list intersections: %w", err)
	}
	for _, desc := range known {
		e.registry.Register(desc)
	}
	e.log.Infof("preloaded %d intersections", len(known))
	return nil
}

// Run drives the dispatcher until ctx is done, then cancels every phase
// timer.
func (e *Engine) Run(ctx context.Context) error {
	defer e.registry.Stop()
	return e.dispatcher.Run(ctx)
}

// HandleMessage is the transport handler for the detections subscription.
func (e *Engine) HandleMessage(ctx context.Context, msg transport.Message) {
	e.router.HandleMessage(ctx, msg)
}

// Ingest routes one raw observation payload, returning the reject reason if
// it was discarded.
func (e *Engine) Ingest(payload []byte) error {
	return e.router.Ingest(payload)
}

// Override forces phase on a known intersection for durationSec seconds,
// clamped to [1, max_override_sec]. Overrides never create intersections.
func (e *Engine) Override(ctx context.Context, id string, phase Phase, durationSec int) (Command, error) {
	if err := ctx.Err(); err != nil {
		return Command{}, err
	}
	sec := e.timing.ClampOverride(durationSec)
	cmd, err := e.registry.Override(id, phase, sec)
	if err != nil {
		return Command{}, fmt.Errorf("override %s: %w", id, err)
	}
	e.log.WithFields(logrus.Fields{
		"intersection_id": id,
		"phase":           phase,
		"duration_sec":    sec,
	}).Info("manual override applied")
	return cmd, nil
}

// Register creates or corrects an intersection descriptor and persists it.
func (e *Engine) Register(desc Intersection) Status {
	h := e.registry.Register(desc)
	st, _ := e.registry.Status(h.ID())
	e.dispatcher.RecordIntersection(st.Intersection)
	return st
}

// SetActive suspends (FLASHING_RED) or resumes automatic control.
func (e *Engine) SetActive(id string, active bool) (Status, error) {
	if err := e.registry.SetActive(id, active); err != nil {
		return Status{}, fmt.Errorf("set active %s: %w", id, err)
	}
	st, _ := e.registry.Status(id)
	e.dispatcher.RecordIntersection(st.Intersection)
	return st, nil
}

// Status returns the live state of one intersection.
func (e *Engine) Status(id string) (Status, bool) { return e.registry.Status(id) }

// Statuses returns the live state of every intersection.
func (e *Engine) Statuses() []Status { return e.registry.Statuses() }

// Router exposes the router counters for publishing.
func (e *Engine) Router() *Router { return e.router }

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	statuses := e.registry.Statuses()
	phases := make(map[string]Phase, len(statuses))
	for _, st := range statuses {
		phases[st.IntersectionID] = st.Phase
	}
	rejected := make(map[string]int64)
	for _, reason := range []string{RejectDecode, RejectMissingID, RejectNegativeCount, RejectNegativeLatency, RejectTimestamp} {
		if n := e.router.Rejected(reason); n > 0 {
			rejected[reason] = n
		}
	}
	return Stats{
		UptimeSec:              e.clock.Since(e.started).Seconds(),
		MonitoredIntersections: len(statuses),
		ActivePhases:           phases,
		ObservationsAccepted:   e.router.Accepted(),
		ObservationsRejected:   rejected,
		Dispatch:               e.dispatcher.Stats(),
	}
}

// Timing returns the phase timing parameters in effect.
func (e *Engine) Timing() Timing { return e.timing }
