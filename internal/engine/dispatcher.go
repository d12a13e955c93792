package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/intersection.control/internal/monitoring"
	"github.com/banshee-data/intersection.control/internal/timeutil"
)

// Actuator delivers committed commands to signal hardware. Actuators are
// expected to be idempotent on identical phase and duration.
type Actuator interface {
	Name() string
	Actuate(ctx context.Context, cmd Command) error
}

// Recorder is the write side of the audit store.
type Recorder interface {
	RecordCommand(ctx context.Context, cmd Command) error
	RecordDetection(ctx context.Context, obs Observation) error
	UpsertIntersection(ctx context.Context, desc Intersection) error
}

// DispatcherOptions tunes the dispatcher queues and retry budget.
type DispatcherOptions struct {
	ActuationQueue int
	PersistQueue   int
	MaxAttempts    int
	AttemptTimeout time.Duration
	Backoff        time.Duration
}

// DispatchStats is a snapshot of dispatcher counters.
type DispatchStats struct {
	Dispatched       int64 `json:"dispatched"`
	ActuationSent    int64 `json:"actuation_sent"`
	ActuationFailed  int64 `json:"actuation_failed"`
	ActuationDropped int64 `json:"actuation_dropped"`
	Persisted        int64 `json:"persisted"`
	PersistRetries   int64 `json:"persist_retries"`
	PersistFailed    int64 `json:"persist_failed"`
	PersistDropped   int64 `json:"persist_dropped"`
	ActuationQueued  int   `json:"actuation_queued"`
	PersistQueued    int   `json:"persist_queued"`
}

type persistJob struct {
	what  string
	id    string
	write func(ctx context.Context) error
}

// Dispatcher hands commands to the live feed synchronously and to the
// actuators and the store through two independent bounded queues. Nothing on
// the enqueue side blocks; a full queue drops the item and counts it.
type Dispatcher struct {
	hub       Broadcaster
	recorder  Recorder
	actuators []Actuator
	opts      DispatcherOptions
	clock     timeutil.Clock
	log       *logrus.Entry

	actuateCh chan Command
	persistCh chan persistJob

	dispatched       atomic.Int64
	actuationSent    atomic.Int64
	actuationFailed  atomic.Int64
	actuationDropped atomic.Int64
	persisted        atomic.Int64
	persistRetries   atomic.Int64
	persistFailed    atomic.Int64
	persistDropped   atomic.Int64
}

// NewDispatcher creates a dispatcher. hub and recorder may be nil.
func NewDispatcher(hub Broadcaster, recorder Recorder, actuators []Actuator, clock timeutil.Clock, opts DispatcherOptions) *Dispatcher {
	if opts.ActuationQueue < 1 {
		opts.ActuationQueue = 256
	}
	if opts.PersistQueue < 1 {
		opts.PersistQueue = 1024
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 2 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	return &Dispatcher{
		hub:       hub,
		recorder:  recorder,
		actuators: actuators,
		opts:      opts,
		clock:     clock,
		log:       monitoring.Logger("dispatcher"),
		actuateCh: make(chan Command, opts.ActuationQueue),
		persistCh: make(chan persistJob, opts.PersistQueue),
	}
}

// Dispatch broadcasts cmd and queues it for actuation and persistence.
func (d *Dispatcher) Dispatch(cmd Command) {
	d.dispatched.Add(1)
	if d.hub != nil {
		d.hub.Publish(EventCommand, cmd)
	}

	if len(d.actuators) > 0 {
		select {
		case d.actuateCh <- cmd:
		default:
			d.actuationDropped.Add(1)
			d.log.WithField("intersection_id", cmd.IntersectionID).Warn("actuation queue full, command dropped")
		}
	}

	d.enqueuePersist(persistJob{
		what:  "command",
		id:    cmd.IntersectionID,
		write: func(ctx context.Context) error { return d.recorder.RecordCommand(ctx, cmd) },
	})
}

// RecordDetection queues an accepted observation for persistence.
func (d *Dispatcher) RecordDetection(obs Observation) {
	d.enqueuePersist(persistJob{
		what:  "detection",
		id:    obs.IntersectionID,
		write: func(ctx context.Context) error { return d.recorder.RecordDetection(ctx, obs) },
	})
}

// RecordIntersection queues a descriptor upsert.
func (d *Dispatcher) RecordIntersection(desc Intersection) {
	d.enqueuePersist(persistJob{
		what:  "intersection",
		id:    desc.IntersectionID,
		write: func(ctx context.Context) error { return d.recorder.UpsertIntersection(ctx, desc) },
	})
}

func (d *Dispatcher) enqueuePersist(job persistJob) {
	if d.recorder == nil {
		return
	}
	select {
	case d.persistCh <- job:
	default:
		d.persistDropped.Add(1)
		d.log.WithFields(logrus.Fields{"kind": job.what, "intersection_id": job.id}).Warn("persistence queue full, write dropped")
	}
}

// Run drives the actuation and persistence workers until ctx is done, then
// flushes whatever the persistence queue still holds.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.actuateLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		d.persistLoop(ctx)
	}()
	wg.Wait()
	d.flush()
	return nil
}

func (d *Dispatcher) actuateLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-d.actuateCh:
			for _, a := range d.actuators {
				if err := a.Actuate(ctx, cmd); err != nil {
					d.actuationFailed.Add(1)
					d.log.WithError(err).WithFields(logrus.Fields{
						"actuator":        a.Name(),
						"intersection_id": cmd.IntersectionID,
					}).Warn("actuation failed")
					continue
				}
				d.actuationSent.Add(1)
			}
		}
	}
}

func (d *Dispatcher) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.persistCh:
			d.persist(ctx, job)
		}
	}
}

// flush writes the queued jobs left at shutdown with one attempt each.
func (d *Dispatcher) flush() {
	for {
		select {
		case job := <-d.persistCh:
			ctx, cancel := context.WithTimeout(context.Background(), d.opts.AttemptTimeout)
			if err := job.write(ctx); err != nil {
				d.persistFailed.Add(1)
			} else {
				d.persisted.Add(1)
			}
			cancel()
		default:
			return
		}
	}
}

// persist tries job up to MaxAttempts times, each under AttemptTimeout, with
// exponential backoff between attempts.
func (d *Dispatcher) persist(ctx context.Context, job persistJob) {
	var err error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			d.persistRetries.Add(1)
			backoff := d.opts.Backoff * time.Duration(1<<(attempt-2))
			select {
			case <-ctx.Done():
				d.persistFailed.Add(1)
				return
			case <-d.clock.After(backoff):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
		err = job.write(attemptCtx)
		cancel()
		if err == nil {
			d.persisted.Add(1)
			return
		}
		d.log.WithError(err).WithFields(logrus.Fields{
			"kind":            job.what,
			"intersection_id": job.id,
			"attempt":         attempt,
		}).Debug("store write failed")
	}
	d.persistFailed.Add(1)
	d.log.WithError(err).WithFields(logrus.Fields{
		"kind":            job.what,
		"intersection_id": job.id,
	}).Warnf("store write dropped after %d attempts", d.opts.MaxAttempts)
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Dispatched:       d.dispatched.Load(),
		ActuationSent:    d.actuationSent.Load(),
		ActuationFailed:  d.actuationFailed.Load(),
		ActuationDropped: d.actuationDropped.Load(),
		Persisted:        d.persisted.Load(),
		PersistRetries:   d.persistRetries.Load(),
		PersistFailed:    d.persistFailed.Load(),
		PersistDropped:   d.persistDropped.Load(),
		ActuationQueued:  len(d.actuateCh),
		PersistQueued:    len(d.persistCh),
	}
}
