package engine

import (
	"sort"
	"sync"

	"github.com/banshee-data/intersection.control/internal/timeutil"
)

// Handle owns the mutable state of one intersection. Every field behind mu is
// touched only while mu is held.
type Handle struct {
	mu    sync.Mutex
	desc  Intersection
	est   *DensityEstimator
	ctl   *Controller
	timer timeutil.Timer
	gen   uint64
}

// ID returns the intersection identifier.
func (h *Handle) ID() string { return h.desc.IntersectionID }

// Registry holds exactly one Handle per intersection. The map lock is held
// only for lookup and insert; all per-intersection work runs under the
// handle's own mutex, so intersections never contend with each other.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle

	clock  timeutil.Clock
	timing Timing
	emit   func(Command)
}

// NewRegistry creates an empty registry. emit receives every command a
// controller produces; it is called with the intersection's lock held and
// must not block.
func NewRegistry(clock timeutil.Clock, timing Timing, emit func(Command)) *Registry {
	if emit == nil {
		emit = func(Command) {}
	}
	return &Registry{
		handles: make(map[string]*Handle),
		clock:   clock,
		timing:  timing,
		emit:    emit,
	}
}

// Lookup returns the handle for id without creating one.
func (r *Registry) Lookup(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// GetOrCreate returns the handle for id, creating it with the fallback lane
// count when it does not exist yet.
func (r *Registry) GetOrCreate(id string) *Handle {
	if h, ok := r.Lookup(id); ok {
		return h
	}
	h, _ := r.create(Intersection{IntersectionID: id, IsActive: true})
	return h
}

// create inserts a handle for desc unless another goroutine won the race.
func (r *Registry) create(desc Intersection) (*Handle, bool) {
	r.mu.Lock()
	if h, ok := r.handles[desc.IntersectionID]; ok {
		r.mu.Unlock()
		return h, false
	}
	if desc.NumLanes <= 0 {
		desc.NumLanes = r.timing.DefaultLanes
	}
	if desc.Name == "" {
		desc.Name = "Intersection " + desc.IntersectionID
	}
	h := &Handle{desc: desc, est: NewDensityEstimator(r.timing.SmoothingSlots)}
	// Lock the handle before publishing it so nobody observes it half-built.
	h.mu.Lock()
	r.handles[desc.IntersectionID] = h
	r.mu.Unlock()

	now := r.clock.Now()
	ctl, cmd := NewController(desc.IntersectionID, desc.NumLanes, r.timing, now)
	h.ctl = ctl
	r.publish(cmd)
	if !desc.IsActive {
		r.publish(ctl.Suspend(now))
	}
	r.arm(h)
	h.mu.Unlock()
	return h, true
}

// Register creates the intersection described by desc or corrects the
// descriptor of an existing one. A lane count of zero keeps the current one.
func (r *Registry) Register(desc Intersection) *Handle {
	h, created := r.create(desc)
	if created {
		return h
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if desc.Name != "" {
		h.desc.Name = desc.Name
	}
	h.desc.Latitude = desc.Latitude
	h.desc.Longitude = desc.Longitude
	if desc.NumLanes > 0 && desc.NumLanes != h.desc.NumLanes {
		h.desc.NumLanes = desc.NumLanes
		h.ctl.SetLanes(desc.NumLanes)
	}
	r.setActiveLocked(h, desc.IsActive)
	return h
}

// Observe feeds one validated observation into the owning intersection,
// creating it on first sight.
func (r *Registry) Observe(obs Observation) {
	h := r.GetOrCreate(obs.IntersectionID)
	h.mu.Lock()
	defer h.mu.Unlock()
	smoothed := h.est.Observe(obs.TotalVehicles)
	h.ctl.Observe(smoothed, obs.VehicleCounts)
}

// Override forces a phase on a known intersection. sec must already be
// clamped by the caller.
func (r *Registry) Override(id string, phase Phase, sec int) (Command, error) {
	h, ok := r.Lookup(id)
	if !ok {
		return Command{}, ErrUnknownIntersection
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	cmd := h.ctl.Override(phase, sec, r.clock.Now())
	r.publish(cmd)
	r.arm(h)
	return *cmd, nil
}

// SetActive suspends or resumes automatic control on a known intersection.
func (r *Registry) SetActive(id string, active bool) error {
	h, ok := r.Lookup(id)
	if !ok {
		return ErrUnknownIntersection
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	r.setActiveLocked(h, active)
	return nil
}

func (r *Registry) setActiveLocked(h *Handle, active bool) {
	if h.ctl.Active() == active {
		return
	}
	h.desc.IsActive = active
	now := r.clock.Now()
	if active {
		r.publish(h.ctl.Resume(now))
	} else {
		r.publish(h.ctl.Suspend(now))
	}
	r.arm(h)
}

// Status returns a snapshot of one intersection.
func (r *Registry) Status(id string) (Status, bool) {
	h, ok := r.Lookup(id)
	if !ok {
		return Status{}, false
	}
	return r.snapshot(h), true
}

// Statuses returns snapshots of every intersection ordered by identifier.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].ID() < handles[j].ID() })
	out := make([]Status, 0, len(handles))
	for _, h := range handles {
		out = append(out, r.snapshot(h))
	}
	return out
}

// Len returns the number of known intersections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Stop cancels every phase timer. The registry must not be used afterwards.
func (r *Registry) Stop() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handles {
		h.mu.Lock()
		h.gen++
		if h.timer != nil {
			h.timer.Stop()
			h.timer = nil
		}
		h.mu.Unlock()
	}
}

func (r *Registry) snapshot(h *Handle) Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	smoothed, ratio, green, dominant := h.ctl.Density()
	desc := h.desc
	desc.IsActive = h.ctl.Active()
	st := Status{
		Intersection:   desc,
		State:          h.ctl.State(),
		SmoothedCount:  smoothed,
		DensityRatio:   ratio,
		GreenCandidate: green,
		DominantClass:  dominant,
		Window:         h.est.Window(),
	}
	if deadline, ok := h.ctl.Deadline(); ok {
		st.RemainingSec = max(0, deadline.Sub(r.clock.Now()).Seconds())
	}
	return st
}

func (r *Registry) publish(cmd *Command) {
	if cmd != nil {
		r.emit(*cmd)
	}
}

// arm cancels the handle's timer and schedules the next expiry. The
// generation guard makes a timer that already fired, but is still waiting for
// the lock, a no-op. Callers hold h.mu.
func (r *Registry) arm(h *Handle) {
	h.gen++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	deadline, ok := h.ctl.Deadline()
	if !ok {
		return
	}
	gen := h.gen
	wait := max(0, deadline.Sub(r.clock.Now()))
	h.timer = r.clock.AfterFunc(wait, func() { r.expire(h, gen) })
}

func (r *Registry) expire(h *Handle, gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gen != gen {
		return
	}
	r.publish(h.ctl.Expire(r.clock.Now()))
	r.arm(h)
}
