// Package timeutil provides a testable abstraction over time operations.
//
// Phase timers in the engine are armed through Clock.AfterFunc so that tests
// can drive a whole signal cycle with MockClock.Advance instead of sleeping.
package timeutil

import (
	"sort"
	"sync"
	"time"
)

// Clock provides an abstraction over time operations for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration since t.
	Since(t time.Time) time.Duration

	// After waits for the duration to elapse and then sends the current time.
	After(d time.Duration) <-chan time.Time

	// NewTimer creates a new Timer that will send the current time
	// on its channel after at least duration d.
	NewTimer(d time.Duration) Timer

	// AfterFunc waits for the duration to elapse and then calls f in its own
	// goroutine. The returned Timer can be used to cancel the call.
	AfterFunc(d time.Duration, f func()) Timer

	// NewTicker returns a new Ticker containing a channel that will
	// send the time with a period specified by the duration argument.
	NewTicker(d time.Duration) Ticker
}

// Timer represents a single event timer.
type Timer interface {
	// C returns the channel on which the time is delivered. It is nil for
	// timers created by AfterFunc.
	C() <-chan time.Time

	// Stop prevents the Timer from firing.
	Stop() bool

	// Reset changes the timer to expire after duration d.
	Reset(d time.Duration) bool
}

// Ticker holds a channel that delivers "ticks" of a clock at intervals.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset(d time.Duration)
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewTimer creates a new Timer.
func (RealClock) NewTimer(d time.Duration) Timer {
	return &realTimer{timer: time.NewTimer(d)}
}

// AfterFunc schedules f on the runtime timer heap.
func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{timer: time.AfterFunc(d, f)}
}

// NewTicker returns a new Ticker.
func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) C() <-chan time.Time        { return t.timer.C }
func (t *realTimer) Stop() bool                 { return t.timer.Stop() }
func (t *realTimer) Reset(d time.Duration) bool { return t.timer.Reset(d) }

type realTicker struct {
	ticker *time.Ticker
}

func (t *realTicker) C() <-chan time.Time   { return t.ticker.C }
func (t *realTicker) Stop()                 { t.ticker.Stop() }
func (t *realTicker) Reset(d time.Duration) { t.ticker.Reset(d) }

// MockClock is a manually controlled clock for testing.
//
// Advance walks forward through pending deadlines in order, so a callback
// that re-arms a timer during Advance sees the time its own deadline fired
// at, not the final target time.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*MockTimer
	tickers []*MockTicker
}

// NewMockClock creates a new MockClock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Set sets the mock clock to a specific time without firing timers.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the mock clock forward by d, firing every timer whose
// deadline falls inside the interval in deadline order.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		t := c.nextDue(target)
		if t == nil {
			break
		}
		t.fire()
	}

	c.mu.Lock()
	c.now = target
	tickers := append([]*MockTicker(nil), c.tickers...)
	c.mu.Unlock()

	for _, t := range tickers {
		t.checkAndFire(target)
	}
}

// nextDue pops the earliest armed timer with a deadline at or before target
// and moves the clock to that deadline.
func (c *MockClock) nextDue(target time.Time) *MockTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due []*MockTimer
	for _, t := range c.timers {
		if t.armedBefore(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadlineAt().Before(due[j].deadlineAt())
	})
	next := due[0]
	if dl := next.deadlineAt(); dl.After(c.now) {
		c.now = dl
	}
	return next
}

// After returns a channel that receives the time after duration d.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	return c.NewTimer(d).C()
}

// NewTimer creates a new channel-backed MockTimer.
func (c *MockClock) NewTimer(d time.Duration) Timer {
	return c.addTimer(d, nil)
}

// AfterFunc creates a MockTimer that calls f synchronously from Advance.
func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.addTimer(d, f)
}

func (c *MockClock) addTimer(d time.Duration, f func()) *MockTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &MockTimer{
		clock:    c,
		fn:       f,
		deadline: c.now.Add(d),
	}
	if f == nil {
		t.ch = make(chan time.Time, 1)
	}
	c.timers = append(c.timers, t)
	return t
}

// PendingTimers reports how many timers are armed and not yet fired.
func (c *MockClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if t.pending() {
			n++
		}
	}
	return n
}

// NewTicker creates a new MockTicker.
func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &MockTicker{
		ch:       make(chan time.Time, 1),
		interval: d,
		nextTick: c.now.Add(d),
	}
	c.tickers = append(c.tickers, t)
	return t
}

// MockTimer is a manually controlled timer for testing.
type MockTimer struct {
	clock    *MockClock
	mu       sync.Mutex
	ch       chan time.Time
	fn       func()
	deadline time.Time
	stopped  bool
	fired    bool
}

// C returns the timer channel (nil for AfterFunc timers).
func (t *MockTimer) C() <-chan time.Time {
	return t.ch
}

// Stop prevents the timer from firing.
func (t *MockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

// Reset re-arms the timer to expire d after the clock's current time.
func (t *MockTimer) Reset(d time.Duration) bool {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = false
	t.fired = false
	t.deadline = now.Add(d)
	return wasActive
}

func (t *MockTimer) pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && !t.fired
}

func (t *MockTimer) armedBefore(target time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && !t.fired && !t.deadline.After(target)
}

func (t *MockTimer) deadlineAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}

func (t *MockTimer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	at := t.deadline
	fn := t.fn
	t.mu.Unlock()

	if fn != nil {
		fn()
		return
	}
	select {
	case t.ch <- at:
	default:
	}
}

// MockTicker is a manually controlled ticker for testing.
type MockTicker struct {
	mu       sync.Mutex
	ch       chan time.Time
	interval time.Duration
	nextTick time.Time
	stopped  bool
}

// C returns the ticker channel.
func (t *MockTicker) C() <-chan time.Time {
	return t.ch
}

// Stop turns off the ticker.
func (t *MockTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// Reset resumes the ticker with a new period.
func (t *MockTicker) Reset(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = false
	t.interval = d
}

// Trigger manually sends a tick with the given time.
func (t *MockTicker) Trigger(now time.Time) {
	select {
	case t.ch <- now:
	default:
	}
}

func (t *MockTicker) checkAndFire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	if !now.Before(t.nextTick) {
		select {
		case t.ch <- now:
		default:
		}
		t.nextTick = now.Add(t.interval)
	}
}
