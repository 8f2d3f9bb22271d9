// Package coordinator gates fetches per resource key. It allows one flight
// per key, throttles refetches inside a minimum interval, and lets a forced
// refresh supersede the flight in progress.
//
// Every flight carries a generation number. Only the newest generation for a
// key may clear the in-flight flag or record a successful fetch, so a slow,
// superseded response can never overwrite fresher state.
package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultMinInterval is the throttle window used when no prefix override matches
const DefaultMinInterval = 60 * time.Second

// Decision is the coordinator's answer to a fetch request
type Decision int

const (
	// DecisionStart means the caller owns a new flight
	DecisionStart Decision = iota
	// DecisionJoin means another flight for the key is in progress
	DecisionJoin
	// DecisionThrottled means the key was fetched too recently and local data exists
	DecisionThrottled
)

func (d Decision) String() string {
	switch d {
	case DecisionStart:
		return "start"
	case DecisionJoin:
		return "join"
	case DecisionThrottled:
		return "throttled"
	default:
		return "unknown"
	}
}

type fetchState struct {
	generation    uint64
	lastSuccessAt time.Time
	lastErr       error
	flight        *flight
}

type flight struct {
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
}

// Coordinator tracks FetchState per key
type Coordinator struct {
	mu           sync.Mutex
	states       map[string]*fetchState
	defaultMin   time.Duration
	minIntervals map[string]time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithMinInterval sets the throttle window for keys starting with prefix
func WithMinInterval(prefix string, d time.Duration) Option {
	return func(c *Coordinator) {
		c.minIntervals[prefix] = d
	}
}

// WithDefaultMinInterval sets the throttle window for keys without an override
func WithDefaultMinInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.defaultMin = d
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// New creates a coordinator
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		states:       make(map[string]*fetchState),
		defaultMin:   DefaultMinInterval,
		minIntervals: make(map[string]time.Duration),
		now:          time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ShouldStart reports what Begin would decide right now without changing state.
// Use Begin to act on the decision; checking and marking separately is racy.
func (c *Coordinator) ShouldStart(key string, force, hasLocalData bool) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decideLocked(key, force, hasLocalData)
}

func (c *Coordinator) decideLocked(key string, force, hasLocalData bool) Decision {
	if force {
		return DecisionStart
	}
	st, ok := c.states[key]
	if !ok {
		return DecisionStart
	}
	if st.flight != nil {
		return DecisionJoin
	}
	if hasLocalData && !st.lastSuccessAt.IsZero() && c.now().Sub(st.lastSuccessAt) < c.minIntervalFor(key) {
		return DecisionThrottled
	}
	return DecisionStart
}

// minIntervalFor returns the window of the longest matching prefix
func (c *Coordinator) minIntervalFor(key string) time.Duration {
	best, bestLen := c.defaultMin, -1
	for prefix, d := range c.minIntervals {
		if strings.HasPrefix(key, prefix) && len(prefix) > bestLen {
			best, bestLen = d, len(prefix)
		}
	}
	return best
}

// Begin decides and, on DecisionStart, atomically marks a new flight for key.
// A forced start cancels the flight it supersedes. The returned ticket is nil
// unless the decision is DecisionStart; its context is cancelled when a later
// forced Begin supersedes it or when the ticket ends.
func (c *Coordinator) Begin(ctx context.Context, key string, force, hasLocalData bool) (*Ticket, Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	decision := c.decideLocked(key, force, hasLocalData)
	if decision != DecisionStart {
		return nil, decision
	}

	st, ok := c.states[key]
	if !ok {
		st = &fetchState{}
		c.states[key] = st
	}

	if prev := st.flight; prev != nil {
		c.logger.Debug("Superseding in-flight fetch",
			zap.String("key", key),
			zap.Uint64("superseded_generation", prev.generation))
		prev.cancel()
	}

	st.generation++
	fctx, cancel := context.WithCancel(ctx)
	f := &flight{
		generation: st.generation,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	st.flight = f

	return &Ticket{
		coordinator: c,
		key:         key,
		flight:      f,
		ctx:         fctx,
	}, DecisionStart
}

// Wait blocks until key has no flight in progress, following superseding
// flights, or until ctx is done.
func (c *Coordinator) Wait(ctx context.Context, key string) error {
	for {
		c.mu.Lock()
		var done chan struct{}
		if st, ok := c.states[key]; ok && st.flight != nil {
			done = st.flight.done
		}
		c.mu.Unlock()

		if done == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
	}
}

// InFlight reports whether key has a flight in progress
func (c *Coordinator) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[key]
	return ok && st.flight != nil
}

// LastError returns the error of the newest finished flight for key, or nil
// when it succeeded. Joiners use it to learn how the flight they waited on ended.
func (c *Coordinator) LastError(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[key]; ok {
		return st.lastErr
	}
	return nil
}

// LastSuccess returns when key was last fetched successfully
func (c *Coordinator) LastSuccess(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[key]
	if !ok || st.lastSuccessAt.IsZero() {
		return time.Time{}, false
	}
	return st.lastSuccessAt, true
}

// Reset cancels every flight and forgets all fetch history.
// Generations keep increasing so tickets issued before the reset stay stale.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, st := range c.states {
		st.generation++
		if st.flight != nil {
			st.flight.cancel()
			st.flight = nil
		}
		st.lastSuccessAt = time.Time{}
		st.lastErr = nil
	}
}

func (c *Coordinator) end(t *Ticket, success bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t.flight.cancel()
	close(t.flight.done)

	st, ok := c.states[t.key]
	if !ok || st.generation != t.flight.generation {
		return
	}
	if st.flight == t.flight {
		st.flight = nil
	}
	if success {
		st.lastSuccessAt = c.now()
		st.lastErr = nil
		return
	}
	st.lastErr = err
}

func (c *Coordinator) isCurrent(t *Ticket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[t.key]
	return ok && st.generation == t.flight.generation && st.flight == t.flight
}

// Ticket is the scoped ownership of one flight. End or Fail must be called on
// every exit path; only the first call counts.
type Ticket struct {
	coordinator *Coordinator
	key         string
	flight      *flight
	ctx         context.Context
	once        sync.Once
}

// Context is cancelled when the flight is superseded or ended
func (t *Ticket) Context() context.Context {
	return t.ctx
}

// Generation returns the flight's generation number
func (t *Ticket) Generation() uint64 {
	return t.flight.generation
}

// Key returns the resource key
func (t *Ticket) Key() string {
	return t.key
}

// Current reports whether this flight is still the newest one for its key
func (t *Ticket) Current() bool {
	return t.coordinator.isCurrent(t)
}

// End releases the flight. success records lastSuccessAt when the ticket is still current.
func (t *Ticket) End(success bool) {
	t.once.Do(func() {
		t.coordinator.end(t, success, nil)
	})
}

// Fail releases the flight and records err as its outcome for LastError.
// A nil err ends the flight without a recorded failure.
func (t *Ticket) Fail(err error) {
	t.once.Do(func() {
		t.coordinator.end(t, false, err)
	})
}
