// Package resilience provides fault tolerance patterns for the gateway:
// retry policies and circuit breakers.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/traderlink/mtgate/pkg/errs"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // requests fail immediately
	StateHalfOpen              // limited probes test recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChange is emitted to listeners on every transition.
type StateChange struct {
	Name string
	From State
	To   State
	At   time.Time
}

// BreakerConfig defines configuration for a circuit breaker.
type BreakerConfig struct {
	// Name of the breaker (for logging and events)
	Name string

	// Enabled false makes the breaker a pass-through
	Enabled bool

	// VolumeThreshold is the minimum number of recent calls before the
	// failure ratio is considered meaningful
	VolumeThreshold int

	// ErrorThresholdPercent trips the breaker when the failure ratio over
	// the trailing ring reaches this percentage
	ErrorThresholdPercent float64

	// RecoveryTimeout is the open-state dwell before probing
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls caps concurrent probes in half-open state; that
	// many consecutive successes close the breaker
	HalfOpenMaxCalls int

	// RingSize bounds the trailing outcome window
	RingSize int

	// RingMaxAge drops outcomes older than this from ratio computation;
	// zero keeps everything in the ring
	RingMaxAge time.Duration

	// MonitorInterval is the tick at which stale ring entries are trimmed
	MonitorInterval time.Duration

	// IsSuccessful classifies an operation error; default err == nil
	IsSuccessful func(err error) bool
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		Name:                  "default",
		Enabled:               true,
		VolumeThreshold:       10,
		ErrorThresholdPercent: 50,
		RecoveryTimeout:       30 * time.Second,
		HalfOpenMaxCalls:      3,
		RingSize:              100,
		RingMaxAge:            2 * time.Minute,
		MonitorInterval:       10 * time.Second,
	}
}

// outcome is one ring entry.
type outcome struct {
	at      time.Time
	success bool
}

// Stats is a snapshot of breaker counters.
type Stats struct {
	State           State
	Total           uint64
	Successes       uint64
	Failures        uint64
	Rejected        uint64
	Transitions     uint64
	AvgResponseTime time.Duration
	LastFailure     time.Time
}

// CircuitBreaker wraps an operation and short-circuits calls to a failing
// downstream based on the failure ratio over a trailing outcome ring.
type CircuitBreaker struct {
	config *BreakerConfig

	mu               sync.Mutex
	state            State
	ring             []outcome
	ringHead         int
	ringLen          int
	lastFailure      time.Time
	openedAt         time.Time
	halfOpenInFlight int
	halfOpenSuccess  int

	total       uint64
	successes   uint64
	failures    uint64
	rejected    uint64
	transitions uint64
	avgResponse float64 // exponentially smoothed, nanoseconds

	listeners []func(StateChange)

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCircuitBreaker creates a breaker. When enabled, a monitoring tick
// trims outcomes older than RingMaxAge.
func NewCircuitBreaker(config *BreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	if config.VolumeThreshold <= 0 {
		config.VolumeThreshold = 10
	}
	if config.ErrorThresholdPercent <= 0 {
		config.ErrorThresholdPercent = 50
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}
	if config.RingSize <= 0 {
		config.RingSize = 100
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = func(err error) bool { return err == nil }
	}

	cb := &CircuitBreaker{
		config: config,
		state:  StateClosed,
		ring:   make([]outcome, config.RingSize),
		stopCh: make(chan struct{}),
	}

	if config.Enabled && config.MonitorInterval > 0 && config.RingMaxAge > 0 {
		go cb.monitorLoop()
	}

	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.config.Name }

// State returns the current state, applying the open->half-open timer.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(time.Now())
}

// OnStateChange registers a listener. Listeners are invoked outside the
// breaker lock.
func (cb *CircuitBreaker) OnStateChange(fn func(StateChange)) {
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, fn)
	cb.mu.Unlock()
}

// Stats returns a counter snapshot.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:           cb.currentState(time.Now()),
		Total:           cb.total,
		Successes:       cb.successes,
		Failures:        cb.failures,
		Rejected:        cb.rejected,
		Transitions:     cb.transitions,
		AvgResponseTime: time.Duration(cb.avgResponse),
		LastFailure:     cb.lastFailure,
	}
}

// Execute runs op if the breaker allows it. On rejection or failure, if a
// fallback is supplied its result is returned instead; otherwise the error
// propagates.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) (any, error), fallback func(error) (any, error)) (any, error) {
	if !cb.config.Enabled {
		return op(ctx)
	}

	if err := cb.beforeCall(); err != nil {
		if fallback != nil {
			return fallback(err)
		}
		return nil, err
	}

	start := time.Now()
	value, err := op(ctx)
	cb.afterCall(cb.config.IsSuccessful(err), time.Since(start))

	if err != nil {
		if fallback != nil {
			return fallback(err)
		}
		return nil, err
	}
	return value, nil
}

// Do is Execute without a result value or fallback.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := cb.Execute(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	}, nil)
	return err
}

// Close stops the monitoring tick.
func (cb *CircuitBreaker) Close() {
	cb.stopOnce.Do(func() { close(cb.stopCh) })
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()

	now := time.Now()
	state := cb.currentState(now)

	switch state {
	case StateOpen:
		cb.rejected++
		cb.mu.Unlock()
		return errs.CircuitOpen("circuit breaker " + cb.config.Name + " is open")
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.HalfOpenMaxCalls {
			cb.rejected++
			cb.mu.Unlock()
			return errs.CircuitOpen("circuit breaker " + cb.config.Name + " half-open probe limit reached")
		}
		cb.halfOpenInFlight++
	}

	cb.total++
	cb.mu.Unlock()
	return nil
}

func (cb *CircuitBreaker) afterCall(success bool, elapsed time.Duration) {
	var changes []StateChange

	cb.mu.Lock()

	now := time.Now()
	state := cb.currentState(now)

	// Smoothed response time, alpha 0.2.
	if cb.avgResponse == 0 {
		cb.avgResponse = float64(elapsed)
	} else {
		cb.avgResponse = 0.8*cb.avgResponse + 0.2*float64(elapsed)
	}

	cb.pushOutcome(outcome{at: now, success: success})

	if success {
		cb.successes++
	} else {
		cb.failures++
		cb.lastFailure = now
	}

	switch state {
	case StateClosed:
		if !success && cb.shouldTrip(now) {
			changes = append(changes, cb.setState(StateOpen, now))
		}
	case StateHalfOpen:
		if cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		if !success {
			changes = append(changes, cb.setState(StateOpen, now))
		} else {
			cb.halfOpenSuccess++
			if cb.halfOpenSuccess >= cb.config.HalfOpenMaxCalls {
				changes = append(changes, cb.setState(StateClosed, now))
			}
		}
	}

	listeners := cb.listeners
	cb.mu.Unlock()

	for _, change := range changes {
		for _, fn := range listeners {
			fn(change)
		}
	}
}

// shouldTrip computes the failure ratio over the trailing ring, honoring
// the volume threshold and RingMaxAge. Caller holds the lock.
func (cb *CircuitBreaker) shouldTrip(now time.Time) bool {
	var total, failed int
	cutoff := time.Time{}
	if cb.config.RingMaxAge > 0 {
		cutoff = now.Add(-cb.config.RingMaxAge)
	}

	for i := 0; i < cb.ringLen; i++ {
		o := cb.ring[(cb.ringHead-1-i+len(cb.ring)*2)%len(cb.ring)]
		if !cutoff.IsZero() && o.at.Before(cutoff) {
			continue
		}
		total++
		if !o.success {
			failed++
		}
		if total >= cb.config.VolumeThreshold {
			break
		}
	}

	if total < cb.config.VolumeThreshold {
		return false
	}
	ratio := float64(failed) / float64(total) * 100
	return ratio >= cb.config.ErrorThresholdPercent
}

func (cb *CircuitBreaker) pushOutcome(o outcome) {
	cb.ring[cb.ringHead] = o
	cb.ringHead = (cb.ringHead + 1) % len(cb.ring)
	if cb.ringLen < len(cb.ring) {
		cb.ringLen++
	}
}

// currentState applies the open->half-open recovery timer. Caller holds
// the lock.
func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
		change := cb.setState(StateHalfOpen, now)
		// Listener invocation is deferred to the next unlock point by the
		// callers of currentState that collect changes; state reads fire
		// the listeners inline since no user code holds the lock.
		listeners := cb.listeners
		go func() {
			for _, fn := range listeners {
				fn(change)
			}
		}()
	}
	return cb.state
}

// setState transitions and resets per-state bookkeeping. Caller holds the
// lock; the returned change must be delivered to listeners after unlock.
func (cb *CircuitBreaker) setState(state State, now time.Time) StateChange {
	prev := cb.state
	cb.state = state
	cb.transitions++

	switch state {
	case StateOpen:
		cb.openedAt = now
		cb.halfOpenInFlight = 0
		cb.halfOpenSuccess = 0
	case StateHalfOpen:
		cb.halfOpenInFlight = 0
		cb.halfOpenSuccess = 0
	case StateClosed:
		cb.ringLen = 0
		cb.ringHead = 0
	}

	return StateChange{Name: cb.config.Name, From: prev, To: state, At: now}
}

func (cb *CircuitBreaker) monitorLoop() {
	ticker := time.NewTicker(cb.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cb.trimRing()
		case <-cb.stopCh:
			return
		}
	}
}

// trimRing drops aged-out outcomes so a quiet breaker does not trip on
// stale history.
func (cb *CircuitBreaker) trimRing() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cutoff := time.Now().Add(-cb.config.RingMaxAge)
	kept := make([]outcome, 0, cb.ringLen)
	for i := 0; i < cb.ringLen; i++ {
		o := cb.ring[(cb.ringHead-cb.ringLen+i+len(cb.ring)*2)%len(cb.ring)]
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}

	cb.ringHead = 0
	cb.ringLen = 0
	for _, o := range kept {
		cb.pushOutcome(o)
	}
}

// ============ Registry ============

// BreakerRegistry hands out named breakers sharing a default config.
// Agents use it to get their per-agent breaker.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   *BreakerConfig
}

// NewBreakerRegistry creates a registry with the given default config.
func NewBreakerRegistry(defaultConfig *BreakerConfig) *BreakerRegistry {
	if defaultConfig == nil {
		defaultConfig = DefaultBreakerConfig()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   defaultConfig,
	}
}

// Get returns or creates a breaker by name.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[name]; ok {
		return cb
	}

	config := *r.config
	config.Name = name
	cb = NewCircuitBreaker(&config)
	r.breakers[name] = cb
	return cb
}

// Remove closes and drops a breaker.
func (r *BreakerRegistry) Remove(name string) {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	if ok {
		delete(r.breakers, name)
	}
	r.mu.Unlock()
	if ok {
		cb.Close()
	}
}

// Stats returns snapshots for all breakers.
func (r *BreakerRegistry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]Stats, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.Stats()
	}
	return stats
}

// CloseAll closes every breaker, for shutdown.
func (r *BreakerRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cb := range r.breakers {
		cb.Close()
	}
	r.breakers = make(map[string]*CircuitBreaker)
}
