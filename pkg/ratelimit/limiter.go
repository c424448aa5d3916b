// Package ratelimit enforces per-client, per-resource quotas through an
// ordered rule set. Three algorithms are supported: token bucket, sliding
// window and fixed window. Rules are evaluated in descending priority and
// the first denial wins; an admission is only committed when every
// applicable rule allows it, so no rule's budget is consumed by a request
// another rule rejected.
package ratelimit

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/traderlink/mtgate/pkg/contracts"
)

// Algorithm selects how a rule accounts admissions.
type Algorithm string

const (
	TokenBucket   Algorithm = "tokenBucket"
	SlidingWindow Algorithm = "slidingWindow"
	FixedWindow   Algorithm = "fixedWindow"
)

// Rule defines one quota. Resource scopes the rule to a single resource
// string; empty matches every resource.
type Rule struct {
	ID           string
	Name         string
	Algorithm    Algorithm
	Resource     string
	Window       time.Duration
	MaxRequests  int
	Burst        int     // token bucket capacity override; 0 uses MaxRequests
	RefillPerSec float64 // token bucket refill; 0 derives MaxRequests/Window
	Priority     int
	Enabled      bool
}

// capacity is the instantaneous token bucket ceiling.
func (r *Rule) capacity() float64 {
	if r.Burst > 0 {
		return float64(r.Burst)
	}
	return float64(r.MaxRequests)
}

func (r *Rule) refillRate() float64 {
	if r.RefillPerSec > 0 {
		return r.RefillPerSec
	}
	if r.Window <= 0 {
		return float64(r.MaxRequests)
	}
	return float64(r.MaxRequests) / r.Window.Seconds()
}

// Result of a limiter check.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Rule       *Rule
}

// RuleStats counts outcomes per rule.
type RuleStats struct {
	Checked uint64
	Allowed uint64
	Denied  uint64
}

// Config for the limiter.
type Config struct {
	Enabled bool
	Rules   []*Rule

	// SweepInterval controls removal of idle state buckets
	SweepInterval time.Duration
}

// DefaultConfig returns a disabled limiter with no rules.
func DefaultConfig() *Config {
	return &Config{SweepInterval: 5 * time.Minute}
}

// tokenState is the per-(client,resource,rule) token bucket.
type tokenState struct {
	tokens     float64
	lastUpdate time.Time
}

// windowState stores weighted admissions for sliding windows. Weights are
// recorded alongside timestamps so weighted calls count fully.
type windowState struct {
	entries []weightedStamp
}

type weightedStamp struct {
	at     time.Time
	weight int
}

// fixedState is the per-(client,resource,rule) fixed window counter.
type fixedState struct {
	bucket int64
	count  int
}

// Limiter holds the rule set and algorithm state.
type Limiter struct {
	mu      sync.Mutex
	enabled bool
	rules   []*Rule // kept sorted by priority desc
	tokens  map[string]*tokenState
	windows map[string]*windowState
	fixed   map[string]*fixedState
	stats   map[string]*RuleStats

	sweepInterval time.Duration
	logger        contracts.Logger
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// New creates a limiter and starts the idle-state sweep.
func New(config *Config, logger contracts.Logger) *Limiter {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = contracts.NopLogger{}
	}

	l := &Limiter{
		enabled:       config.Enabled,
		tokens:        make(map[string]*tokenState),
		windows:       make(map[string]*windowState),
		fixed:         make(map[string]*fixedState),
		stats:         make(map[string]*RuleStats),
		sweepInterval: config.SweepInterval,
		logger:        logger.Named("ratelimit"),
		stopCh:        make(chan struct{}),
	}
	for _, r := range config.Rules {
		l.rules = append(l.rules, clampRule(r))
		l.stats[r.ID] = &RuleStats{}
	}
	l.sortRules()

	go l.sweepLoop()
	return l
}

// Close stops the sweep goroutine.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Check evaluates the applicable rules for (clientID, resource) at the
// given weight. Disabled limiter or empty rule set always allows.
func (l *Limiter) Check(clientID, resource string, weight int) Result {
	if weight <= 0 {
		weight = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return Result{Allowed: true, Remaining: -1}
	}

	now := time.Now()
	type pending struct {
		rule *Rule
		res  Result
	}
	var admits []pending

	for _, rule := range l.rules {
		if !rule.Enabled {
			continue
		}
		if rule.Resource != "" && rule.Resource != resource {
			continue
		}

		st := l.stats[rule.ID]
		if st == nil {
			st = &RuleStats{}
			l.stats[rule.ID] = st
		}
		st.Checked++

		res := l.evaluate(rule, clientID, resource, weight, now)
		if !res.Allowed {
			st.Denied++
			l.logger.Debug("rate limit denied",
				"client", clientID, "resource", resource, "rule", rule.Name, "retry_after", res.RetryAfter)
			return res
		}
		admits = append(admits, pending{rule: rule, res: res})
	}

	if len(admits) == 0 {
		return Result{Allowed: true, Remaining: -1}
	}

	// Commit the weight against every allowing rule and report the most
	// constrained one.
	tightest := admits[0].res
	for _, p := range admits {
		l.commit(p.rule, clientID, resource, weight, now)
		l.stats[p.rule.ID].Allowed++
		if tightest.Remaining < 0 || (p.res.Remaining >= 0 && p.res.Remaining < tightest.Remaining) {
			tightest = p.res
		}
	}
	tightest.Remaining -= weight
	if tightest.Remaining < 0 {
		tightest.Remaining = 0
	}
	return tightest
}

// Reset purges all state for one client across all rules.
func (l *Limiter) Reset(clientID string) {
	prefix := clientID + "|"
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.tokens {
		if strings.HasPrefix(k, prefix) {
			delete(l.tokens, k)
		}
	}
	for k := range l.windows {
		if strings.HasPrefix(k, prefix) {
			delete(l.windows, k)
		}
	}
	for k := range l.fixed {
		if strings.HasPrefix(k, prefix) {
			delete(l.fixed, k)
		}
	}
}

// AddRule installs a rule at runtime.
func (l *Limiter) AddRule(rule *Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules = append(l.rules, clampRule(rule))
	l.stats[rule.ID] = &RuleStats{}
	l.sortRules()
}

// UpdateRule replaces a rule by id; per-client state is kept since the
// accounting keys are stable.
func (l *Limiter) UpdateRule(rule *Rule) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, r := range l.rules {
		if r.ID == rule.ID {
			l.rules[i] = clampRule(rule)
			l.sortRules()
			return true
		}
	}
	return false
}

// RemoveRule drops a rule and deletes all per-client state suffixed by its
// id.
func (l *Limiter) RemoveRule(id string) bool {
	suffix := "|" + id
	l.mu.Lock()
	defer l.mu.Unlock()

	found := false
	kept := l.rules[:0]
	for _, r := range l.rules {
		if r.ID == id {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	l.rules = kept
	if !found {
		return false
	}

	delete(l.stats, id)
	for k := range l.tokens {
		if strings.HasSuffix(k, suffix) {
			delete(l.tokens, k)
		}
	}
	for k := range l.windows {
		if strings.HasSuffix(k, suffix) {
			delete(l.windows, k)
		}
	}
	for k := range l.fixed {
		if strings.HasSuffix(k, suffix) {
			delete(l.fixed, k)
		}
	}
	return true
}

// SetEnabled toggles the limiter.
func (l *Limiter) SetEnabled(enabled bool) {
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

// Rules returns a snapshot of the rule set in evaluation order.
func (l *Limiter) Rules() []*Rule {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Rule, len(l.rules))
	copy(out, l.rules)
	return out
}

// Stats returns per-rule counters.
func (l *Limiter) Stats() map[string]RuleStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]RuleStats, len(l.stats))
	for id, s := range l.stats {
		out[id] = *s
	}
	return out
}

func (l *Limiter) sortRules() {
	sort.SliceStable(l.rules, func(i, j int) bool {
		return l.rules[i].Priority > l.rules[j].Priority
	})
}

func stateKey(clientID, resource, ruleID string) string {
	return clientID + "|" + resource + "|" + ruleID
}

// defaultWindow backs window algorithms whose rule omits a window, so a
// half-specified rule cannot divide by zero in the hot path.
const defaultWindow = time.Minute

// clampRule normalizes a rule before it enters the set.
func clampRule(r *Rule) *Rule {
	if r.Window <= 0 && (r.Algorithm == SlidingWindow || r.Algorithm == FixedWindow) {
		r.Window = defaultWindow
	}
	return r
}

// evaluate answers whether the rule would admit weight without consuming
// budget. Caller holds the lock.
func (l *Limiter) evaluate(rule *Rule, clientID, resource string, weight int, now time.Time) Result {
	key := stateKey(clientID, resource, rule.ID)

	switch rule.Algorithm {
	case TokenBucket:
		st, ok := l.tokens[key]
		if !ok {
			st = &tokenState{tokens: rule.capacity(), lastUpdate: now}
			l.tokens[key] = st
		}
		l.refill(rule, st, now)

		if st.tokens >= float64(weight) {
			return Result{
				Allowed:   true,
				Remaining: int(st.tokens),
				ResetAt:   now.Add(time.Duration((rule.capacity() - st.tokens) / rule.refillRate() * float64(time.Second))),
				Rule:      rule,
			}
		}
		retryAfter := time.Duration((float64(weight) - st.tokens) / rule.refillRate() * float64(time.Second))
		return Result{
			Allowed:    false,
			Remaining:  int(st.tokens),
			ResetAt:    now.Add(retryAfter),
			RetryAfter: retryAfter,
			Rule:       rule,
		}

	case SlidingWindow:
		st, ok := l.windows[key]
		if !ok {
			st = &windowState{}
			l.windows[key] = st
		}
		cutoff := now.Add(-rule.Window)
		kept := st.entries[:0]
		used := 0
		oldest := now
		for _, e := range st.entries {
			if e.at.After(cutoff) {
				kept = append(kept, e)
				used += e.weight
				if e.at.Before(oldest) {
					oldest = e.at
				}
			}
		}
		st.entries = kept

		resetAt := oldest.Add(rule.Window)
		if used+weight <= rule.MaxRequests {
			return Result{Allowed: true, Remaining: rule.MaxRequests - used, ResetAt: resetAt, Rule: rule}
		}
		return Result{
			Allowed:    false,
			Remaining:  rule.MaxRequests - used,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
			Rule:       rule,
		}

	case FixedWindow:
		win := rule.Window
		if win <= 0 {
			// Rules are clamped on entry; this guards callers that mutate
			// an installed rule in place.
			win = defaultWindow
		}
		st, ok := l.fixed[key]
		bucket := now.UnixMilli() / win.Milliseconds()
		if !ok {
			st = &fixedState{bucket: bucket}
			l.fixed[key] = st
		}
		if st.bucket != bucket {
			st.bucket = bucket
			st.count = 0
		}
		bucketStart := time.UnixMilli(bucket * win.Milliseconds())
		resetAt := bucketStart.Add(win)

		if st.count+weight <= rule.MaxRequests {
			return Result{Allowed: true, Remaining: rule.MaxRequests - st.count, ResetAt: resetAt, Rule: rule}
		}
		return Result{
			Allowed:    false,
			Remaining:  rule.MaxRequests - st.count,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
			Rule:       rule,
		}
	}

	// Unknown algorithm admits; misconfiguration should not lock clients out.
	return Result{Allowed: true, Remaining: -1, Rule: rule}
}

// commit consumes weight from the rule's state. Caller holds the lock and
// has already established admission.
func (l *Limiter) commit(rule *Rule, clientID, resource string, weight int, now time.Time) {
	key := stateKey(clientID, resource, rule.ID)

	switch rule.Algorithm {
	case TokenBucket:
		if st, ok := l.tokens[key]; ok {
			st.tokens -= float64(weight)
			if st.tokens < 0 {
				st.tokens = 0
			}
		}
	case SlidingWindow:
		if st, ok := l.windows[key]; ok {
			st.entries = append(st.entries, weightedStamp{at: now, weight: weight})
		}
	case FixedWindow:
		if st, ok := l.fixed[key]; ok {
			st.count += weight
		}
	}
}

func (l *Limiter) refill(rule *Rule, st *tokenState, now time.Time) {
	elapsed := now.Sub(st.lastUpdate)
	if elapsed <= 0 {
		return
	}
	st.tokens += elapsed.Seconds() * rule.refillRate()
	if ceiling := rule.capacity(); st.tokens > ceiling {
		st.tokens = ceiling
	}
	st.lastUpdate = now
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

// sweep removes state whose window has closed with no traffic.
func (l *Limiter) sweep() {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	ruleByID := make(map[string]*Rule, len(l.rules))
	for _, r := range l.rules {
		ruleByID[r.ID] = r
	}
	windowFor := func(key string) time.Duration {
		idx := strings.LastIndex(key, "|")
		if idx < 0 {
			return 0
		}
		if r, ok := ruleByID[key[idx+1:]]; ok {
			return r.Window
		}
		return 0
	}

	for k, st := range l.tokens {
		w := windowFor(k)
		if w > 0 && now.Sub(st.lastUpdate) > 2*w {
			delete(l.tokens, k)
		}
	}
	for k, st := range l.windows {
		w := windowFor(k)
		stale := true
		cutoff := now.Add(-w)
		for _, e := range st.entries {
			if e.at.After(cutoff) {
				stale = false
				break
			}
		}
		if w > 0 && stale {
			delete(l.windows, k)
		}
	}
	for k, st := range l.fixed {
		w := windowFor(k)
		if w > 0 && now.UnixMilli()/w.Milliseconds() != st.bucket {
			delete(l.fixed, k)
		}
	}
}
