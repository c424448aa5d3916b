package events

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/traderlink/mtgate/pkg/contracts"
)

// Handler consumes one event. Failures (panics) are caught and logged;
// they never abort the batch or suppress later handlers.
type Handler func(*Event)

// GlobalFilter can veto any event before routing. Returning false drops
// the event.
type GlobalFilter func(*Event) bool

// Subscription binds a filter and handler at a priority. For one event,
// handlers fire in descending priority; ties break on CreatedAt ascending.
type Subscription struct {
	ID        string
	Filter    *Filter
	Handler   Handler
	Priority  int
	Active    bool
	CreatedAt time.Time

	lastFired atomic.Int64 // unix nanos
	fireCount atomic.Uint64
}

// LastFired returns the time the handler last ran, zero if never.
func (s *Subscription) LastFired() time.Time {
	n := s.lastFired.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// FireCount returns how many events the handler has received.
func (s *Subscription) FireCount() uint64 { return s.fireCount.Load() }

// RouterConfig tunes the dispatch loop.
type RouterConfig struct {
	// MaxQueueSize bounds the pending-event FIFO; overflow drops new events
	MaxQueueSize int

	// BatchSize caps events drained per tick
	BatchSize int

	// ProcessingInterval is the scheduler tick
	ProcessingInterval time.Duration

	// StaleAfter drops events older than this at routing time
	StaleAfter time.Duration

	// DropHeartbeats installs the default heartbeat filter
	DropHeartbeats bool
}

// DefaultRouterConfig returns sensible defaults.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		MaxQueueSize:       10000,
		BatchSize:          64,
		ProcessingInterval: 10 * time.Millisecond,
		StaleAfter:         5 * time.Minute,
		DropHeartbeats:     true,
	}
}

// RouterStats is a dispatch counter snapshot.
type RouterStats struct {
	QueueDepth int
	Published  uint64
	Processed  uint64
	Dropped    uint64
	Filtered   uint64
	HandlerErr uint64
}

// Router owns the bounded event FIFO and the subscription registry. A
// scheduler goroutine drains batches; handler invocation happens outside
// the registry lock.
type Router struct {
	config *RouterConfig
	logger contracts.Logger

	queue chan *Event

	mu            sync.RWMutex
	subs          map[string]*Subscription
	globalFilters []GlobalFilter
	typeFilters   map[Type][]GlobalFilter
	paused        bool

	published  atomic.Uint64
	processed  atomic.Uint64
	dropped    atomic.Uint64
	filtered   atomic.Uint64
	handlerErr atomic.Uint64

	onOverflow func(dropped uint64)

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewRouter creates a router and starts its scheduler.
func NewRouter(config *RouterConfig, logger contracts.Logger) *Router {
	if config == nil {
		config = DefaultRouterConfig()
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = 10000
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 64
	}
	if config.ProcessingInterval <= 0 {
		config.ProcessingInterval = 10 * time.Millisecond
	}
	if logger == nil {
		logger = contracts.NopLogger{}
	}

	r := &Router{
		config:      config,
		logger:      logger.Named("router"),
		queue:       make(chan *Event, config.MaxQueueSize),
		subs:        make(map[string]*Subscription),
		typeFilters: make(map[Type][]GlobalFilter),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	if config.DropHeartbeats {
		r.globalFilters = append(r.globalFilters, func(e *Event) bool {
			return e.Type != TypeHeartbeat
		})
	}
	if config.StaleAfter > 0 {
		staleAfter := config.StaleAfter
		r.globalFilters = append(r.globalFilters, func(e *Event) bool {
			return time.Since(e.Timestamp) < staleAfter
		})
	}

	go r.scheduleLoop()
	return r
}

// Subscribe registers a handler. The returned subscription is active
// immediately.
func (r *Router) Subscribe(filter *Filter, handler Handler, priority int) *Subscription {
	sub := &Subscription{
		ID:        uuid.NewString(),
		Filter:    filter,
		Handler:   handler,
		Priority:  priority,
		Active:    true,
		CreatedAt: time.Now(),
	}
	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription. Events not yet scheduled will not
// reach its handler.
func (r *Router) Unsubscribe(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return false
	}
	delete(r.subs, id)
	return true
}

// AddGlobalFilter appends a veto applied to every event in declaration
// order.
func (r *Router) AddGlobalFilter(f GlobalFilter) {
	r.mu.Lock()
	r.globalFilters = append(r.globalFilters, f)
	r.mu.Unlock()
}

// AddTypeFilter appends a veto applied only to events of one type.
func (r *Router) AddTypeFilter(t Type, f GlobalFilter) {
	r.mu.Lock()
	r.typeFilters[t] = append(r.typeFilters[t], f)
	r.mu.Unlock()
}

// OnOverflow installs the sustained-drop signal consumed by the
// supervisor.
func (r *Router) OnOverflow(fn func(dropped uint64)) {
	r.mu.Lock()
	r.onOverflow = fn
	r.mu.Unlock()
}

// Publish enqueues an event. On overflow the event is dropped, the
// counter incremented and a warning emitted.
func (r *Router) Publish(e *Event) bool {
	select {
	case <-r.stopCh:
		return false
	default:
	}

	select {
	case r.queue <- e:
		r.published.Add(1)
		return true
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("event queue full, dropping event", "type", e.Type, "dropped_total", n)
		r.mu.RLock()
		overflow := r.onOverflow
		r.mu.RUnlock()
		if overflow != nil {
			overflow(n)
		}
		return false
	}
}

// Pause stops dispatch at the next batch boundary. Queued events are
// retained.
func (r *Router) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Resume restarts dispatch.
func (r *Router) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
}

// Clear discards all queued events. Takes effect atomically between
// batches since the scheduler and Clear both drain the same channel.
func (r *Router) Clear() int {
	n := 0
	for {
		select {
		case <-r.queue:
			n++
		default:
			return n
		}
	}
}

// Stats returns a counter snapshot.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		QueueDepth: len(r.queue),
		Published:  r.published.Load(),
		Processed:  r.processed.Load(),
		Dropped:    r.dropped.Load(),
		Filtered:   r.filtered.Load(),
		HandlerErr: r.handlerErr.Load(),
	}
}

// Shutdown drains the queue once, then stops the scheduler.
func (r *Router) Shutdown() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	<-r.doneCh
}

func (r *Router) scheduleLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.config.ProcessingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.mu.RLock()
			paused := r.paused
			r.mu.RUnlock()
			if !paused {
				r.processBatch(r.config.BatchSize)
			}
		case <-r.stopCh:
			// Final drain, then stop.
			r.processBatch(len(r.queue))
			return
		}
	}
}

// processBatch drains up to n events. Events sharing a source are routed
// sequentially in arrival order; distinct sources run concurrently.
// Batches complete before the next one starts, so ordering also holds
// across batch boundaries.
func (r *Router) processBatch(n int) {
	lanes := make(map[string][]*Event)
drain:
	for i := 0; i < n; i++ {
		select {
		case e := <-r.queue:
			lanes[e.Source] = append(lanes[e.Source], e)
		default:
			break drain
		}
	}
	if len(lanes) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, lane := range lanes {
		wg.Add(1)
		go func(lane []*Event) {
			defer wg.Done()
			for _, e := range lane {
				r.route(e)
			}
		}(lane)
	}
	wg.Wait()
}

func (r *Router) route(e *Event) {
	r.mu.RLock()
	for _, f := range r.globalFilters {
		if !f(e) {
			r.mu.RUnlock()
			r.filtered.Add(1)
			return
		}
	}
	for _, f := range r.typeFilters[e.Type] {
		if !f(e) {
			r.mu.RUnlock()
			r.filtered.Add(1)
			return
		}
	}

	matches := make([]*Subscription, 0, 4)
	for _, sub := range r.subs {
		if sub.Active && sub.Filter.Matches(e) {
			matches = append(matches, sub)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority > matches[j].Priority
		}
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})

	for _, sub := range matches {
		r.invoke(sub, e)
	}
	r.processed.Add(1)
}

// invoke runs one handler with panic isolation, outside all router locks.
func (r *Router) invoke(sub *Subscription, e *Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.handlerErr.Add(1)
			r.logger.Error("event handler panicked", "subscription", sub.ID, "event", e.ID, "panic", rec)
		}
	}()

	sub.lastFired.Store(time.Now().UnixNano())
	sub.fireCount.Add(1)
	sub.Handler(e)
}
