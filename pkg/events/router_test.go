package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/traderlink/mtgate/pkg/transport"
)

func testRouter(t *testing.T, config *RouterConfig) *Router {
	t.Helper()
	if config == nil {
		config = &RouterConfig{
			MaxQueueSize:       128,
			BatchSize:          32,
			ProcessingInterval: 2 * time.Millisecond,
			StaleAfter:         5 * time.Minute,
			DropHeartbeats:     true,
		}
	}
	r := NewRouter(config, nil)
	t.Cleanup(r.Shutdown)
	return r
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRouterDispatch(t *testing.T) {
	t.Run("handlers fire in priority order, ties by registration", func(t *testing.T) {
		r := testRouter(t, nil)

		var mu sync.Mutex
		var order []string
		record := func(name string) Handler {
			return func(*Event) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
			}
		}

		// A at priority 10, B at 1, C also at 10 but registered after A.
		r.Subscribe(&Filter{Type: TypeTick}, record("A"), 10)
		r.Subscribe(&Filter{Type: TypeTick}, record("B"), 1)
		r.Subscribe(&Filter{Type: TypeTick}, record("C"), 10)

		r.Publish(New(TypeTick, "tick.EURUSD", map[string]any{"bid": 1.1}))

		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(order) == 3
		})

		mu.Lock()
		defer mu.Unlock()
		want := []string{"A", "C", "B"}
		for i := range want {
			if order[i] != want[i] {
				t.Fatalf("expected order %v, got %v", want, order)
			}
		}
	})

	t.Run("subscription filter narrows delivery", func(t *testing.T) {
		r := testRouter(t, nil)

		var ticks, orders atomic.Int64
		r.Subscribe(&Filter{Type: TypeTick}, func(*Event) { ticks.Add(1) }, 0)
		r.Subscribe(&Filter{Type: TypeOrder}, func(*Event) { orders.Add(1) }, 0)

		r.Publish(New(TypeTick, "tick.EURUSD", nil))
		r.Publish(New(TypeTick, "tick.GBPUSD", nil))
		r.Publish(New(TypeOrder, "order", nil))

		waitFor(t, func() bool { return r.Stats().Processed == 3 })
		if ticks.Load() != 2 || orders.Load() != 1 {
			t.Errorf("expected 2 ticks / 1 order, got %d / %d", ticks.Load(), orders.Load())
		}
	})

	t.Run("equals and predicate filters apply", func(t *testing.T) {
		r := testRouter(t, nil)

		var hits atomic.Int64
		r.Subscribe(&Filter{
			Type:   TypeTick,
			Equals: map[string]any{"symbol": "EURUSD"},
			Predicate: func(e *Event) bool {
				bid, _ := e.Data["bid"].(float64)
				return bid > 1.0
			},
		}, func(*Event) { hits.Add(1) }, 0)

		r.Publish(New(TypeTick, "tick", map[string]any{"symbol": "EURUSD", "bid": 1.08}))
		r.Publish(New(TypeTick, "tick", map[string]any{"symbol": "GBPUSD", "bid": 1.27}))
		r.Publish(New(TypeTick, "tick", map[string]any{"symbol": "EURUSD", "bid": 0.5}))

		waitFor(t, func() bool { return r.Stats().Processed == 3 })
		if hits.Load() != 1 {
			t.Errorf("expected exactly 1 match, got %d", hits.Load())
		}
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		r := testRouter(t, nil)

		var hits atomic.Int64
		sub := r.Subscribe(nil, func(*Event) { hits.Add(1) }, 0)

		r.Publish(New(TypeTick, "tick", nil))
		waitFor(t, func() bool { return hits.Load() == 1 })

		if !r.Unsubscribe(sub.ID) {
			t.Fatal("unsubscribe reported missing subscription")
		}
		if r.Unsubscribe(sub.ID) {
			t.Error("second unsubscribe should report false")
		}

		r.Publish(New(TypeTick, "tick", nil))
		waitFor(t, func() bool { return r.Stats().Processed == 2 })
		if hits.Load() != 1 {
			t.Errorf("handler fired after unsubscribe: %d", hits.Load())
		}
	})

	t.Run("panicking handler does not suppress later handlers", func(t *testing.T) {
		r := testRouter(t, nil)

		var survived atomic.Bool
		r.Subscribe(nil, func(*Event) { panic("boom") }, 10)
		r.Subscribe(nil, func(*Event) { survived.Store(true) }, 1)

		r.Publish(New(TypeTick, "tick", nil))

		waitFor(t, func() bool { return r.Stats().Processed == 1 })
		if !survived.Load() {
			t.Error("lower-priority handler never ran after panic")
		}
		if r.Stats().HandlerErr != 1 {
			t.Errorf("expected 1 handler error, got %d", r.Stats().HandlerErr)
		}
	})
}

func TestRouterFilters(t *testing.T) {
	t.Run("heartbeats dropped by default", func(t *testing.T) {
		r := testRouter(t, nil)

		var hits atomic.Int64
		r.Subscribe(nil, func(*Event) { hits.Add(1) }, 0)

		r.Publish(New(TypeHeartbeat, "heartbeat", nil))
		r.Publish(New(TypeTick, "tick", nil))

		waitFor(t, func() bool {
			s := r.Stats()
			return s.Processed+s.Filtered == 2
		})
		if hits.Load() != 1 {
			t.Errorf("expected only the tick to arrive, got %d", hits.Load())
		}
		if r.Stats().Filtered != 1 {
			t.Errorf("expected 1 filtered, got %d", r.Stats().Filtered)
		}
	})

	t.Run("stale events dropped", func(t *testing.T) {
		r := testRouter(t, nil)

		var hits atomic.Int64
		r.Subscribe(nil, func(*Event) { hits.Add(1) }, 0)

		old := New(TypeTick, "tick", nil)
		old.Timestamp = time.Now().Add(-10 * time.Minute)
		r.Publish(old)

		waitFor(t, func() bool { return r.Stats().Filtered == 1 })
		if hits.Load() != 0 {
			t.Error("stale event should not reach handlers")
		}
	})

	t.Run("type filter applies only to its type", func(t *testing.T) {
		r := testRouter(t, nil)

		r.AddTypeFilter(TypeTick, func(e *Event) bool {
			sym, _ := e.Data["symbol"].(string)
			return sym != "XAUUSD"
		})

		var hits atomic.Int64
		r.Subscribe(nil, func(*Event) { hits.Add(1) }, 0)

		r.Publish(New(TypeTick, "tick", map[string]any{"symbol": "XAUUSD"}))
		r.Publish(New(TypeOrder, "order", map[string]any{"symbol": "XAUUSD"}))

		waitFor(t, func() bool {
			s := r.Stats()
			return s.Processed+s.Filtered == 2
		})
		if hits.Load() != 1 {
			t.Errorf("expected only the order to pass, got %d", hits.Load())
		}
	})
}

func TestRouterQueue(t *testing.T) {
	t.Run("overflow drops and counts", func(t *testing.T) {
		r := testRouter(t, &RouterConfig{
			MaxQueueSize:       4,
			BatchSize:          4,
			ProcessingInterval: time.Hour, // never drains during the test
		})

		var overflowSeen atomic.Uint64
		r.OnOverflow(func(n uint64) { overflowSeen.Store(n) })

		for i := 0; i < 10; i++ {
			r.Publish(New(TypeTick, "tick", nil))
		}

		s := r.Stats()
		if s.Published != 4 {
			t.Errorf("expected 4 accepted, got %d", s.Published)
		}
		if s.Dropped != 6 {
			t.Errorf("expected 6 dropped, got %d", s.Dropped)
		}
		if overflowSeen.Load() != 6 {
			t.Errorf("overflow callback saw %d", overflowSeen.Load())
		}
	})

	t.Run("pause retains queue, resume drains it", func(t *testing.T) {
		r := testRouter(t, nil)

		var hits atomic.Int64
		r.Subscribe(nil, func(*Event) { hits.Add(1) }, 0)

		r.Pause()
		for i := 0; i < 5; i++ {
			r.Publish(New(TypeTick, "tick", nil))
		}
		time.Sleep(20 * time.Millisecond)
		if hits.Load() != 0 {
			t.Fatalf("paused router dispatched %d events", hits.Load())
		}

		r.Resume()
		waitFor(t, func() bool { return hits.Load() == 5 })
	})

	t.Run("clear discards queued events", func(t *testing.T) {
		r := testRouter(t, &RouterConfig{
			MaxQueueSize:       64,
			BatchSize:          8,
			ProcessingInterval: time.Hour,
		})

		for i := 0; i < 7; i++ {
			r.Publish(New(TypeTick, "tick", nil))
		}
		if n := r.Clear(); n != 7 {
			t.Errorf("expected 7 cleared, got %d", n)
		}
		if r.Stats().QueueDepth != 0 {
			t.Error("queue not empty after clear")
		}
	})

	t.Run("shutdown drains queued events once", func(t *testing.T) {
		r := NewRouter(&RouterConfig{
			MaxQueueSize:       64,
			BatchSize:          8,
			ProcessingInterval: time.Hour,
		}, nil)

		var hits atomic.Int64
		r.Subscribe(nil, func(*Event) { hits.Add(1) }, 0)
		for i := 0; i < 6; i++ {
			r.Publish(New(TypeTick, "tick", nil))
		}

		r.Shutdown()
		if hits.Load() != 6 {
			t.Errorf("shutdown drained %d of 6", hits.Load())
		}
		if r.Publish(New(TypeTick, "tick", nil)) {
			t.Error("publish after shutdown should fail")
		}
	})
}

func TestRouterOrdering(t *testing.T) {
	t.Run("same source dispatches in arrival order", func(t *testing.T) {
		r := testRouter(t, &RouterConfig{
			MaxQueueSize:       512,
			BatchSize:          16, // small batches force multi-batch draining
			ProcessingInterval: time.Millisecond,
		})

		var mu sync.Mutex
		var seen []int
		r.Subscribe(&Filter{Type: TypeTick}, func(e *Event) {
			mu.Lock()
			seen = append(seen, int(e.Data["seq"].(float64)))
			mu.Unlock()
		}, 0)

		const n = 200
		for i := 0; i < n; i++ {
			r.Publish(New(TypeTick, "tick.EURUSD", map[string]any{"seq": float64(i)}))
		}

		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) == n
		})

		mu.Lock()
		defer mu.Unlock()
		for i, got := range seen {
			if got != i {
				t.Fatalf("event %d arrived at position %d: %v...", got, i, seen[:i+1])
			}
		}
	})

	t.Run("distinct sources keep their own order", func(t *testing.T) {
		r := testRouter(t, &RouterConfig{
			MaxQueueSize:       512,
			BatchSize:          16,
			ProcessingInterval: time.Millisecond,
		})

		var mu sync.Mutex
		perSource := make(map[string][]int)
		r.Subscribe(&Filter{Type: TypeTick}, func(e *Event) {
			mu.Lock()
			perSource[e.Source] = append(perSource[e.Source], int(e.Data["seq"].(float64)))
			mu.Unlock()
		}, 0)

		const n = 100
		for i := 0; i < n; i++ {
			r.Publish(New(TypeTick, "tick.EURUSD", map[string]any{"seq": float64(i)}))
			r.Publish(New(TypeTick, "tick.GBPUSD", map[string]any{"seq": float64(i)}))
		}

		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(perSource["tick.EURUSD"]) == n && len(perSource["tick.GBPUSD"]) == n
		})

		mu.Lock()
		defer mu.Unlock()
		for source, seen := range perSource {
			for i, got := range seen {
				if got != i {
					t.Fatalf("%s: event %d arrived at position %d", source, got, i)
				}
			}
		}
	})
}

func TestFromEnvelope(t *testing.T) {
	env := &transport.Envelope{
		ID:        "e1",
		Type:      "TICK",
		Topic:     "tick.EURUSD",
		Timestamp: time.Now().UnixMilli(),
		Data:      []byte(`{"bid":1.0851,"ask":1.0853}`),
	}
	e, err := FromEnvelope(env)
	if err != nil {
		t.Fatal(err)
	}
	if e.Type != TypeTick {
		t.Errorf("expected tick, got %s", e.Type)
	}
	if e.Metadata["topic"] != "tick.EURUSD" {
		t.Errorf("topic metadata missing: %v", e.Metadata)
	}
	if e.Data["bid"] != 1.0851 {
		t.Errorf("payload not decoded: %v", e.Data)
	}

	if typeForTopic("candle.GBPUSD.M1") != TypeOHLC {
		t.Error("candle topics should map to ohlc")
	}
	if typeForTopic("unknown.thing") != TypeError {
		t.Error("unknown topics should map to error")
	}
}
