package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(rules ...*Rule) *Limiter {
	return New(&Config{Enabled: true, Rules: rules}, nil)
}

func TestTokenBucket(t *testing.T) {
	t.Run("burst admissions then denial with retryAfter", func(t *testing.T) {
		l := newTestLimiter(&Rule{
			ID: "tb", Name: "burst", Algorithm: TokenBucket,
			MaxRequests: 5, Burst: 5, RefillPerSec: 1, Priority: 10, Enabled: true,
		})
		defer l.Close()

		for i := 0; i < 5; i++ {
			if res := l.Check("c1", "trade", 1); !res.Allowed {
				t.Fatalf("admission %d denied", i+1)
			}
		}

		res := l.Check("c1", "trade", 1)
		if res.Allowed {
			t.Fatal("6th admission should be denied")
		}
		if res.RetryAfter < 900*time.Millisecond || res.RetryAfter > 1100*time.Millisecond {
			t.Errorf("expected retryAfter ~1s, got %v", res.RetryAfter)
		}
		if res.Rule == nil || res.Rule.ID != "tb" {
			t.Errorf("denial should name the rule, got %+v", res.Rule)
		}
	})

	t.Run("tokens refill over time", func(t *testing.T) {
		l := newTestLimiter(&Rule{
			ID: "tb2", Algorithm: TokenBucket,
			MaxRequests: 2, Burst: 2, RefillPerSec: 20, Priority: 1, Enabled: true,
		})
		defer l.Close()

		_ = l.Check("c1", "r", 2)
		if res := l.Check("c1", "r", 1); res.Allowed {
			t.Fatal("bucket should be empty")
		}

		time.Sleep(100 * time.Millisecond) // ~2 tokens refilled
		if res := l.Check("c1", "r", 1); !res.Allowed {
			t.Errorf("expected admission after refill, remaining=%d", res.Remaining)
		}
	})

	t.Run("clients are independent", func(t *testing.T) {
		l := newTestLimiter(&Rule{
			ID: "tb3", Algorithm: TokenBucket,
			MaxRequests: 1, Burst: 1, RefillPerSec: 0.001, Priority: 1, Enabled: true,
		})
		defer l.Close()

		if res := l.Check("a", "r", 1); !res.Allowed {
			t.Fatal("first client denied")
		}
		if res := l.Check("b", "r", 1); !res.Allowed {
			t.Error("second client should have its own bucket")
		}
	})
}

func TestSlidingWindow(t *testing.T) {
	t.Run("caps admissions in window", func(t *testing.T) {
		l := newTestLimiter(&Rule{
			ID: "sw", Algorithm: SlidingWindow,
			Window: 100 * time.Millisecond, MaxRequests: 3, Priority: 1, Enabled: true,
		})
		defer l.Close()

		for i := 0; i < 3; i++ {
			if res := l.Check("c", "r", 1); !res.Allowed {
				t.Fatalf("admission %d denied", i+1)
			}
		}
		if res := l.Check("c", "r", 1); res.Allowed {
			t.Fatal("4th admission should be denied")
		}

		time.Sleep(120 * time.Millisecond)
		if res := l.Check("c", "r", 1); !res.Allowed {
			t.Error("window should have slid past old admissions")
		}
	})

	t.Run("weights count fully", func(t *testing.T) {
		l := newTestLimiter(&Rule{
			ID: "sww", Algorithm: SlidingWindow,
			Window: time.Minute, MaxRequests: 5, Priority: 1, Enabled: true,
		})
		defer l.Close()

		if res := l.Check("c", "r", 3); !res.Allowed {
			t.Fatal("weight-3 admission denied")
		}
		if res := l.Check("c", "r", 3); res.Allowed {
			t.Error("weight 3+3 exceeds max 5, should deny")
		}
		if res := l.Check("c", "r", 2); !res.Allowed {
			t.Error("weight 3+2 fits max 5, should allow")
		}
	})
}

func TestFixedWindow(t *testing.T) {
	t.Run("counts reset at bucket boundaries", func(t *testing.T) {
		l := newTestLimiter(&Rule{
			ID: "fw", Algorithm: FixedWindow,
			Window: 80 * time.Millisecond, MaxRequests: 2, Priority: 1, Enabled: true,
		})
		defer l.Close()

		if res := l.Check("c", "r", 2); !res.Allowed {
			t.Fatal("initial admission denied")
		}
		if res := l.Check("c", "r", 1); res.Allowed {
			t.Fatal("window budget exhausted, should deny")
		}

		time.Sleep(100 * time.Millisecond) // next bucket
		if res := l.Check("c", "r", 1); !res.Allowed {
			t.Error("new fixed window should reset the count")
		}
	})

	t.Run("zero window falls back to a default", func(t *testing.T) {
		l := newTestLimiter(&Rule{
			ID: "fw0", Algorithm: FixedWindow,
			MaxRequests: 2, Priority: 1, Enabled: true,
		})
		defer l.Close()

		for i := 0; i < 2; i++ {
			if res := l.Check("c", "r", 1); !res.Allowed {
				t.Fatalf("admission %d denied", i+1)
			}
		}
		if res := l.Check("c", "r", 1); res.Allowed {
			t.Fatal("budget exhausted, should deny")
		}

		l.AddRule(&Rule{ID: "sw0", Algorithm: SlidingWindow, MaxRequests: 1, Priority: 5, Enabled: true})
		if res := l.Check("c2", "r", 1); !res.Allowed {
			t.Fatal("first admission under added rule denied")
		}
		if res := l.Check("c2", "r", 1); res.Allowed {
			t.Fatal("added zero-window rule must still enforce its cap")
		}
	})
}

func TestRuleEvaluation(t *testing.T) {
	t.Run("highest priority denial wins", func(t *testing.T) {
		l := newTestLimiter(
			&Rule{ID: "loose", Algorithm: FixedWindow, Window: time.Minute, MaxRequests: 100, Priority: 1, Enabled: true},
			&Rule{ID: "tight", Algorithm: FixedWindow, Window: time.Minute, MaxRequests: 1, Priority: 10, Enabled: true},
		)
		defer l.Close()

		_ = l.Check("c", "r", 1)
		res := l.Check("c", "r", 1)
		if res.Allowed {
			t.Fatal("tight rule should deny")
		}
		if res.Rule.ID != "tight" {
			t.Errorf("expected tight rule to win, got %s", res.Rule.ID)
		}
	})

	t.Run("denied request consumes no budget on other rules", func(t *testing.T) {
		l := newTestLimiter(
			&Rule{ID: "gate", Algorithm: FixedWindow, Window: time.Minute, MaxRequests: 1, Priority: 10, Enabled: true},
			&Rule{ID: "meter", Algorithm: SlidingWindow, Window: time.Minute, MaxRequests: 2, Priority: 1, Enabled: true},
		)
		defer l.Close()

		_ = l.Check("c", "r", 1) // consumes gate + meter
		_ = l.Check("c", "r", 1) // denied by gate; meter must not be charged

		stats := l.Stats()
		if stats["meter"].Allowed != 1 {
			t.Errorf("meter should have exactly one admission, got %d", stats["meter"].Allowed)
		}
	})

	t.Run("resource scoping", func(t *testing.T) {
		l := newTestLimiter(
			&Rule{ID: "trade-only", Algorithm: FixedWindow, Resource: "trade", Window: time.Minute, MaxRequests: 1, Priority: 5, Enabled: true},
		)
		defer l.Close()

		_ = l.Check("c", "trade", 1)
		if res := l.Check("c", "trade", 1); res.Allowed {
			t.Error("trade resource should be limited")
		}
		if res := l.Check("c", "quotes", 1); !res.Allowed {
			t.Error("other resources should pass")
		}
	})

	t.Run("disabled rule is skipped", func(t *testing.T) {
		l := newTestLimiter(
			&Rule{ID: "off", Algorithm: FixedWindow, Window: time.Minute, MaxRequests: 0, Priority: 5, Enabled: false},
		)
		defer l.Close()

		if res := l.Check("c", "r", 1); !res.Allowed {
			t.Error("disabled rule should not deny")
		}
	})

	t.Run("disabled limiter always allows", func(t *testing.T) {
		l := New(&Config{Enabled: false, Rules: []*Rule{
			{ID: "x", Algorithm: FixedWindow, Window: time.Minute, MaxRequests: 0, Priority: 1, Enabled: true},
		}}, nil)
		defer l.Close()

		if res := l.Check("c", "r", 1); !res.Allowed {
			t.Error("disabled limiter should allow")
		}
	})
}

func TestRuleMutation(t *testing.T) {
	t.Run("remove rule deletes its state", func(t *testing.T) {
		l := newTestLimiter(
			&Rule{ID: "gone", Algorithm: SlidingWindow, Window: time.Minute, MaxRequests: 1, Priority: 1, Enabled: true},
		)
		defer l.Close()

		_ = l.Check("c", "r", 1)
		if !l.RemoveRule("gone") {
			t.Fatal("rule not found")
		}

		l.mu.Lock()
		leftover := len(l.windows)
		l.mu.Unlock()
		if leftover != 0 {
			t.Errorf("expected state purge, %d entries left", leftover)
		}

		if res := l.Check("c", "r", 1); !res.Allowed {
			t.Error("no rules left, should allow")
		}
	})

	t.Run("reset purges one client only", func(t *testing.T) {
		l := newTestLimiter(
			&Rule{ID: "q", Algorithm: FixedWindow, Window: time.Hour, MaxRequests: 1, Priority: 1, Enabled: true},
		)
		defer l.Close()

		_ = l.Check("a", "r", 1)
		_ = l.Check("b", "r", 1)

		l.Reset("a")

		if res := l.Check("a", "r", 1); !res.Allowed {
			t.Error("reset client should be admitted again")
		}
		if res := l.Check("b", "r", 1); res.Allowed {
			t.Error("other client state must survive reset")
		}
	})

	t.Run("update rule changes behavior", func(t *testing.T) {
		l := newTestLimiter(
			&Rule{ID: "u", Algorithm: FixedWindow, Window: time.Hour, MaxRequests: 1, Priority: 1, Enabled: true},
		)
		defer l.Close()

		_ = l.Check("c", "r", 1)
		if res := l.Check("c", "r", 1); res.Allowed {
			t.Fatal("should deny at max 1")
		}

		if !l.UpdateRule(&Rule{ID: "u", Algorithm: FixedWindow, Window: time.Hour, MaxRequests: 10, Priority: 1, Enabled: true}) {
			t.Fatal("update failed")
		}
		if res := l.Check("c", "r", 1); !res.Allowed {
			t.Error("raised limit should admit")
		}
	})
}
