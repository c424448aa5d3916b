package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/traderlink/mtgate/pkg/contracts"
	"github.com/traderlink/mtgate/pkg/errs"
	"github.com/traderlink/mtgate/pkg/ratelimit"
)

func testUsers(t *testing.T) *MemoryUserStore {
	t.Helper()
	users := NewMemoryUserStore(&MemoryUserStoreConfig{
		MaxLoginAttempts: 3,
		LockoutDuration:  time.Hour,
		BcryptCost:       4, // min cost keeps the test fast
	})
	if err := users.AddUser("trader1", "hunter2", "key-abc", []string{"trade.execute", "market.read"}); err != nil {
		t.Fatal(err)
	}
	if err := users.AddUser("admin", "root-pass", "", []string{"*"}); err != nil {
		t.Fatal(err)
	}
	return users
}

func testManager(t *testing.T, config *ManagerConfig) (*Manager, *MemoryAuditStore) {
	t.Helper()
	if config == nil {
		config = DefaultManagerConfig()
		config.SecurityKey = "test-signing-key"
		config.SessionTimeout = time.Minute
	}
	audit := NewMemoryAuditStore(0)
	m, err := NewManager(config, testUsers(t), nil, audit, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	return m, audit
}

func passwordCreds(userID, password string) contracts.Credentials {
	return contracts.Credentials{Method: "password", UserID: userID, Password: password}
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	peer := PeerInfo{Address: "10.0.0.7:51234", AgentUA: "mtgate-test"}

	t.Run("valid credentials mint a bound session", func(t *testing.T) {
		m, audit := testManager(t, nil)

		res, err := m.Authenticate(ctx, passwordCreds("trader1", "hunter2"), peer)
		if err != nil {
			t.Fatal(err)
		}
		if res.SessionID == "" || res.Token == "" {
			t.Fatal("result missing session id or token")
		}
		if !res.ExpiresAt.After(time.Now()) {
			t.Error("session already expired")
		}

		rec, err := m.ValidateSession(ctx, res.SessionID, res.Token)
		if err != nil {
			t.Fatalf("validation failed: %v", err)
		}
		if rec.UserID != "trader1" {
			t.Errorf("expected trader1, got %s", rec.UserID)
		}

		entries, _ := audit.Query(ctx, time.Time{}, 10)
		if len(entries) == 0 || entries[0].Event != "session.created" {
			t.Errorf("expected session.created audit entry, got %+v", entries)
		}
		if entries[0].Risk != contracts.RiskLow {
			t.Errorf("success should be low risk, got %s", entries[0].Risk)
		}
	})

	t.Run("wrong password fails and audits high risk", func(t *testing.T) {
		m, audit := testManager(t, nil)

		_, err := m.Authenticate(ctx, passwordCreds("trader1", "wrong"), peer)
		if !errs.IsKind(err, errs.KindAuthentication) {
			t.Fatalf("expected authentication error, got %v", err)
		}

		entries, _ := audit.Query(ctx, time.Time{}, 10)
		if len(entries) != 1 || entries[0].Event != "auth.failed" || entries[0].Risk != contracts.RiskHigh {
			t.Errorf("expected high-risk auth.failed entry, got %+v", entries)
		}
	})

	t.Run("repeated failures lock the account", func(t *testing.T) {
		m, _ := testManager(t, nil)

		for i := 0; i < 3; i++ {
			_, _ = m.Authenticate(ctx, passwordCreds("trader1", "wrong"), peer)
		}
		_, err := m.Authenticate(ctx, passwordCreds("trader1", "hunter2"), peer)
		if !errs.IsKind(err, errs.KindSecurity) {
			t.Fatalf("expected locked account, got %v", err)
		}
	})

	t.Run("attempts are throttled per peer", func(t *testing.T) {
		config := DefaultManagerConfig()
		config.SecurityKey = "test-signing-key"
		config.AuthRule = &ratelimit.Rule{
			ID:          "auth",
			Algorithm:   ratelimit.FixedWindow,
			Resource:    "auth",
			Window:      time.Minute,
			MaxRequests: 2,
			Priority:    100,
			Enabled:     true,
		}
		m, audit := testManager(t, config)

		for i := 0; i < 2; i++ {
			if _, err := m.Authenticate(ctx, passwordCreds("trader1", "hunter2"), peer); err != nil {
				t.Fatal(err)
			}
		}
		_, err := m.Authenticate(ctx, passwordCreds("trader1", "hunter2"), peer)
		if !errs.IsKind(err, errs.KindRateLimited) {
			t.Fatalf("expected rate limited, got %v", err)
		}

		// Another peer still passes.
		other := PeerInfo{Address: "10.0.0.8:40000"}
		if _, err := m.Authenticate(ctx, passwordCreds("admin", "root-pass"), other); err != nil {
			t.Fatalf("other peer throttled: %v", err)
		}

		entries, _ := audit.Query(ctx, time.Time{}, 20)
		var throttled bool
		for _, e := range entries {
			if e.Event == "auth.rate_limited" && e.Risk == contracts.RiskMedium {
				throttled = true
			}
		}
		if !throttled {
			t.Error("throttled attempt not audited at medium risk")
		}
	})

	t.Run("api key method verifies against the key hash", func(t *testing.T) {
		m, _ := testManager(t, nil)

		res, err := m.Authenticate(ctx, contracts.Credentials{Method: "apiKey", UserID: "trader1", APIKey: "key-abc"}, peer)
		if err != nil {
			t.Fatal(err)
		}
		if res.SessionID == "" {
			t.Error("expected a session")
		}

		_, err = m.Authenticate(ctx, contracts.Credentials{Method: "apiKey", UserID: "admin", APIKey: "anything"}, peer)
		if !errs.IsKind(err, errs.KindAuthentication) {
			t.Errorf("user without api key should fail, got %v", err)
		}
	})
}

func TestValidateSession(t *testing.T) {
	ctx := context.Background()
	peer := PeerInfo{Address: "10.0.0.7:51234"}

	t.Run("expired session fails before reaching any transport", func(t *testing.T) {
		config := DefaultManagerConfig()
		config.SecurityKey = "test-signing-key"
		config.SessionTimeout = 10 * time.Millisecond
		config.TokenExpiration = time.Minute
		m, _ := testManager(t, config)

		res, err := m.Authenticate(ctx, passwordCreds("trader1", "hunter2"), peer)
		if err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)

		_, err = m.ValidateSession(ctx, res.SessionID, res.Token)
		if !errs.IsKind(err, errs.KindAuthentication) {
			t.Fatalf("expected authentication error, got %v", err)
		}
		var gw *errs.Error
		if !errors.As(err, &gw) || gw.Code != errs.CodeSessionExpired {
			t.Errorf("expected code %s, got %+v", errs.CodeSessionExpired, err)
		}

		// Expiry invalidates on sight; the record is gone.
		_, err = m.ValidateSession(ctx, res.SessionID, "")
		if !errs.IsKind(err, errs.KindAuthentication) {
			t.Errorf("invalidated session should stay invalid, got %v", err)
		}
	})

	t.Run("token bound to another session is rejected", func(t *testing.T) {
		m, _ := testManager(t, nil)

		a, err := m.Authenticate(ctx, passwordCreds("trader1", "hunter2"), peer)
		if err != nil {
			t.Fatal(err)
		}
		b, err := m.Authenticate(ctx, passwordCreds("admin", "root-pass"), peer)
		if err != nil {
			t.Fatal(err)
		}

		_, err = m.ValidateSession(ctx, a.SessionID, b.Token)
		if !errs.IsKind(err, errs.KindSecurity) {
			t.Errorf("expected security error, got %v", err)
		}
	})

	t.Run("tampered token fails signature check", func(t *testing.T) {
		m, _ := testManager(t, nil)

		res, err := m.Authenticate(ctx, passwordCreds("trader1", "hunter2"), peer)
		if err != nil {
			t.Fatal(err)
		}

		parts := strings.Split(res.Token, ".")
		parts[3] = "forged" + parts[3][6:]
		_, err = m.ValidateSession(ctx, res.SessionID, strings.Join(parts, "."))
		if !errs.IsKind(err, errs.KindSecurity) {
			t.Errorf("expected security error, got %v", err)
		}
	})

	t.Run("refresh extends the session and reissues the token", func(t *testing.T) {
		m, _ := testManager(t, nil)

		res, err := m.Authenticate(ctx, passwordCreds("trader1", "hunter2"), peer)
		if err != nil {
			t.Fatal(err)
		}
		refreshed, err := m.Refresh(ctx, res.SessionID, res.Token)
		if err != nil {
			t.Fatal(err)
		}
		if refreshed.SessionID != res.SessionID {
			t.Error("refresh must keep the session id")
		}
		if !refreshed.ExpiresAt.After(res.ExpiresAt.Add(-time.Second)) {
			t.Error("refresh did not extend expiry")
		}
		if _, err := m.ValidateSession(ctx, res.SessionID, refreshed.Token); err != nil {
			t.Errorf("refreshed token invalid: %v", err)
		}
	})
}

func TestCheckPermission(t *testing.T) {
	ctx := context.Background()
	peer := PeerInfo{Address: "10.0.0.7:51234"}

	m, audit := testManager(t, nil)

	trader, err := m.Authenticate(ctx, passwordCreds("trader1", "hunter2"), peer)
	if err != nil {
		t.Fatal(err)
	}
	admin, err := m.Authenticate(ctx, passwordCreds("admin", "root-pass"), peer)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("explicit permission passes", func(t *testing.T) {
		if err := m.CheckPermission(ctx, trader.SessionID, "trade.execute"); err != nil {
			t.Errorf("expected allow, got %v", err)
		}
	})

	t.Run("wildcard grants everything", func(t *testing.T) {
		if err := m.CheckPermission(ctx, admin.SessionID, "account.manage"); err != nil {
			t.Errorf("wildcard should allow, got %v", err)
		}
	})

	t.Run("missing permission denies and audits", func(t *testing.T) {
		err := m.CheckPermission(ctx, trader.SessionID, "account.manage")
		if !errs.IsKind(err, errs.KindAuthorization) {
			t.Fatalf("expected authorization error, got %v", err)
		}
		entries, _ := audit.Query(ctx, time.Time{}, 20)
		var denied bool
		for _, e := range entries {
			if e.Event == "permission.denied" && e.Details["permission"] == "account.manage" {
				denied = true
			}
		}
		if !denied {
			t.Error("denial not audited")
		}
	})
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client)
	ctx := context.Background()

	rec := &contracts.SessionRecord{
		ID:          "s1",
		UserID:      "trader1",
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
		Permissions: []string{"trade.execute"},
		Active:      true,
	}
	if err := store.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.UserID != "trader1" {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 record, got %d", len(all))
	}

	if got, _ := store.Get(ctx, "missing"); got != nil {
		t.Error("missing session should be nil")
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.Get(ctx, "s1"); got != nil {
		t.Error("deleted session still present")
	}

	// Redis should expire records on its own.
	short := &contracts.SessionRecord{ID: "s2", UserID: "u", ExpiresAt: time.Now().Add(time.Second)}
	if err := store.Put(ctx, short); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Second)
	if got, _ := store.Get(ctx, "s2"); got != nil {
		t.Error("record should have expired with its ttl")
	}
}

func TestMemoryAuditStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAuditStore(100)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		_ = store.Append(ctx, &contracts.AuditEntry{
			ID:        string(rune('a' + i)),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Event:     "session.created",
		})
	}

	recent, err := store.Query(ctx, base.Add(2*time.Minute+time.Second), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Errorf("expected 2 recent entries, got %d", len(recent))
	}
	if len(recent) == 2 && recent[0].Timestamp.Before(recent[1].Timestamp) {
		t.Error("query should return most recent first")
	}

	if err := store.Trim(ctx, base.Add(3*time.Minute)); err != nil {
		t.Fatal(err)
	}
	remaining, _ := store.Query(ctx, time.Time{}, 0)
	if len(remaining) != 2 {
		t.Errorf("expected 2 after trim, got %d", len(remaining))
	}
}
