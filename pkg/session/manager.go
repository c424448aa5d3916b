// Package session implements authentication, session lifecycle, permission
// checks and the audit trail behind them. Stores are pluggable; the manager
// owns lifecycle and token binding.
package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/traderlink/mtgate/pkg/contracts"
	"github.com/traderlink/mtgate/pkg/errs"
	"github.com/traderlink/mtgate/pkg/ratelimit"
)

// PeerInfo identifies the caller side of an authentication attempt.
type PeerInfo struct {
	Address string
	AgentUA string
}

// AuthResult is what a successful authentication mints.
type AuthResult struct {
	SessionID   string
	Token       string
	ExpiresAt   time.Time
	Permissions []string
}

// ManagerConfig tunes session lifecycle and the auth throttle.
type ManagerConfig struct {
	// SecurityKey signs bearer tokens. Required when Enabled.
	SecurityKey string

	// SessionTimeout bounds session lifetime from creation
	SessionTimeout time.Duration

	// TokenExpiration bounds the bearer token; defaults to SessionTimeout
	TokenExpiration time.Duration

	// SweepInterval paces the expiry and audit retention sweeps
	SweepInterval time.Duration

	// AuditRetention trims audit entries older than this
	AuditRetention time.Duration

	// AuthRule throttles authentication attempts per peer. Nil installs
	// a 10/min sliding window.
	AuthRule *ratelimit.Rule
}

// DefaultManagerConfig returns production defaults.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		SessionTimeout:  30 * time.Minute,
		SweepInterval:   time.Minute,
		AuditRetention:  7 * 24 * time.Hour,
		AuthRule: &ratelimit.Rule{
			ID:          "auth",
			Name:        "authentication attempts",
			Algorithm:   ratelimit.SlidingWindow,
			Resource:    "auth",
			Window:      time.Minute,
			MaxRequests: 10,
			Priority:    100,
			Enabled:     true,
		},
	}
}

// Manager binds the user store, session store and audit trail into the
// authorization layer agents call through.
type Manager struct {
	config  *ManagerConfig
	users   contracts.UserStore
	store   contracts.SessionStore
	audit   contracts.AuditStore
	limiter *ratelimit.Limiter
	logger  contracts.Logger

	mu       sync.Mutex // serializes create/invalidate against the sweep
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager wires the authorization layer and starts its sweep.
func NewManager(config *ManagerConfig, users contracts.UserStore, store contracts.SessionStore, audit contracts.AuditStore, logger contracts.Logger) (*Manager, error) {
	if config == nil {
		config = DefaultManagerConfig()
	}
	if config.SecurityKey == "" {
		return nil, errs.Validation("session manager requires a security key")
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = 30 * time.Minute
	}
	if config.TokenExpiration <= 0 {
		config.TokenExpiration = config.SessionTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Minute
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if audit == nil {
		audit = NewMemoryAuditStore(0)
	}
	if logger == nil {
		logger = contracts.NopLogger{}
	}

	limCfg := ratelimit.DefaultConfig()
	if config.AuthRule != nil {
		limCfg.Enabled = true
		limCfg.Rules = []*ratelimit.Rule{config.AuthRule}
	}
	m := &Manager{
		config:  config,
		users:   users,
		store:   store,
		audit:   audit,
		limiter: ratelimit.New(limCfg, logger),
		logger:  logger.Named("session"),
		stopCh:  make(chan struct{}),
	}
	go m.sweepLoop()
	return m, nil
}

// Close stops the sweep and the auth limiter.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.limiter.Close()
	})
}

// Authenticate verifies credentials under the per-peer auth throttle and
// mints a session plus bearer token. Every attempt lands in the audit log.
func (m *Manager) Authenticate(ctx context.Context, creds contracts.Credentials, peer PeerInfo) (*AuthResult, error) {
	throttleKey := "auth:" + peer.Address
	if res := m.limiter.Check(throttleKey, "auth", 1); !res.Allowed {
		m.record(ctx, "auth.rate_limited", creds.UserID, "", peer, false, contracts.RiskMedium, map[string]string{
			"retry_after_ms": strconv.FormatInt(res.RetryAfter.Milliseconds(), 10),
		})
		return nil, errs.RateLimited("too many authentication attempts").
			WithDetail("retryAfterMs", strconv.FormatInt(res.RetryAfter.Milliseconds(), 10))
	}

	identity, err := m.users.Verify(ctx, creds)
	if err != nil {
		m.record(ctx, "auth.failed", creds.UserID, "", peer, false, contracts.RiskHigh, map[string]string{
			"method": creds.Method,
			"reason": err.Error(),
		})
		if errs.IsKind(err, errs.KindAuthentication) || errs.IsKind(err, errs.KindSecurity) {
			return nil, err
		}
		return nil, errs.Authentication("invalid credentials").WithCause(err)
	}

	now := time.Now()
	rec := &contracts.SessionRecord{
		ID:           uuid.NewString(),
		UserID:       identity.UserID,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(m.config.SessionTimeout),
		Permissions:  identity.Permissions,
		Active:       true,
		PeerAddress:  peer.Address,
		AgentUA:      peer.AgentUA,
		Metadata:     identity.Metadata,
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return nil, errs.Internal("persist session").WithCause(err)
	}

	tokenExpiry := now.Add(m.config.TokenExpiration)
	token := m.mintToken(rec.ID, tokenExpiry)

	m.record(ctx, "session.created", rec.UserID, rec.ID, peer, true, contracts.RiskLow, map[string]string{
		"method": creds.Method,
	})
	m.logger.Info("session created", "session", rec.ID, "user", rec.UserID, "expires_at", rec.ExpiresAt)

	return &AuthResult{
		SessionID:   rec.ID,
		Token:       token,
		ExpiresAt:   rec.ExpiresAt,
		Permissions: rec.Permissions,
	}, nil
}

// ValidateSession requires an active, unexpired session. A supplied token
// must bind to the same session id. Expired sessions are invalidated on
// sight.
func (m *Manager) ValidateSession(ctx context.Context, id, token string) (*contracts.SessionRecord, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil || rec == nil {
		m.record(ctx, "session.validate_failed", "", id, PeerInfo{}, false, contracts.RiskHigh, map[string]string{"reason": "unknown session"})
		return nil, errs.Authentication("unknown session")
	}
	if !rec.Active {
		return nil, errs.SessionExpired("session invalidated")
	}
	if !time.Now().Before(rec.ExpiresAt) {
		_ = m.invalidate(ctx, rec, "expired")
		return nil, errs.SessionExpired("session expired")
	}
	if token != "" {
		tokID, err := m.verifyToken(token)
		if err != nil {
			m.record(ctx, "token.validate_failed", rec.UserID, id, PeerInfo{}, false, contracts.RiskHigh, map[string]string{"reason": err.Error()})
			return nil, err
		}
		if tokID != id {
			m.record(ctx, "token.validate_failed", rec.UserID, id, PeerInfo{}, false, contracts.RiskHigh, map[string]string{"reason": "token bound to different session"})
			return nil, errs.Security("token does not match session")
		}
	}

	rec.LastActivity = time.Now()
	if err := m.store.Put(ctx, rec); err != nil {
		m.logger.Warn("touch session failed", "session", id, "error", err)
	}
	return rec, nil
}

// CheckPermission is true iff the session holds perm or the wildcard.
// Denials are audited.
func (m *Manager) CheckPermission(ctx context.Context, sessionID, perm string) error {
	rec, err := m.ValidateSession(ctx, sessionID, "")
	if err != nil {
		return err
	}
	for _, p := range rec.Permissions {
		if p == perm || p == "*" {
			return nil
		}
	}
	m.record(ctx, "permission.denied", rec.UserID, sessionID, PeerInfo{Address: rec.PeerAddress}, false, contracts.RiskMedium, map[string]string{
		"permission": perm,
	})
	return errs.Authorization(fmt.Sprintf("missing permission %q", perm))
}

// Invalidate ends a session immediately.
func (m *Manager) Invalidate(ctx context.Context, id string) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil || rec == nil {
		return errs.Authentication("unknown session")
	}
	return m.invalidate(ctx, rec, "explicit")
}

func (m *Manager) invalidate(ctx context.Context, rec *contracts.SessionRecord, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(ctx, rec.ID); err != nil {
		return err
	}
	m.record(ctx, "session.invalidated", rec.UserID, rec.ID, PeerInfo{Address: rec.PeerAddress}, true, contracts.RiskLow, map[string]string{
		"reason": reason,
	})
	m.logger.Info("session invalidated", "session", rec.ID, "reason", reason)
	return nil
}

// Refresh extends a live session by the configured timeout and mints a new
// token.
func (m *Manager) Refresh(ctx context.Context, id, token string) (*AuthResult, error) {
	rec, err := m.ValidateSession(ctx, id, token)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	rec.ExpiresAt = now.Add(m.config.SessionTimeout)
	rec.LastActivity = now
	if err := m.store.Put(ctx, rec); err != nil {
		return nil, errs.Internal("persist session").WithCause(err)
	}
	return &AuthResult{
		SessionID:   rec.ID,
		Token:       m.mintToken(rec.ID, now.Add(m.config.TokenExpiration)),
		ExpiresAt:   rec.ExpiresAt,
		Permissions: rec.Permissions,
	}, nil
}

// AuditTrail exposes the audit store for gateway health and tooling.
func (m *Manager) AuditTrail() contracts.AuditStore { return m.audit }

// ============ Token binding ============

// Tokens are "v1.<sessionId>.<expiryMs>.<sig>" where sig is HMAC-SHA256
// over "sessionId|expiryMs" keyed by the security key.
func (m *Manager) mintToken(sessionID string, expiry time.Time) string {
	ms := strconv.FormatInt(expiry.UnixMilli(), 10)
	sig := m.sign(sessionID + "|" + ms)
	return "v1." + sessionID + "." + ms + "." + sig
}

func (m *Manager) verifyToken(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 || parts[0] != "v1" {
		return "", errs.Security("malformed token")
	}
	sessionID, ms, sig := parts[1], parts[2], parts[3]

	want := m.sign(sessionID + "|" + ms)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", errs.Security("token signature mismatch")
	}
	expiryMs, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return "", errs.Security("malformed token expiry")
	}
	if time.Now().UnixMilli() >= expiryMs {
		return "", errs.SessionExpired("token expired")
	}
	return sessionID, nil
}

func (m *Manager) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(m.config.SecurityKey))
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// ============ Sweep ============

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recs, err := m.store.List(ctx)
	if err != nil {
		m.logger.Warn("session sweep list failed", "error", err)
		return
	}
	now := time.Now()
	for _, rec := range recs {
		if !now.Before(rec.ExpiresAt) {
			_ = m.invalidate(ctx, rec, "expired")
		}
	}

	if m.config.AuditRetention > 0 {
		if err := m.audit.Trim(ctx, now.Add(-m.config.AuditRetention)); err != nil {
			m.logger.Warn("audit trim failed", "error", err)
		}
	}
}

func (m *Manager) record(ctx context.Context, event, userID, sessionID string, peer PeerInfo, success bool, risk contracts.RiskLevel, details map[string]string) {
	entry := &contracts.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Event:     event,
		UserID:    userID,
		SessionID: sessionID,
		Peer:      peer.Address,
		Success:   success,
		Risk:      risk,
		Details:   details,
	}
	if err := m.audit.Append(ctx, entry); err != nil {
		m.logger.Warn("audit append failed", "event", event, "error", err)
	}
}
