package contracts

import (
	"context"
	"time"
)

// ============ Encryption ============

// Encryptor seals and opens payload bytes. The transport treats it as an
// opaque wrapper around frames; a nil/noop encryptor means plaintext.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// NopEncryptor passes data through unchanged.
type NopEncryptor struct{}

func (NopEncryptor) Encrypt(p []byte) ([]byte, error) { return p, nil }
func (NopEncryptor) Decrypt(c []byte) ([]byte, error) { return c, nil }

var _ Encryptor = NopEncryptor{}

// ============ Authentication ============

// Credentials carried by an authentication attempt. Method selects how the
// user store verifies them: "password", "apiKey" or "token".
type Credentials struct {
	Method   string
	UserID   string
	Password string
	APIKey   string
	Token    string
}

// Identity adalah hasil authentication yang sukses.
type Identity struct {
	UserID      string
	Permissions []string
	Metadata    map[string]string
}

// UserStore verifies credentials against an external user database.
// The gateway core never stores raw credentials itself.
type UserStore interface {
	Verify(ctx context.Context, creds Credentials) (*Identity, error)
}

// ============ Sessions ============

// SessionRecord is the persisted shape of a session. The session manager
// owns lifecycle; stores only hold state.
type SessionRecord struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Permissions  []string          `json:"permissions"`
	Active       bool              `json:"active"`
	PeerAddress  string            `json:"peer_address,omitempty"`
	AgentUA      string            `json:"agent_ua,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SessionStore persists session records. Implementasi bisa in-memory
// atau Redis untuk multi-instance deployment.
type SessionStore interface {
	Put(ctx context.Context, rec *SessionRecord) error
	Get(ctx context.Context, id string) (*SessionRecord, error)
	Delete(ctx context.Context, id string) error
	// List returns all live records; used by the expiry sweep.
	List(ctx context.Context) ([]*SessionRecord, error)
}

// ============ Audit ============

// RiskLevel tags an audit entry by severity.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AuditEntry is append-only within a retention window.
type AuditEntry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Event     string            `json:"event"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Peer      string            `json:"peer,omitempty"`
	Success   bool              `json:"success"`
	Risk      RiskLevel         `json:"risk"`
	Details   map[string]string `json:"details,omitempty"`
}

// AuditStore appends and queries audit entries.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	// Query returns entries newer than since, most recent first, capped at limit.
	Query(ctx context.Context, since time.Time, limit int) ([]*AuditEntry, error)
	// Trim drops entries older than cutoff. Called by the retention sweep.
	Trim(ctx context.Context, cutoff time.Time) error
	Close() error
}
