package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/traderlink/mtgate/pkg/contracts"
	"github.com/traderlink/mtgate/pkg/errs"
)

// userEntry holds one account's credential hashes and lockout state.
type userEntry struct {
	passwordHash []byte
	apiKeyHash   []byte
	permissions  []string
	metadata     map[string]string

	failures    int
	lockedUntil time.Time
}

// MemoryUserStoreConfig tunes the lockout policy.
type MemoryUserStoreConfig struct {
	MaxLoginAttempts int
	LockoutDuration  time.Duration
	BcryptCost       int
}

// DefaultMemoryUserStoreConfig returns production lockout defaults.
func DefaultMemoryUserStoreConfig() *MemoryUserStoreConfig {
	return &MemoryUserStoreConfig{
		MaxLoginAttempts: 5,
		LockoutDuration:  15 * time.Minute,
		BcryptCost:       bcrypt.DefaultCost,
	}
}

// MemoryUserStore keeps bcrypt credential hashes in memory with a
// per-account lockout after repeated failures. Raw credentials are never
// stored.
type MemoryUserStore struct {
	config *MemoryUserStoreConfig

	mu    sync.Mutex
	users map[string]*userEntry
}

// NewMemoryUserStore creates an empty store.
func NewMemoryUserStore(config *MemoryUserStoreConfig) *MemoryUserStore {
	if config == nil {
		config = DefaultMemoryUserStoreConfig()
	}
	if config.MaxLoginAttempts <= 0 {
		config.MaxLoginAttempts = 5
	}
	if config.LockoutDuration <= 0 {
		config.LockoutDuration = 15 * time.Minute
	}
	if config.BcryptCost < bcrypt.MinCost {
		config.BcryptCost = bcrypt.DefaultCost
	}
	return &MemoryUserStore{
		config: config,
		users:  make(map[string]*userEntry),
	}
}

// AddUser registers an account with a password, an optional API key, and
// its permission set.
func (s *MemoryUserStore) AddUser(userID, password, apiKey string, permissions []string) error {
	entry := &userEntry{permissions: permissions}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
		if err != nil {
			return err
		}
		entry.passwordHash = hash
	}
	if apiKey != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), s.config.BcryptCost)
		if err != nil {
			return err
		}
		entry.apiKeyHash = hash
	}

	s.mu.Lock()
	s.users[userID] = entry
	s.mu.Unlock()
	return nil
}

// RemoveUser drops an account.
func (s *MemoryUserStore) RemoveUser(userID string) {
	s.mu.Lock()
	delete(s.users, userID)
	s.mu.Unlock()
}

// Verify checks credentials, counting failures toward the lockout.
func (s *MemoryUserStore) Verify(_ context.Context, creds contracts.Credentials) (*contracts.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.users[creds.UserID]
	if !ok {
		// Burn comparable time so absent users are not distinguishable
		// by response latency.
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"),
			[]byte(creds.Password))
		return nil, errs.Authentication("invalid credentials")
	}

	now := time.Now()
	if now.Before(entry.lockedUntil) {
		return nil, errs.Security("account locked").
			WithDetail("lockedUntil", entry.lockedUntil.Format(time.RFC3339))
	}

	var hash []byte
	var secret string
	switch creds.Method {
	case "", "password":
		hash, secret = entry.passwordHash, creds.Password
	case "apiKey":
		hash, secret = entry.apiKeyHash, creds.APIKey
	default:
		return nil, errs.Validation("unsupported authentication method " + creds.Method)
	}
	if len(hash) == 0 {
		return nil, errs.Authentication("invalid credentials")
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil {
		entry.failures++
		if entry.failures >= s.config.MaxLoginAttempts {
			entry.lockedUntil = now.Add(s.config.LockoutDuration)
			entry.failures = 0
		}
		return nil, errs.Authentication("invalid credentials")
	}

	entry.failures = 0
	entry.lockedUntil = time.Time{}
	return &contracts.Identity{
		UserID:      creds.UserID,
		Permissions: append([]string(nil), entry.permissions...),
		Metadata:    entry.metadata,
	}, nil
}

var _ contracts.UserStore = (*MemoryUserStore)(nil)
