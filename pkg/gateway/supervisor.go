// Package gateway assembles the transport, router, fault shell and session
// layer into the caller-facing surface: a Gateway that owns the connection
// lifecycle and Agents that execute trading, market and account calls.
package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/traderlink/mtgate/pkg/contracts"
	"github.com/traderlink/mtgate/pkg/errs"
	"github.com/traderlink/mtgate/pkg/events"
	"github.com/traderlink/mtgate/pkg/resilience"
	"github.com/traderlink/mtgate/pkg/transport"
)

// ConnState is the supervisor's lifecycle state.
type ConnState int32

const (
	StateUninitialized ConnState = iota
	StateInitialized
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnected
	StateShutdown
)

func (s ConnState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// SupervisorConfig tunes liveness detection and reconnection.
type SupervisorConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// MaxMisses is the consecutive heartbeat failures tolerated before the
	// connection is declared dead
	MaxMisses int

	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
}

// DefaultSupervisorConfig returns production defaults.
func DefaultSupervisorConfig() *SupervisorConfig {
	return &SupervisorConfig{
		HeartbeatInterval:    10 * time.Second,
		HeartbeatTimeout:     3 * time.Second,
		MaxMisses:            3,
		ReconnectInterval:    time.Second,
		MaxReconnectAttempts: 5,
	}
}

// SupervisorStats is the observable liveness snapshot.
type SupervisorStats struct {
	State         ConnState
	Uptime        time.Duration
	Reconnects    uint64
	LastHeartbeat time.Time
	PendingCount  int
	Topics        int
}

// Supervisor owns the multiplexer's lifecycle: it dials under retry,
// heartbeats the remote, detects silent failures, and reconnects with
// backoff. Reconnection exhaustion parks the gateway in Disconnected
// until an explicit Connect.
type Supervisor struct {
	config *SupervisorConfig
	mux    *transport.Multiplexer
	router *events.Router
	logger contracts.Logger

	state       atomic.Int32
	connectedAt atomic.Int64 // unix nanos, 0 when down
	lastBeat    atomic.Int64
	reconnects  atomic.Uint64
	misses      int // heartbeat loop only

	mu        sync.Mutex // serializes connect/reconnect/shutdown transitions
	hbRunning bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewSupervisor wires the supervisor onto a multiplexer and router. It
// installs itself as the mux's disconnect handler.
func NewSupervisor(config *SupervisorConfig, mux *transport.Multiplexer, router *events.Router, logger contracts.Logger) *Supervisor {
	if config == nil {
		config = DefaultSupervisorConfig()
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 10 * time.Second
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = 3 * time.Second
	}
	if config.MaxMisses <= 0 {
		config.MaxMisses = 3
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = time.Second
	}
	if logger == nil {
		logger = contracts.NopLogger{}
	}

	s := &Supervisor{
		config: config,
		mux:    mux,
		router: router,
		logger: logger.Named("supervisor"),
		stopCh: make(chan struct{}),
	}
	s.state.Store(int32(StateUninitialized))
	mux.OnDisconnect(s.handleConnectionLoss)
	if router != nil {
		router.OnOverflow(s.handleQueueOverflow)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() ConnState {
	return ConnState(s.state.Load())
}

// Initialize moves from Uninitialized to Initialized.
func (s *Supervisor) Initialize() error {
	if !s.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitialized)) {
		return errs.Internal("supervisor already initialized")
	}
	return nil
}

// Connect dials the transport under retry and starts the heartbeat. Also
// the explicit recovery path out of Disconnected.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateConnected, StateConnecting, StateReconnecting:
		return nil
	case StateShutdown:
		return errs.Internal("supervisor is shut down")
	case StateUninitialized:
		return errs.Internal("supervisor not initialized")
	}

	s.state.Store(int32(StateConnecting))
	s.emitStatus("connecting", nil)

	if err := s.dial(ctx); err != nil {
		s.state.Store(int32(StateDisconnected))
		s.emitStatus("connect_failed", map[string]any{"error": err.Error()})
		return err
	}

	s.markConnected()
	if !s.hbRunning {
		s.hbRunning = true
		s.wg.Add(1)
		go s.heartbeatLoop()
	}
	return nil
}

// dial runs the transport connect under the reconnect retry policy.
func (s *Supervisor) dial(ctx context.Context) error {
	retryer := resilience.NewRetryer(&resilience.RetryConfig{
		MaxAttempts: s.config.MaxReconnectAttempts,
		BaseDelay:   s.config.ReconnectInterval,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Strategy:    resilience.StrategyExponential,
		Condition:   resilience.ConditionOnError,
	})
	return retryer.Do(ctx, func(ctx context.Context) error {
		return s.mux.Connect(ctx)
	})
}

func (s *Supervisor) markConnected() {
	now := time.Now()
	s.connectedAt.Store(now.UnixNano())
	s.lastBeat.Store(now.UnixNano())
	s.state.Store(int32(StateConnected))
	s.emitStatus("connected", nil)
	s.logger.Info("connection established")
}

// Disconnect stops the transport deliberately. No reconnection follows.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateConnected && s.State() != StateReconnecting {
		return
	}
	s.state.Store(int32(StateDisconnected))
	s.connectedAt.Store(0)
	s.mux.Disconnect()
	s.emitStatus("disconnected", nil)
}

// Shutdown terminates the supervisor permanently.
func (s *Supervisor) Shutdown() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.state.Store(int32(StateShutdown))
		s.mu.Unlock()
		close(s.stopCh)
		s.mux.Disconnect()
		s.wg.Wait()
	})
}

// Stats returns the observable snapshot.
func (s *Supervisor) Stats() SupervisorStats {
	var uptime time.Duration
	if at := s.connectedAt.Load(); at > 0 {
		uptime = time.Since(time.Unix(0, at))
	}
	var last time.Time
	if lb := s.lastBeat.Load(); lb > 0 {
		last = time.Unix(0, lb)
	}
	return SupervisorStats{
		State:         s.State(),
		Uptime:        uptime,
		Reconnects:    s.reconnects.Load(),
		LastHeartbeat: last,
		PendingCount:  s.mux.PendingCount(),
		Topics:        len(s.mux.Topics()),
	}
}

// ============ Liveness ============

func (s *Supervisor) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()
	s.misses = 0

	for {
		select {
		case <-ticker.C:
			if s.State() != StateConnected {
				continue
			}
			if s.ping() {
				s.misses = 0
				s.lastBeat.Store(time.Now().UnixNano())
				continue
			}
			s.misses++
			s.logger.Warn("heartbeat missed", "consecutive", s.misses)
			if s.misses >= s.config.MaxMisses {
				s.misses = 0
				// The remote is silently gone. Tear the sockets down;
				// the read error path funnels into handleConnectionLoss.
				if s.state.CompareAndSwap(int32(StateConnected), int32(StateReconnecting)) {
					s.mux.Disconnect()
					s.wg.Add(1)
					go s.reconnect(errs.ConnectionLost("heartbeat misses exceeded"))
				}
			}
		case <-s.stopCh:
			return
		}
	}
}

// ping sends one correlated heartbeat and waits for the echo.
func (s *Supervisor) ping() bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.HeartbeatTimeout)
	defer cancel()

	env, err := transport.HeartbeatEnvelope()
	if err != nil {
		return false
	}
	_, err = s.mux.SendRequest(ctx, env)
	return err == nil
}

// handleConnectionLoss is the mux's disconnect callback, invoked from a
// receive loop on socket error.
func (s *Supervisor) handleConnectionLoss(cause error) {
	if !s.state.CompareAndSwap(int32(StateConnected), int32(StateReconnecting)) {
		return // already reconnecting, disconnecting or shut down
	}
	s.wg.Add(1)
	go s.reconnect(cause)
}

// reconnect re-establishes the sockets under backoff and resubscribes.
// Exhaustion parks the gateway in Disconnected.
func (s *Supervisor) reconnect(cause error) {
	defer s.wg.Done()

	s.connectedAt.Store(0)
	s.mux.FailAllPending(errs.ConnectionLost("connection lost").WithCause(cause))
	s.emitStatus("connection_lost", map[string]any{"error": cause.Error()})
	s.logger.Warn("connection lost, reconnecting", "error", cause)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	retryer := resilience.NewRetryer(&resilience.RetryConfig{
		MaxAttempts: s.config.MaxReconnectAttempts,
		BaseDelay:   s.config.ReconnectInterval,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Strategy:    resilience.StrategyExponential,
		Condition:   resilience.ConditionOnError,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			s.logger.Info("reconnect attempt failed", "attempt", attempt, "error", err, "next_delay", delay)
		},
	})
	err := retryer.Do(ctx, func(ctx context.Context) error {
		attempt++
		s.mux.Disconnect() // drop any half-open sockets from the last try
		return s.mux.Connect(ctx)
	})
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		s.emitStatus("unreachable", map[string]any{
			"attempts": attempt,
			"error":    err.Error(),
		})
		s.logger.Error("reconnection exhausted, gateway unreachable", "attempts", attempt)
		return
	}

	// A deliberate Disconnect or Shutdown may have raced the redial.
	if !s.state.CompareAndSwap(int32(StateReconnecting), int32(StateConnected)) {
		s.mux.Disconnect()
		return
	}

	s.reconnects.Add(1)
	if err := s.mux.Resubscribe(); err != nil {
		s.logger.Warn("resubscription failed", "error", err)
	}
	now := time.Now()
	s.connectedAt.Store(now.UnixNano())
	s.lastBeat.Store(now.UnixNano())
	s.emitStatus("reconnected", map[string]any{"attempts": attempt})
	s.logger.Info("connection re-established", "attempts", attempt)
}

// handleQueueOverflow surfaces sustained router drops as a status event.
func (s *Supervisor) handleQueueOverflow(dropped uint64) {
	// Emitting through the overflowing router would drop the signal too,
	// so log and count only.
	s.logger.Warn("event queue overflow", "dropped_total", dropped)
}

func (s *Supervisor) emitStatus(status string, detail map[string]any) {
	if s.router == nil {
		return
	}
	data := map[string]any{"status": status}
	for k, v := range detail {
		data[k] = v
	}
	s.router.Publish(events.New(events.TypeConnectionStatus, "supervisor", data))
}
