package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/traderlink/mtgate/pkg/contracts"
	"github.com/traderlink/mtgate/pkg/errs"
)

// MuxConfig configures the multiplexer. Port is the REQ/REP port; SUB and
// PUSH live on Port+1 and Port+2 by convention.
type MuxConfig struct {
	Host           string
	Port           int
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// DefaultMuxConfig returns sensible defaults.
func DefaultMuxConfig() *MuxConfig {
	return &MuxConfig{
		Host:           "127.0.0.1",
		Port:           5555,
		DialTimeout:    5 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// EventHandler receives decoded event envelopes from the SUB channel.
type EventHandler func(*Envelope)

// outcome is the single terminal resolution of a pending request.
type outcome struct {
	env *Envelope
	err error
}

// pendingRequest tracks one in-flight correlated request. The timeout is
// enforced by the sender's timer, so only the resolution channel lives
// here.
type pendingRequest struct {
	done chan outcome // buffered 1; written exactly once
}

// Multiplexer owns the three channel sockets, correlates replies to
// requests by envelope id, and feeds events to the router. It performs no
// retries and no reconnection itself; the supervisor drives its lifecycle.
type Multiplexer struct {
	config *MuxConfig
	codec  *FrameCodec
	logger contracts.Logger

	mu        sync.Mutex
	req       *Socket
	sub       *Socket
	push      *Socket
	pending   map[string]*pendingRequest
	topics    map[string]struct{}
	connected bool
	gen       uint64 // connection generation; loops from old sockets are ignored

	onEvent      EventHandler
	onDisconnect func(error)

	lateReplies atomic.Uint64
	framesSent  atomic.Uint64
	framesRecv  atomic.Uint64
	wg          sync.WaitGroup
}

// NewMultiplexer creates a disconnected multiplexer.
func NewMultiplexer(config *MuxConfig, codec *FrameCodec, logger contracts.Logger) *Multiplexer {
	if config == nil {
		config = DefaultMuxConfig()
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if codec == nil {
		codec = NewFrameCodec(nil, false, false)
	}
	if logger == nil {
		logger = contracts.NopLogger{}
	}
	return &Multiplexer{
		config:  config,
		codec:   codec,
		logger:  logger.Named("transport"),
		pending: make(map[string]*pendingRequest),
		topics:  make(map[string]struct{}),
	}
}

// OnEvent installs the inbound event handler. Must be set before Connect.
func (m *Multiplexer) OnEvent(fn EventHandler) { m.onEvent = fn }

// OnDisconnect installs the connection-loss callback, invoked once per
// connection generation from a receive loop.
func (m *Multiplexer) OnDisconnect(fn func(error)) { m.onDisconnect = fn }

// Connect dials the three channel sockets and starts the receive loops.
func (m *Multiplexer) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	base := m.config.Port
	addr := func(port int) string { return fmt.Sprintf("%s:%d", m.config.Host, port) }

	req, err := DialSocket(ChannelREQ, addr(base), m.config.DialTimeout)
	if err != nil {
		return errs.Connection("request channel unavailable").WithCause(err)
	}
	sub, err := DialSocket(ChannelSUB, addr(base+1), m.config.DialTimeout)
	if err != nil {
		req.Close()
		return errs.Connection("subscription channel unavailable").WithCause(err)
	}
	push, err := DialSocket(ChannelPUSH, addr(base+2), m.config.DialTimeout)
	if err != nil {
		req.Close()
		sub.Close()
		return errs.Connection("push channel unavailable").WithCause(err)
	}

	m.attachLocked(req, sub, push)
	m.logger.Info("transport connected", "host", m.config.Host, "base_port", base)
	return nil
}

// Attach wires pre-established connections in place of dialing. Used by
// tests and by embedded brokers.
func (m *Multiplexer) Attach(req, sub, push *Socket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachLocked(req, sub, push)
}

func (m *Multiplexer) attachLocked(req, sub, push *Socket) {
	m.req, m.sub, m.push = req, sub, push
	m.connected = true
	m.gen++

	gen := m.gen
	m.wg.Add(2)
	go m.receiveLoop(req, gen, true)
	go m.receiveLoop(sub, gen, false)
}

// Connected reports whether the sockets are live.
func (m *Multiplexer) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SendRequest sends a correlated request on the REQ channel and suspends
// until reply, timeout, cancellation or connection loss. Exactly one of
// those resolves the call.
func (m *Multiplexer) SendRequest(ctx context.Context, env *Envelope) (*Envelope, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}

	frame, err := m.sealEnvelope(env)
	if err != nil {
		return nil, errs.Internal("encode request").WithCause(err)
	}

	timeout := m.config.RequestTimeout
	pr := &pendingRequest{done: make(chan outcome, 1)}

	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil, errs.ConnectionLost("transport not connected")
	}
	req := m.req
	m.pending[env.ID] = pr
	m.mu.Unlock()

	if err := req.WriteFrame(frame); err != nil {
		m.resolve(env.ID, outcome{err: errs.ConnectionLost("request write failed").WithCause(err)})
	} else {
		m.framesSent.Add(1)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-pr.done:
		if out.err != nil {
			return nil, out.err
		}
		return out.env, nil
	case <-timer.C:
		m.resolve(env.ID, outcome{err: errs.Timeout(fmt.Sprintf("no reply within %s", timeout))})
		out := <-pr.done // reply may have won the race
		return out.env, out.err
	case <-ctx.Done():
		m.resolve(env.ID, outcome{err: errs.Cancelled("request cancelled").WithCause(ctx.Err())})
		out := <-pr.done
		return out.env, out.err
	}
}

// SendMessage pushes a fire-and-forget envelope on the PUSH channel.
func (m *Multiplexer) SendMessage(env *Envelope) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}

	frame, err := m.sealEnvelope(env)
	if err != nil {
		return errs.Internal("encode message").WithCause(err)
	}

	m.mu.Lock()
	push := m.push
	connected := m.connected
	m.mu.Unlock()

	if !connected {
		return errs.ConnectionLost("transport not connected")
	}
	if err := push.WriteFrame(frame); err != nil {
		return errs.ConnectionLost("push write failed").WithCause(err)
	}
	m.framesSent.Add(1)
	return nil
}

// Subscribe registers topics and announces them on the SUB channel.
// Topics are remembered for resubscription after reconnect.
func (m *Multiplexer) Subscribe(topics ...string) error {
	m.mu.Lock()
	for _, t := range topics {
		m.topics[t] = struct{}{}
	}
	sub := m.sub
	connected := m.connected
	m.mu.Unlock()

	if !connected {
		return errs.ConnectionLost("transport not connected")
	}
	return m.sendControl(sub, TypeSubscribe, topics)
}

// Unsubscribe removes topics and announces removal on the SUB channel.
func (m *Multiplexer) Unsubscribe(topics ...string) error {
	m.mu.Lock()
	for _, t := range topics {
		delete(m.topics, t)
	}
	sub := m.sub
	connected := m.connected
	m.mu.Unlock()

	if !connected {
		return errs.ConnectionLost("transport not connected")
	}
	return m.sendControl(sub, TypeUnsubscribe, topics)
}

// Topics returns the active subscription set.
func (m *Multiplexer) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.topics))
	for t := range m.topics {
		out = append(out, t)
	}
	return out
}

// Resubscribe re-announces every remembered topic. Called by the
// supervisor after a successful reconnect.
func (m *Multiplexer) Resubscribe() error {
	topics := m.Topics()
	if len(topics) == 0 {
		return nil
	}
	m.mu.Lock()
	sub := m.sub
	connected := m.connected
	m.mu.Unlock()
	if !connected {
		return errs.ConnectionLost("transport not connected")
	}
	return m.sendControl(sub, TypeSubscribe, topics)
}

func (m *Multiplexer) sendControl(sub *Socket, msgType string, topics []string) error {
	env, err := NewEnvelope(msgType, "", map[string][]string{"topics": topics})
	if err != nil {
		return errs.Internal("encode control frame").WithCause(err)
	}
	frame, err := m.sealEnvelope(env)
	if err != nil {
		return errs.Internal("seal control frame").WithCause(err)
	}
	if err := sub.WriteFrame(frame); err != nil {
		return errs.ConnectionLost("subscription write failed").WithCause(err)
	}
	return nil
}

// FailAllPending resolves every pending request with err. Invoked on
// connection loss (supervisor) and shutdown.
func (m *Multiplexer) FailAllPending(err error) {
	m.mu.Lock()
	taken := m.pending
	m.pending = make(map[string]*pendingRequest)
	m.mu.Unlock()

	for _, pr := range taken {
		pr.done <- outcome{err: err}
	}
	if len(taken) > 0 {
		m.logger.Warn("failed pending requests", "count", len(taken), "reason", err)
	}
}

// Disconnect closes the sockets and fails pending requests. The receive
// loops exit on their own read errors. Keyed on the sockets rather than
// the connected flag: a generation that died from a read error has
// already flipped connected but may still hold open sockets.
func (m *Multiplexer) Disconnect() {
	m.mu.Lock()
	req, sub, push := m.req, m.sub, m.push
	if req == nil && sub == nil && push == nil {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.req, m.sub, m.push = nil, nil, nil
	m.mu.Unlock()

	for _, s := range []*Socket{req, sub, push} {
		if s != nil {
			s.Close()
		}
	}

	m.FailAllPending(errs.ConnectionLost("transport disconnected"))
	m.wg.Wait()
	m.logger.Info("transport disconnected")
}

// PendingCount returns the size of the pending-request table.
func (m *Multiplexer) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// LateReplies counts replies that arrived after their request resolved.
func (m *Multiplexer) LateReplies() uint64 { return m.lateReplies.Load() }

// FramesSent and FramesReceived expose transport counters.
func (m *Multiplexer) FramesSent() uint64     { return m.framesSent.Load() }
func (m *Multiplexer) FramesReceived() uint64 { return m.framesRecv.Load() }

func (m *Multiplexer) sealEnvelope(env *Envelope) ([]byte, error) {
	raw, err := env.Encode()
	if err != nil {
		return nil, err
	}
	return m.codec.Seal(raw)
}

// resolve delivers the terminal outcome for id. Only the goroutine that
// removes the entry from the table writes to done, so each request
// resolves exactly once.
func (m *Multiplexer) resolve(id string, out outcome) {
	m.mu.Lock()
	pr, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if !ok {
		if out.env != nil {
			m.lateReplies.Add(1)
			m.logger.Debug("late reply discarded", "id", id)
		}
		return
	}
	pr.done <- out
}

// receiveLoop reads frames from one socket until error. Decode errors on
// single frames are logged and skipped; read errors end the connection
// generation.
func (m *Multiplexer) receiveLoop(s *Socket, gen uint64, isReq bool) {
	defer m.wg.Done()

	for {
		frame, err := s.ReadFrame()
		if err != nil {
			m.handleSocketError(s, gen, err)
			return
		}
		m.framesRecv.Add(1)

		raw, err := m.codec.Open(frame)
		if err != nil {
			m.logger.Warn("dropping undecryptable frame", "channel", s.Channel(), "error", err)
			continue
		}
		env, err := DecodeEnvelope(raw)
		if err != nil {
			m.logger.Warn("dropping malformed frame", "channel", s.Channel(), "error", err)
			continue
		}

		if env.IsEvent() {
			m.mu.Lock()
			live := gen == m.gen && m.connected
			m.mu.Unlock()
			if live && m.onEvent != nil {
				m.onEvent(env)
			}
			continue
		}

		if isReq {
			if env.Error != "" || env.ErrorCode != "" {
				m.resolve(env.ID, outcome{err: errs.FromRemote(env.ErrorCode, env.Error)})
			} else {
				m.resolve(env.ID, outcome{env: env})
			}
		}
	}
}

// handleSocketError marks the generation dead exactly once, closes the
// generation's remaining sockets and notifies the supervisor. Deliberate
// Disconnects have already flipped connected.
func (m *Multiplexer) handleSocketError(s *Socket, gen uint64, err error) {
	m.mu.Lock()
	stale := gen != m.gen || !m.connected
	var peers []*Socket
	if !stale {
		m.connected = false
		peers = []*Socket{m.req, m.sub, m.push}
	}
	m.mu.Unlock()

	if stale || s.Closed() {
		return
	}

	// One dead socket kills the whole generation: the surviving receive
	// loops must exit instead of feeding stale frames past a reconnect.
	for _, peer := range peers {
		if peer != nil && peer != s {
			peer.Close()
		}
	}

	m.logger.Error("socket read failed", "channel", s.Channel(), "error", err)
	m.FailAllPending(errs.ConnectionLost("connection lost").WithCause(err))

	if m.onDisconnect != nil {
		m.onDisconnect(err)
	}
}
