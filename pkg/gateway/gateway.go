package gateway

import (
	"context"
	"sync"

	"github.com/traderlink/mtgate/pkg/contracts"
	"github.com/traderlink/mtgate/pkg/errs"
	"github.com/traderlink/mtgate/pkg/events"
	"github.com/traderlink/mtgate/pkg/ratelimit"
	"github.com/traderlink/mtgate/pkg/resilience"
	"github.com/traderlink/mtgate/pkg/session"
	"github.com/traderlink/mtgate/pkg/translate"
	"github.com/traderlink/mtgate/pkg/transport"
)

// Config assembles per-layer settings for one gateway instance.
type Config struct {
	Transport  *transport.MuxConfig
	Supervisor *SupervisorConfig
	Router     *events.RouterConfig
	Session    *session.ManagerConfig
	Cache      *translate.MarketCacheConfig

	// Encryption wraps every frame in the AEAD codec when set
	Encryption *transport.AESEncryptorConfig
	// Compression enables brotli on large frames
	Compression bool

	// RateRules feed the shared agent limiter
	RateRules []*ratelimit.Rule
	// Breaker is the per-agent breaker template
	Breaker *resilience.BreakerConfig
}

// Deps carries the pluggable stores.
type Deps struct {
	Users    contracts.UserStore
	Sessions contracts.SessionStore
	Audit    contracts.AuditStore
	Logger   contracts.Logger
}

// Health is the gateway's aggregate health snapshot.
type Health struct {
	State      ConnState
	Supervisor SupervisorStats
	Router     events.RouterStats
	Breakers   map[string]resilience.Stats
	Limiter    map[string]ratelimit.RuleStats
	Agents     int
}

// Gateway is the caller-facing root object. It owns the connection core
// and hands out Agents bound to sessions, breakers and rate-limit
// identities.
type Gateway struct {
	config *Config
	logger contracts.Logger

	mux        *transport.Multiplexer
	router     *events.Router
	supervisor *Supervisor
	sessions   *session.Manager
	limiter    *ratelimit.Limiter
	breakers   *resilience.BreakerRegistry
	cache      *translate.MarketCache

	mu     sync.Mutex
	agents map[string]*Agent

	shutOnce sync.Once
}

// New assembles a gateway. Nothing dials until Connect.
func New(config *Config, deps Deps) (*Gateway, error) {
	if config == nil {
		config = &Config{}
	}
	if deps.Users == nil {
		return nil, errs.Validation("gateway requires a user store")
	}
	logger := deps.Logger
	if logger == nil {
		logger = contracts.NopLogger{}
	}

	var enc contracts.Encryptor
	if config.Encryption != nil {
		aes, err := transport.NewAESEncryptor(config.Encryption)
		if err != nil {
			return nil, err
		}
		enc = aes
	}
	codec := transport.NewFrameCodec(enc, enc != nil, config.Compression)

	mux := transport.NewMultiplexer(config.Transport, codec, logger)
	router := events.NewRouter(config.Router, logger)
	supervisor := NewSupervisor(config.Supervisor, mux, router, logger)

	sessions, err := session.NewManager(config.Session, deps.Users, deps.Sessions, deps.Audit, logger)
	if err != nil {
		router.Shutdown()
		return nil, err
	}

	limCfg := &ratelimit.Config{Enabled: len(config.RateRules) > 0, Rules: config.RateRules}
	limiter := ratelimit.New(limCfg, logger)

	breakerCfg := config.Breaker
	if breakerCfg == nil {
		breakerCfg = resilience.DefaultBreakerConfig()
	}
	if breakerCfg.IsSuccessful == nil {
		// Caller mistakes must not poison the remote-health signal.
		breakerCfg.IsSuccessful = func(err error) bool {
			return err == nil ||
				errs.IsKind(err, errs.KindValidation) ||
				errs.IsKind(err, errs.KindAuthorization)
		}
	}

	g := &Gateway{
		config:     config,
		logger:     logger.Named("gateway"),
		mux:        mux,
		router:     router,
		supervisor: supervisor,
		sessions:   sessions,
		limiter:    limiter,
		breakers:   resilience.NewBreakerRegistry(breakerCfg),
		cache:      translate.NewMarketCache(config.Cache, nil),
		agents:     make(map[string]*Agent),
	}
	mux.OnEvent(g.handleEnvelope)
	return g, nil
}

// Initialize prepares the gateway without dialing.
func (g *Gateway) Initialize() error {
	return g.supervisor.Initialize()
}

// Connect establishes the transport under the supervisor's retry policy.
func (g *Gateway) Connect(ctx context.Context) error {
	return g.supervisor.Connect(ctx)
}

// Disconnect tears the transport down deliberately; agents stay
// registered and reads from caches keep working.
func (g *Gateway) Disconnect() {
	g.supervisor.Disconnect()
}

// Shutdown terminates everything: agents, supervisor, router, sessions,
// limiter and breakers. Idempotent.
func (g *Gateway) Shutdown() {
	g.shutOnce.Do(func() {
		g.mu.Lock()
		agents := make([]*Agent, 0, len(g.agents))
		for _, a := range g.agents {
			agents = append(agents, a)
		}
		g.agents = make(map[string]*Agent)
		g.mu.Unlock()

		for _, a := range agents {
			a.close(context.Background())
		}

		g.supervisor.Shutdown()
		g.router.Shutdown()
		g.sessions.Close()
		g.limiter.Close()
		g.breakers.CloseAll()
		g.logger.Info("gateway shut down")
	})
}

// Status reports the connection state.
func (g *Gateway) Status() ConnState { return g.supervisor.State() }

// Health aggregates the observable state of every layer.
func (g *Gateway) Health() Health {
	g.mu.Lock()
	agentCount := len(g.agents)
	g.mu.Unlock()

	return Health{
		State:      g.supervisor.State(),
		Supervisor: g.supervisor.Stats(),
		Router:     g.router.Stats(),
		Breakers:   g.breakers.Stats(),
		Limiter:    g.limiter.Stats(),
		Agents:     agentCount,
	}
}

// Router exposes the event fabric for caller subscriptions.
func (g *Gateway) Router() *events.Router { return g.router }

// CreateAgent registers an agent and authenticates its session.
func (g *Gateway) CreateAgent(ctx context.Context, config *AgentConfig) (*Agent, error) {
	if config == nil || config.ID == "" {
		return nil, errs.Validation("agent config requires an id")
	}

	g.mu.Lock()
	if _, exists := g.agents[config.ID]; exists {
		g.mu.Unlock()
		return nil, errs.Validation("agent " + config.ID + " already exists")
	}
	g.mu.Unlock()

	agent := newAgent(config, g)
	if err := agent.initialize(ctx); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.agents[config.ID]; exists {
		agent.close(ctx)
		return nil, errs.Validation("agent " + config.ID + " already exists")
	}
	g.agents[config.ID] = agent
	g.logger.Info("agent created", "agent", config.ID, "account", config.Account)
	return agent, nil
}

// GetAgent returns a registered agent.
func (g *Gateway) GetAgent(id string) (*Agent, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.agents[id]
	return a, ok
}

// RemoveAgent deregisters and deactivates an agent.
func (g *Gateway) RemoveAgent(ctx context.Context, id string) error {
	g.mu.Lock()
	a, ok := g.agents[id]
	delete(g.agents, id)
	g.mu.Unlock()

	if !ok {
		return errs.Validation("agent " + id + " not found")
	}
	a.close(ctx)
	g.breakers.Remove(breakerName(id))
	g.limiter.Reset(limiterClient(id))
	g.logger.Info("agent removed", "agent", id)
	return nil
}

// handleEnvelope shapes inbound SUB-channel envelopes into typed events,
// feeds the market caches, and publishes to the router.
func (g *Gateway) handleEnvelope(env *transport.Envelope) {
	ev, err := events.FromEnvelope(env)
	if err != nil {
		g.logger.Warn("dropping malformed event payload", "topic", env.Topic, "error", err)
		return
	}

	switch ev.Type {
	case events.TypeTick:
		if tick, err := translate.ParseTick(env.Data); err == nil {
			g.cache.PutTick(tick)
		} else {
			g.logger.Debug("tick event failed translation", "topic", env.Topic, "error", err)
		}
	case events.TypeOHLC:
		if bar, err := translate.ParseOHLCBar(env.Data); err == nil {
			g.cache.PutBar(bar)
		}
	}

	g.router.Publish(ev)
}
