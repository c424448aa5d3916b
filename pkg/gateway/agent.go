package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/traderlink/mtgate/pkg/contracts"
	"github.com/traderlink/mtgate/pkg/errs"
	"github.com/traderlink/mtgate/pkg/events"
	"github.com/traderlink/mtgate/pkg/resilience"
	"github.com/traderlink/mtgate/pkg/session"
	"github.com/traderlink/mtgate/pkg/translate"
	"github.com/traderlink/mtgate/pkg/transport"
)

// Operation permissions. Trading calls need PermTrade, read-side calls
// PermRead, subscription calls PermSubscribe. A session holding the
// wildcard passes all three.
const (
	PermTrade     = "trade"
	PermRead      = "read"
	PermSubscribe = "subscribe"
)

// AgentConfig binds a logical caller to an account and credentials.
type AgentConfig struct {
	ID          string
	Account     string
	Credentials contracts.Credentials
	Peer        session.PeerInfo
}

func breakerName(agentID string) string   { return "agent:" + agentID }
func limiterClient(agentID string) string { return "agent:" + agentID }

// Agent is the public object a caller holds. Every call runs the full
// pipeline: active check, permission check, rate limit, circuit breaker,
// then the transport. The session is held by id only; on expiry the agent
// deactivates until re-initialized.
type Agent struct {
	config  *AgentConfig
	gateway *Gateway
	breaker *resilience.CircuitBreaker
	logger  contracts.Logger

	mu           sync.Mutex
	sessionID    string
	token        string
	active       bool
	lastActivity time.Time
}

func newAgent(config *AgentConfig, g *Gateway) *Agent {
	a := &Agent{
		config:  config,
		gateway: g,
		breaker: g.breakers.Get(breakerName(config.ID)),
		logger:  g.logger.Named("agent").With("agent", config.ID),
	}
	a.breaker.OnStateChange(func(change resilience.StateChange) {
		g.router.Publish(events.New(events.TypeError, "agent:"+config.ID, map[string]any{
			"reason": "circuit_state_change",
			"from":   change.From.String(),
			"to":     change.To.String(),
		}))
	})
	return a
}

// ID returns the agent's identity.
func (a *Agent) ID() string { return a.config.ID }

// Active reports whether the agent holds a live session.
func (a *Agent) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// initialize authenticates the agent's credentials and binds the session.
func (a *Agent) initialize(ctx context.Context) error {
	res, err := a.gateway.sessions.Authenticate(ctx, a.config.Credentials, a.config.Peer)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.sessionID = res.SessionID
	a.token = res.Token
	a.active = true
	a.lastActivity = time.Now()
	a.mu.Unlock()
	return nil
}

// Reauthenticate re-runs authentication after a session expiry.
func (a *Agent) Reauthenticate(ctx context.Context) error {
	return a.initialize(ctx)
}

// close invalidates the session and deactivates the agent.
func (a *Agent) close(ctx context.Context) {
	a.mu.Lock()
	sessionID := a.sessionID
	a.active = false
	a.sessionID = ""
	a.token = ""
	a.mu.Unlock()

	if sessionID != "" {
		if err := a.gateway.sessions.Invalidate(ctx, sessionID); err != nil {
			a.logger.Warn("session invalidation failed", "error", err)
		}
	}
}

// invoke runs one operation through the agent pipeline and returns the
// reply envelope.
func (a *Agent) invoke(ctx context.Context, op, perm string, env *transport.Envelope) (*transport.Envelope, error) {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return nil, errs.Authentication("agent " + a.config.ID + " is not authenticated")
	}
	sessionID := a.sessionID
	a.lastActivity = time.Now()
	a.mu.Unlock()

	if err := a.gateway.sessions.CheckPermission(ctx, sessionID, perm); err != nil {
		if errs.IsKind(err, errs.KindAuthentication) {
			// Session died underneath us; further calls fail fast until
			// the caller re-authenticates.
			a.mu.Lock()
			a.active = false
			a.mu.Unlock()
		}
		return nil, err
	}

	if res := a.gateway.limiter.Check(limiterClient(a.config.ID), op, 1); !res.Allowed {
		a.gateway.router.Publish(events.New(events.TypeError, "agent:"+a.config.ID, map[string]any{
			"reason":         "rate_limited",
			"operation":      op,
			"retry_after_ms": res.RetryAfter.Milliseconds(),
		}))
		return nil, errs.RateLimited("operation "+op+" throttled").
			WithDetail("operation", op).
			WithDetail("retryAfterMs", res.RetryAfter.String())
	}

	out, err := a.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		return a.gateway.mux.SendRequest(ctx, env)
	}, nil)
	if err != nil {
		return nil, err
	}
	return out.(*transport.Envelope), nil
}

// request builds an envelope and runs it through the pipeline.
func (a *Agent) request(ctx context.Context, op, perm, msgType, action string, data any) (*transport.Envelope, error) {
	env, err := transport.NewEnvelope(msgType, action, data)
	if err != nil {
		return nil, errs.Internal("encode " + op + " request").WithCause(err)
	}
	return a.invoke(ctx, op, perm, env)
}

// ============ Trading ============

// ExecuteTrade validates and submits a trade.
func (a *Agent) ExecuteTrade(ctx context.Context, req *translate.TradeRequest) (*translate.TradeResult, error) {
	payload, err := translate.EncodeTradeRequest(req)
	if err != nil {
		return nil, err
	}
	env, err := transport.NewEnvelope(transport.TypeTradeRequest, "execute", nil)
	if err != nil {
		return nil, errs.Internal("encode trade request").WithCause(err)
	}
	env.Data = payload

	reply, err := a.invoke(ctx, "executeTrade", PermTrade, env)
	if err != nil {
		return nil, err
	}
	result, err := translate.ParseTradeResult(reply.Data)
	if err != nil {
		return nil, err
	}
	a.gateway.router.Publish(events.New(events.TypeTrade, "agent:"+a.config.ID, map[string]any{
		"orderId": result.OrderID,
		"symbol":  result.Symbol,
		"volume":  result.Volume,
		"price":   result.Price,
	}))
	return result, nil
}

// ClosePosition closes an open position, fully or partially.
func (a *Agent) ClosePosition(ctx context.Context, positionID string, volume float64) (*translate.TradeResult, error) {
	if positionID == "" {
		return nil, errs.Validation("position id is required")
	}
	reply, err := a.request(ctx, "closePosition", PermTrade, transport.TypeTradeRequest, "close", map[string]any{
		"positionId": positionID,
		"volume":     volume,
	})
	if err != nil {
		return nil, err
	}
	return translate.ParseTradeResult(reply.Data)
}

// CancelOrder cancels a pending order.
func (a *Agent) CancelOrder(ctx context.Context, orderID string) error {
	if orderID == "" {
		return errs.Validation("order id is required")
	}
	_, err := a.request(ctx, "cancelOrder", PermTrade, transport.TypeTradeRequest, "cancel", map[string]string{
		"orderId": orderID,
	})
	return err
}

// ModifyOrder updates a pending order's price levels.
func (a *Agent) ModifyOrder(ctx context.Context, orderID string, price, stopLoss, takeProfit float64) error {
	if orderID == "" {
		return errs.Validation("order id is required")
	}
	_, err := a.request(ctx, "modifyOrder", PermTrade, transport.TypeTradeRequest, "modify", map[string]any{
		"orderId":    orderID,
		"price":      price,
		"stopLoss":   stopLoss,
		"takeProfit": takeProfit,
	})
	return err
}

// ============ Read side ============

// GetPositions returns open positions for the agent's account.
func (a *Agent) GetPositions(ctx context.Context) ([]*translate.Position, error) {
	reply, err := a.request(ctx, "getPositions", PermRead, transport.TypeTradeRequest, "getPositions", map[string]string{
		"account": a.config.Account,
	})
	if err != nil {
		return nil, err
	}
	return translate.ParsePositions(reply.Data)
}

// GetOrders returns pending orders for the agent's account.
func (a *Agent) GetOrders(ctx context.Context) ([]*translate.Order, error) {
	reply, err := a.request(ctx, "getOrders", PermRead, transport.TypeTradeRequest, "getOrders", map[string]string{
		"account": a.config.Account,
	})
	if err != nil {
		return nil, err
	}
	return translate.ParseOrders(reply.Data)
}

// GetAccountInfo returns the account snapshot.
func (a *Agent) GetAccountInfo(ctx context.Context) (*translate.AccountInfo, error) {
	reply, err := a.request(ctx, "getAccountInfo", PermRead, transport.TypeAccountRequest, "getInfo", map[string]string{
		"account": a.config.Account,
	})
	if err != nil {
		return nil, err
	}
	return translate.ParseAccountInfo(reply.Data)
}

// GetSymbolInfo returns an instrument description, served from cache when
// fresh.
func (a *Agent) GetSymbolInfo(ctx context.Context, symbol string) (*translate.SymbolInfo, error) {
	if symbol == "" {
		return nil, errs.Validation("symbol is required")
	}
	if info, ok := a.gateway.cache.SymbolInfo(symbol); ok {
		return info, nil
	}
	reply, err := a.request(ctx, "getSymbolInfo", PermRead, transport.TypeSymbolRequest, "getInfo", map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return nil, err
	}
	info, err := translate.ParseSymbolInfo(reply.Data)
	if err != nil {
		return nil, err
	}
	a.gateway.cache.PutSymbolInfo(info)
	return info, nil
}

// GetOHLC returns candle history, feeding the per-symbol ring.
func (a *Agent) GetOHLC(ctx context.Context, symbol string, tf translate.Timeframe, count int) ([]*translate.OHLCBar, error) {
	if symbol == "" {
		return nil, errs.Validation("symbol is required")
	}
	if !tf.Valid() {
		return nil, errs.Validation("invalid timeframe " + string(tf))
	}
	if count <= 0 {
		count = 100
	}
	reply, err := a.request(ctx, "getOHLC", PermRead, transport.TypeMarketRequest, "getOHLC", map[string]any{
		"symbol":    symbol,
		"timeframe": tf,
		"count":     count,
	})
	if err != nil {
		return nil, err
	}
	bars, err := translate.ParseOHLCSeries(reply.Data)
	if err != nil {
		return nil, err
	}
	for _, bar := range bars {
		a.gateway.cache.PutBar(bar)
	}
	return bars, nil
}

// LatestTick serves the newest cached quote without touching the wire.
func (a *Agent) LatestTick(symbol string) (*translate.Tick, bool) {
	return a.gateway.cache.LatestTick(symbol)
}

// ============ Subscriptions ============

// SubscribeToMarketData subscribes tick topics for the given symbols and
// invalidates any stale cache state for them.
func (a *Agent) SubscribeToMarketData(ctx context.Context, symbols ...string) error {
	if len(symbols) == 0 {
		return errs.Validation("at least one symbol is required")
	}
	a.mu.Lock()
	active := a.active
	sessionID := a.sessionID
	a.mu.Unlock()
	if !active {
		return errs.Authentication("agent " + a.config.ID + " is not authenticated")
	}
	if err := a.gateway.sessions.CheckPermission(ctx, sessionID, PermSubscribe); err != nil {
		return err
	}

	topics := make([]string, 0, len(symbols))
	for _, s := range symbols {
		topics = append(topics, "tick."+s)
		a.gateway.cache.Invalidate(s)
	}
	return a.gateway.mux.Subscribe(topics...)
}

// UnsubscribeFromMarketData removes tick topics and drops cached state.
func (a *Agent) UnsubscribeFromMarketData(ctx context.Context, symbols ...string) error {
	if len(symbols) == 0 {
		return errs.Validation("at least one symbol is required")
	}
	a.mu.Lock()
	active := a.active
	sessionID := a.sessionID
	a.mu.Unlock()
	if !active {
		return errs.Authentication("agent " + a.config.ID + " is not authenticated")
	}
	if err := a.gateway.sessions.CheckPermission(ctx, sessionID, PermSubscribe); err != nil {
		return err
	}

	topics := make([]string, 0, len(symbols))
	for _, s := range symbols {
		topics = append(topics, "tick."+s)
		a.gateway.cache.Invalidate(s)
	}
	return a.gateway.mux.Unsubscribe(topics...)
}

// OnEvent registers a handler for events from this agent's perspective.
func (a *Agent) OnEvent(filter *events.Filter, handler events.Handler, priority int) *events.Subscription {
	return a.gateway.router.Subscribe(filter, handler, priority)
}

// BreakerStats exposes the agent's breaker snapshot.
func (a *Agent) BreakerStats() resilience.Stats { return a.breaker.Stats() }
