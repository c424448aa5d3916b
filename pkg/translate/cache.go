package translate

import (
	"context"
	"sync"
	"time"
)

// SessionProvider supplies a live session id for cache auto-refresh.
// Without one, caches never refresh on their own and simply age out;
// callers refresh by issuing reads through their agent.
type SessionProvider interface {
	SessionID(ctx context.Context) (string, error)
}

// ring is a fixed-capacity append ring. Oldest entries are overwritten.
type ring[T any] struct {
	buf   []T
	next  int
	count int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// snapshot returns entries oldest first.
func (r *ring[T]) snapshot() []T {
	out := make([]T, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// MarketCacheConfig bounds the per-symbol rings.
type MarketCacheConfig struct {
	TickRingSize int
	OHLCRingSize int

	// SymbolInfoTTL ages out instrument descriptions
	SymbolInfoTTL time.Duration
}

// DefaultMarketCacheConfig returns production defaults.
func DefaultMarketCacheConfig() *MarketCacheConfig {
	return &MarketCacheConfig{
		TickRingSize:  256,
		OHLCRingSize:  512,
		SymbolInfoTTL: time.Hour,
	}
}

type symbolEntry struct {
	info     *SymbolInfo
	cachedAt time.Time
}

// MarketCache holds the latest tick per symbol, symbol descriptions, and
// bounded tick/OHLC history rings. Invalidation follows the subscription
// lifecycle: unsubscribing a symbol drops everything cached for it.
type MarketCache struct {
	config   *MarketCacheConfig
	provider SessionProvider // nil disables auto-refresh

	mu      sync.RWMutex
	ticks   map[string]*Tick
	symbols map[string]*symbolEntry
	tickLog map[string]*ring[*Tick]
	ohlcLog map[string]*ring[*OHLCBar] // keyed symbol|timeframe
}

// NewMarketCache creates an empty cache.
func NewMarketCache(config *MarketCacheConfig, provider SessionProvider) *MarketCache {
	if config == nil {
		config = DefaultMarketCacheConfig()
	}
	if config.TickRingSize <= 0 {
		config.TickRingSize = 256
	}
	if config.OHLCRingSize <= 0 {
		config.OHLCRingSize = 512
	}
	return &MarketCache{
		config:   config,
		provider: provider,
		ticks:    make(map[string]*Tick),
		symbols:  make(map[string]*symbolEntry),
		tickLog:  make(map[string]*ring[*Tick]),
		ohlcLog:  make(map[string]*ring[*OHLCBar]),
	}
}

// PutTick records a quote as both the latest value and a ring entry.
func (c *MarketCache) PutTick(t *Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks[t.Symbol] = t
	log, ok := c.tickLog[t.Symbol]
	if !ok {
		log = newRing[*Tick](c.config.TickRingSize)
		c.tickLog[t.Symbol] = log
	}
	log.push(t)
}

// LatestTick returns the newest quote for a symbol.
func (c *MarketCache) LatestTick(symbol string) (*Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.ticks[symbol]
	return t, ok
}

// TickHistory returns the ring contents oldest first.
func (c *MarketCache) TickHistory(symbol string) []*Tick {
	c.mu.RLock()
	defer c.mu.RUnlock()
	log, ok := c.tickLog[symbol]
	if !ok {
		return nil
	}
	return log.snapshot()
}

// PutBar records one candle.
func (c *MarketCache) PutBar(bar *OHLCBar) {
	key := bar.Symbol + "|" + string(bar.Timeframe)
	c.mu.Lock()
	defer c.mu.Unlock()
	log, ok := c.ohlcLog[key]
	if !ok {
		log = newRing[*OHLCBar](c.config.OHLCRingSize)
		c.ohlcLog[key] = log
	}
	log.push(bar)
}

// Bars returns cached candles for a symbol and timeframe, oldest first.
func (c *MarketCache) Bars(symbol string, tf Timeframe) []*OHLCBar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	log, ok := c.ohlcLog[symbol+"|"+string(tf)]
	if !ok {
		return nil
	}
	return log.snapshot()
}

// PutSymbolInfo caches an instrument description.
func (c *MarketCache) PutSymbolInfo(info *SymbolInfo) {
	c.mu.Lock()
	c.symbols[info.Symbol] = &symbolEntry{info: info, cachedAt: time.Now()}
	c.mu.Unlock()
}

// SymbolInfo returns a description unless it aged past the ttl.
func (c *MarketCache) SymbolInfo(symbol string) (*SymbolInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.symbols[symbol]
	if !ok {
		return nil, false
	}
	if c.config.SymbolInfoTTL > 0 && time.Since(entry.cachedAt) > c.config.SymbolInfoTTL {
		return nil, false
	}
	return entry.info, true
}

// Invalidate drops everything cached for one symbol. Called when the
// symbol's subscription state changes.
func (c *MarketCache) Invalidate(symbol string) {
	prefix := symbol + "|"
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ticks, symbol)
	delete(c.symbols, symbol)
	delete(c.tickLog, symbol)
	for key := range c.ohlcLog {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(c.ohlcLog, key)
		}
	}
}

// Clear empties the cache.
func (c *MarketCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = make(map[string]*Tick)
	c.symbols = make(map[string]*symbolEntry)
	c.tickLog = make(map[string]*ring[*Tick])
	c.ohlcLog = make(map[string]*ring[*OHLCBar])
}
