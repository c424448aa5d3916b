// Package events implements the gateway's pub/sub fabric: typed events,
// filtered subscriptions and a priority-ordered router with a bounded
// queue.
package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/traderlink/mtgate/pkg/transport"
)

// Type is the closed set of event types.
type Type string

const (
	TypeTick             Type = "tick"
	TypeOHLC             Type = "ohlc"
	TypeTrade            Type = "trade"
	TypeOrder            Type = "order"
	TypePosition         Type = "position"
	TypeAccount          Type = "account"
	TypeSymbol           Type = "symbol"
	TypeConnectionStatus Type = "connection_status"
	TypeError            Type = "error"
	TypeHeartbeat        Type = "heartbeat"
)

// Event is one routed occurrence.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Source    string
	Data      map[string]any
	Metadata  map[string]string
}

// New builds an event with a fresh id and current timestamp.
func New(eventType Type, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Data:      data,
	}
}

// typeForTopic maps a topic prefix onto an event type. Topics follow the
// "<prefix>.<subject>" convention (e.g. "tick.EURUSD").
func typeForTopic(topic string) Type {
	prefix := topic
	if idx := strings.IndexByte(topic, '.'); idx >= 0 {
		prefix = topic[:idx]
	}
	switch prefix {
	case "tick":
		return TypeTick
	case "ohlc", "candle":
		return TypeOHLC
	case "trade":
		return TypeTrade
	case "order":
		return TypeOrder
	case "position":
		return TypePosition
	case "account":
		return TypeAccount
	case "symbol":
		return TypeSymbol
	case "connection":
		return TypeConnectionStatus
	case "heartbeat":
		return TypeHeartbeat
	default:
		return TypeError
	}
}

// FromEnvelope shapes an inbound event envelope into a typed event. The
// original topic and envelope type survive in metadata.
func FromEnvelope(env *transport.Envelope) (*Event, error) {
	data := make(map[string]any)
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, err
		}
	}

	id := env.ID
	if id == "" {
		id = uuid.NewString()
	}

	return &Event{
		ID:        id,
		Type:      typeForTopic(env.Topic),
		Timestamp: env.Time(),
		Source:    env.Topic,
		Data:      data,
		Metadata: map[string]string{
			"topic":         env.Topic,
			"envelope_type": env.Type,
		},
	}, nil
}

// Filter narrows which events a subscription receives. Zero-value fields
// match everything; all set fields must match.
type Filter struct {
	Type      Type
	Source    string
	Equals    map[string]any
	Predicate func(*Event) bool
}

// Matches applies the filter to one event.
func (f *Filter) Matches(e *Event) bool {
	if f == nil {
		return true
	}
	if f.Type != "" && f.Type != e.Type {
		return false
	}
	if f.Source != "" && f.Source != e.Source {
		return false
	}
	for k, want := range f.Equals {
		got, ok := e.Data[k]
		if !ok || got != want {
			return false
		}
	}
	if f.Predicate != nil && !f.Predicate(e) {
		return false
	}
	return true
}
