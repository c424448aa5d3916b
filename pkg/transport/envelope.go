// Package transport owns the wire layer against the broker endpoint:
// envelope encoding, frame security, the three channel sockets (REQ/REP,
// SUB, PUSH) and the request/response multiplexer.
package transport

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message types recognized on the wire. The remote selects a handler
// family by Type; Action is the verb within that family.
const (
	TypeHeartbeat     = "HEARTBEAT"
	TypeTradeRequest  = "TRADE_REQUEST"
	TypeMarketRequest = "MARKET_DATA_REQUEST"
	TypeAccountRequest = "ACCOUNT_REQUEST"
	TypeSymbolRequest = "SYMBOL_REQUEST"
	TypeSubscribe     = "SUBSCRIBE"
	TypeUnsubscribe   = "UNSUBSCRIBE"
	TypeNotification  = "NOTIFICATION"
)

// Envelope is the framed message carried on every channel. Replies echo
// the request ID; events carry a Topic instead.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Action    string          `json:"action,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Timestamp int64           `json:"timestamp"` // ms since epoch
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
}

// NewEnvelope builds an outbound envelope with a fresh correlation id and
// current timestamp. data is marshalled immediately so serialization
// failures surface at the call site, not on the send path.
func NewEnvelope(msgType, action string, data any) (*Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		Action:    action,
		Timestamp: time.Now().UnixMilli(),
		Data:      raw,
	}, nil
}

// IsReply reports whether the envelope correlates to a pending request.
func (e *Envelope) IsReply() bool { return e.Topic == "" && e.ID != "" }

// IsEvent reports whether the envelope is a published event.
func (e *Envelope) IsEvent() bool { return e.Topic != "" }

// Time returns the envelope timestamp as a time.Time.
func (e *Envelope) Time() time.Time { return time.UnixMilli(e.Timestamp) }

// Encode serializes the envelope to its JSON wire form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a JSON frame into an envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// HeartbeatEnvelope builds the supervisor's ping message.
func HeartbeatEnvelope() (*Envelope, error) {
	return NewEnvelope(TypeHeartbeat, "ping", map[string]int64{
		"timestamp": time.Now().UnixMilli(),
	})
}
