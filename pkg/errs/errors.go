// Package errs defines the gateway's error taxonomy: every failure carries
// a stable external code, a kind, optional details and a timestamp, and is
// serializable to a canonical wire shape for cross-process propagation.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an error for propagation policy decisions.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindConnection     Kind = "connection"
	KindTimeout        Kind = "timeout"
	KindCancelled      Kind = "cancelled"
	KindRateLimited    Kind = "rate_limited"
	KindCircuitOpen    Kind = "circuit_open"
	KindTrade          Kind = "trade"
	KindMarketData     Kind = "market_data"
	KindAccount        Kind = "account"
	KindSecurity       Kind = "security"
	KindInternal       Kind = "internal"
)

// Stable external codes, surfaced verbatim on the wire.
const (
	// Connection E001-E004
	CodeConnectionFailed  = "E001"
	CodeConnectionLost    = "E002"
	CodeConnectionTimeout = "E003"
	CodeUnreachable       = "E004"

	// Trading E101-E108
	CodeTradeRejected      = "E101"
	CodeInvalidTradeAction = "E102"
	CodeInvalidVolume      = "E103"
	CodeInvalidPrice       = "E104"
	CodeOrderNotFound      = "E105"
	CodePositionNotFound   = "E106"
	CodeInvalidOrderType   = "E107"
	CodeTradeTimeout       = "E108"

	// Market data E201-E204
	CodeSymbolNotFound   = "E201"
	CodeInvalidTimeframe = "E202"
	CodeSubscribeFailed  = "E203"
	CodeMarketDataStale  = "E204"

	// Account E301-E303
	CodeAccountUnavailable = "E301"
	CodeInsufficientFunds  = "E302"
	CodeAccountRestricted  = "E303"

	// System E901-E905
	CodeInternal         = "E901"
	CodeRateLimited      = "E902"
	CodeCircuitOpen      = "E903"
	CodeUnauthorized     = "E904"
	CodeSessionExpired   = "E905"
)

// Error is the gateway failure type. Callers match on Kind via errors.Is
// and on Code for the external contract.
type Error struct {
	Code      string            `json:"code"`
	Kind      Kind              `json:"kind"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`

	cause error
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches by kind so sentinel comparisons like
// errors.Is(err, errs.SentinelTimeout) work regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return t.Kind == e.Kind
}

// WithDetail attaches a detail key/value, allocating the map lazily.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error for errors.Unwrap chains.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// New creates an Error of the given kind and code.
func New(kind Kind, code, msg string) *Error {
	return &Error{
		Code:      code,
		Kind:      kind,
		Message:   msg,
		Timestamp: time.Now(),
	}
}

// Newf is New with formatting.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return New(kind, code, fmt.Sprintf(format, args...))
}

// ============ Constructors per kind ============

func Validation(msg string) *Error     { return New(KindValidation, CodeInternal, msg) }
func Authentication(msg string) *Error { return New(KindAuthentication, CodeUnauthorized, msg) }
func Authorization(msg string) *Error  { return New(KindAuthorization, CodeUnauthorized, msg) }
func Connection(msg string) *Error     { return New(KindConnection, CodeConnectionFailed, msg) }
func ConnectionLost(msg string) *Error { return New(KindConnection, CodeConnectionLost, msg) }
func Timeout(msg string) *Error        { return New(KindTimeout, CodeConnectionTimeout, msg) }
func Cancelled(msg string) *Error      { return New(KindCancelled, CodeInternal, msg) }
func RateLimited(msg string) *Error    { return New(KindRateLimited, CodeRateLimited, msg) }
func CircuitOpen(msg string) *Error    { return New(KindCircuitOpen, CodeCircuitOpen, msg) }
func Trade(code, msg string) *Error    { return New(KindTrade, code, msg) }
func MarketData(code, msg string) *Error { return New(KindMarketData, code, msg) }
func Account(code, msg string) *Error  { return New(KindAccount, code, msg) }
func Security(msg string) *Error       { return New(KindSecurity, CodeUnauthorized, msg) }
func Internal(msg string) *Error       { return New(KindInternal, CodeInternal, msg) }

// SessionExpired is authentication-kind with its dedicated code so callers
// can distinguish expiry from bad credentials.
func SessionExpired(msg string) *Error {
	return New(KindAuthentication, CodeSessionExpired, msg)
}

// Unreachable marks reconnection exhaustion; further operations are blocked
// until an explicit connect.
func Unreachable(msg string) *Error {
	return New(KindConnection, CodeUnreachable, msg)
}

// ============ Kind sentinels for errors.Is ============

var (
	SentinelTimeout        = &Error{Kind: KindTimeout}
	SentinelCancelled      = &Error{Kind: KindCancelled}
	SentinelConnection     = &Error{Kind: KindConnection}
	SentinelRateLimited    = &Error{Kind: KindRateLimited}
	SentinelCircuitOpen    = &Error{Kind: KindCircuitOpen}
	SentinelAuthentication = &Error{Kind: KindAuthentication}
	SentinelAuthorization  = &Error{Kind: KindAuthorization}
	SentinelValidation     = &Error{Kind: KindValidation}
)

// IsKind reports whether err (or anything it wraps) is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}

// ============ Wire shape ============

// wireError is the canonical JSON shape carried across process boundaries.
type wireError struct {
	Code      string            `json:"code"`
	Kind      string            `json:"kind"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// MarshalWire serializes the error to its wire shape.
func MarshalWire(e *Error) ([]byte, error) {
	return json.Marshal(wireError{
		Code:      e.Code,
		Kind:      string(e.Kind),
		Message:   e.Message,
		Details:   e.Details,
		Timestamp: e.Timestamp.UnixMilli(),
	})
}

// UnmarshalWire reconstructs an Error from its wire shape.
func UnmarshalWire(data []byte) (*Error, error) {
	var w wireError
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &Error{
		Code:      w.Code,
		Kind:      Kind(w.Kind),
		Message:   w.Message,
		Details:   w.Details,
		Timestamp: time.UnixMilli(w.Timestamp),
	}, nil
}

// FromRemote maps a broker error code onto the local taxonomy. Unknown
// codes fall through as internal.
func FromRemote(code, msg string) *Error {
	var kind Kind
	switch {
	case code == "":
		kind = KindInternal
		code = CodeInternal
	case code == CodeRateLimited:
		kind = KindRateLimited
	case code == CodeCircuitOpen:
		kind = KindCircuitOpen
	case code == CodeUnauthorized, code == CodeSessionExpired:
		kind = KindAuthentication
	case strings.HasPrefix(code, "E0"):
		kind = KindConnection
	case strings.HasPrefix(code, "E1"):
		kind = KindTrade
	case strings.HasPrefix(code, "E2"):
		kind = KindMarketData
	case strings.HasPrefix(code, "E3"):
		kind = KindAccount
	default:
		kind = KindInternal
	}
	return New(kind, code, msg)
}
