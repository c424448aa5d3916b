// Package translate holds the pure transforms between broker payloads and
// typed entities, plus the market-data caches fed by them. No I/O happens
// here; malformed payloads reject with validation errors.
package translate

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/traderlink/mtgate/pkg/errs"
)

// TradeAction is the broker trade verb set.
type TradeAction string

const (
	ActionBuy       TradeAction = "BUY"
	ActionSell      TradeAction = "SELL"
	ActionBuyLimit  TradeAction = "BUY_LIMIT"
	ActionSellLimit TradeAction = "SELL_LIMIT"
	ActionBuyStop   TradeAction = "BUY_STOP"
	ActionSellStop  TradeAction = "SELL_STOP"
)

func (a TradeAction) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionBuyLimit, ActionSellLimit, ActionBuyStop, ActionSellStop:
		return true
	}
	return false
}

// IsPending reports whether the action places a pending order rather than
// an immediate market deal.
func (a TradeAction) IsPending() bool {
	return a != ActionBuy && a != ActionSell
}

// OrderType mirrors the broker's order classification.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
	OrderStop   OrderType = "STOP"
)

func (o OrderType) Valid() bool {
	return o == OrderMarket || o == OrderLimit || o == OrderStop
}

// Timeframe names an OHLC bar period.
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
	TimeframeW1  Timeframe = "W1"
	TimeframeMN1 Timeframe = "MN1"
)

func (tf Timeframe) Valid() bool {
	switch tf {
	case TimeframeM1, TimeframeM5, TimeframeM15, TimeframeM30,
		TimeframeH1, TimeframeH4, TimeframeD1, TimeframeW1, TimeframeMN1:
		return true
	}
	return false
}

// TradeRequest is the caller-facing trade shape. Validated before it ever
// reaches the wire.
type TradeRequest struct {
	Symbol     string      `json:"symbol" validate:"required"`
	Action     TradeAction `json:"action" validate:"required"`
	Volume     float64     `json:"volume" validate:"required,gt=0"`
	Price      float64     `json:"price,omitempty" validate:"gte=0"`
	StopLoss   float64     `json:"stopLoss,omitempty" validate:"gte=0"`
	TakeProfit float64     `json:"takeProfit,omitempty" validate:"gte=0"`
	Deviation  int         `json:"deviation,omitempty" validate:"gte=0"`
	Comment    string      `json:"comment,omitempty" validate:"max=64"`
	Magic      int64       `json:"magic,omitempty"`
}

// TradeResult is the broker's answer to a trade request.
type TradeResult struct {
	OrderID    string    `json:"orderId"`
	PositionID string    `json:"positionId,omitempty"`
	Symbol     string    `json:"symbol"`
	Volume     float64   `json:"volume"`
	Price      float64   `json:"price"`
	RetCode    int       `json:"retCode"`
	Comment    string    `json:"comment,omitempty"`
	ExecutedAt time.Time `json:"executedAt"`
}

// Position is an open market position.
type Position struct {
	ID         string      `json:"id"`
	Symbol     string      `json:"symbol"`
	Action     TradeAction `json:"action"`
	Volume     float64     `json:"volume"`
	OpenPrice  float64     `json:"openPrice"`
	Price      float64     `json:"price"`
	StopLoss   float64     `json:"stopLoss,omitempty"`
	TakeProfit float64     `json:"takeProfit,omitempty"`
	Profit     float64     `json:"profit"`
	Swap       float64     `json:"swap"`
	OpenedAt   time.Time   `json:"openedAt"`
}

// Order is a pending order.
type Order struct {
	ID         string      `json:"id"`
	Symbol     string      `json:"symbol"`
	Action     TradeAction `json:"action"`
	Type       OrderType   `json:"type"`
	Volume     float64     `json:"volume"`
	Price      float64     `json:"price"`
	StopLoss   float64     `json:"stopLoss,omitempty"`
	TakeProfit float64     `json:"takeProfit,omitempty"`
	PlacedAt   time.Time   `json:"placedAt"`
	ExpiresAt  time.Time   `json:"expiresAt,omitempty"`
}

// Tick is one quote.
type Tick struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last,omitempty"`
	Volume float64   `json:"volume,omitempty"`
	At     time.Time `json:"at"`
}

// Spread is the current bid/ask distance.
func (t *Tick) Spread() float64 { return t.Ask - t.Bid }

// OHLCBar is one candle.
type OHLCBar struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	OpenedAt  time.Time `json:"openedAt"`
}

// AccountInfo is the account snapshot.
type AccountInfo struct {
	Login      string    `json:"login"`
	Balance    float64   `json:"balance"`
	Equity     float64   `json:"equity"`
	Margin     float64   `json:"margin"`
	FreeMargin float64   `json:"freeMargin"`
	Leverage   int       `json:"leverage"`
	Currency   string    `json:"currency"`
	AsOf       time.Time `json:"asOf"`
}

// SymbolInfo describes one tradeable instrument.
type SymbolInfo struct {
	Symbol        string    `json:"symbol"`
	Description   string    `json:"description,omitempty"`
	Digits        int       `json:"digits"`
	Point         float64   `json:"point"`
	ContractSize  float64   `json:"contractSize"`
	MinVolume     float64   `json:"minVolume"`
	MaxVolume     float64   `json:"maxVolume"`
	VolumeStep    float64   `json:"volumeStep"`
	TradeAllowed  bool      `json:"tradeAllowed"`
	AsOf          time.Time `json:"asOf"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateTradeRequest rejects malformed requests before the pipeline
// spends any quota on them.
func ValidateTradeRequest(req *TradeRequest) error {
	if req == nil {
		return errs.Validation("trade request is nil")
	}
	if !req.Action.Valid() {
		return errs.Validation("invalid trade action " + string(req.Action)).
			WithDetail("action", string(req.Action))
	}
	if req.Action.IsPending() && req.Price <= 0 {
		return errs.Validation("pending orders require a price")
	}
	if err := validate.Struct(req); err != nil {
		return errs.Validation("invalid trade request").WithCause(err)
	}
	return nil
}
