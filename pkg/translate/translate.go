package translate

import (
	"encoding/json"
	"time"

	"github.com/traderlink/mtgate/pkg/errs"
)

// Broker timestamps arrive as integer milliseconds since epoch. Zero means
// the field was absent.
func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// decodeInto unmarshals and then applies the wire struct's validation
// tags, so every parser shares one rejection path.
func decodeInto(data json.RawMessage, v any, what string) error {
	if len(data) == 0 {
		return errs.Validation("empty " + what + " payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.Validation("malformed " + what + " payload").WithCause(err)
	}
	if err := validate.Struct(v); err != nil {
		return errs.Validation("invalid " + what + " payload").WithCause(err)
	}
	return nil
}

// ============ Trade ============

// EncodeTradeRequest validates and serializes a trade request for the wire.
func EncodeTradeRequest(req *TradeRequest) (json.RawMessage, error) {
	if err := ValidateTradeRequest(req); err != nil {
		return nil, err
	}
	return json.Marshal(req)
}

type tradeResultWire struct {
	OrderID    string  `json:"orderId" validate:"required"`
	PositionID string  `json:"positionId"`
	Symbol     string  `json:"symbol"`
	Volume     float64 `json:"volume"`
	Price      float64 `json:"price"`
	RetCode    int     `json:"retCode"`
	Comment    string  `json:"comment"`
	ExecutedAt int64   `json:"executedAt"`
}

// ParseTradeResult shapes a broker trade reply.
func ParseTradeResult(data json.RawMessage) (*TradeResult, error) {
	var w tradeResultWire
	if err := decodeInto(data, &w, "trade result"); err != nil {
		return nil, err
	}
	return &TradeResult{
		OrderID:    w.OrderID,
		PositionID: w.PositionID,
		Symbol:     w.Symbol,
		Volume:     w.Volume,
		Price:      w.Price,
		RetCode:    w.RetCode,
		Comment:    w.Comment,
		ExecutedAt: msToTime(w.ExecutedAt),
	}, nil
}

// ============ Positions and orders ============

type positionWire struct {
	ID         string  `json:"id" validate:"required"`
	Symbol     string  `json:"symbol" validate:"required"`
	Action     string  `json:"action"`
	Volume     float64 `json:"volume"`
	OpenPrice  float64 `json:"openPrice"`
	Price      float64 `json:"price"`
	StopLoss   float64 `json:"stopLoss"`
	TakeProfit float64 `json:"takeProfit"`
	Profit     float64 `json:"profit"`
	Swap       float64 `json:"swap"`
	OpenedAt   int64   `json:"openedAt"`
}

func parsePosition(w *positionWire) (*Position, error) {
	action := TradeAction(w.Action)
	if !action.Valid() {
		return nil, errs.Validation("invalid position action " + w.Action)
	}
	return &Position{
		ID:         w.ID,
		Symbol:     w.Symbol,
		Action:     action,
		Volume:     w.Volume,
		OpenPrice:  w.OpenPrice,
		Price:      w.Price,
		StopLoss:   w.StopLoss,
		TakeProfit: w.TakeProfit,
		Profit:     w.Profit,
		Swap:       w.Swap,
		OpenedAt:   msToTime(w.OpenedAt),
	}, nil
}

// ParsePositions shapes the broker's position list.
func ParsePositions(data json.RawMessage) ([]*Position, error) {
	var wrapper struct {
		Positions []positionWire `json:"positions" validate:"dive"`
	}
	if err := decodeInto(data, &wrapper, "positions"); err != nil {
		return nil, err
	}
	out := make([]*Position, 0, len(wrapper.Positions))
	for i := range wrapper.Positions {
		p, err := parsePosition(&wrapper.Positions[i])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type orderWire struct {
	ID         string  `json:"id" validate:"required"`
	Symbol     string  `json:"symbol" validate:"required"`
	Action     string  `json:"action"`
	Type       string  `json:"type"`
	Volume     float64 `json:"volume"`
	Price      float64 `json:"price"`
	StopLoss   float64 `json:"stopLoss"`
	TakeProfit float64 `json:"takeProfit"`
	PlacedAt   int64   `json:"placedAt"`
	ExpiresAt  int64   `json:"expiresAt"`
}

// ParseOrders shapes the broker's pending order list.
func ParseOrders(data json.RawMessage) ([]*Order, error) {
	var wrapper struct {
		Orders []orderWire `json:"orders" validate:"dive"`
	}
	if err := decodeInto(data, &wrapper, "orders"); err != nil {
		return nil, err
	}
	out := make([]*Order, 0, len(wrapper.Orders))
	for i := range wrapper.Orders {
		w := &wrapper.Orders[i]
		action := TradeAction(w.Action)
		if !action.Valid() {
			return nil, errs.Validation("invalid order action " + w.Action)
		}
		otype := OrderType(w.Type)
		if !otype.Valid() {
			return nil, errs.Validation("invalid order type " + w.Type)
		}
		out = append(out, &Order{
			ID:         w.ID,
			Symbol:     w.Symbol,
			Action:     action,
			Type:       otype,
			Volume:     w.Volume,
			Price:      w.Price,
			StopLoss:   w.StopLoss,
			TakeProfit: w.TakeProfit,
			PlacedAt:   msToTime(w.PlacedAt),
			ExpiresAt:  msToTime(w.ExpiresAt),
		})
	}
	return out, nil
}

// ============ Market data ============

type tickWire struct {
	Symbol string  `json:"symbol" validate:"required"`
	Bid    float64 `json:"bid" validate:"gt=0"`
	Ask    float64 `json:"ask" validate:"gt=0,gtefield=Bid"`
	Last   float64 `json:"last"`
	Volume float64 `json:"volume"`
	At     int64   `json:"at"`
}

// ParseTick shapes one quote.
func ParseTick(data json.RawMessage) (*Tick, error) {
	var w tickWire
	if err := decodeInto(data, &w, "tick"); err != nil {
		return nil, err
	}
	return &Tick{
		Symbol: w.Symbol,
		Bid:    w.Bid,
		Ask:    w.Ask,
		Last:   w.Last,
		Volume: w.Volume,
		At:     msToTime(w.At),
	}, nil
}

type ohlcWire struct {
	Symbol    string  `json:"symbol" validate:"required"`
	Timeframe string  `json:"timeframe"`
	Open      float64 `json:"open" validate:"gt=0"`
	High      float64 `json:"high" validate:"gtefield=Low"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close" validate:"gt=0"`
	Volume    float64 `json:"volume"`
	OpenedAt  int64   `json:"openedAt"`
}

func parseBar(w *ohlcWire) (*OHLCBar, error) {
	tf := Timeframe(w.Timeframe)
	if !tf.Valid() {
		return nil, errs.Validation("invalid timeframe " + w.Timeframe)
	}
	return &OHLCBar{
		Symbol:    w.Symbol,
		Timeframe: tf,
		Open:      w.Open,
		High:      w.High,
		Low:       w.Low,
		Close:     w.Close,
		Volume:    w.Volume,
		OpenedAt:  msToTime(w.OpenedAt),
	}, nil
}

// ParseOHLCBar shapes a single candle (event path).
func ParseOHLCBar(data json.RawMessage) (*OHLCBar, error) {
	var w ohlcWire
	if err := decodeInto(data, &w, "ohlc"); err != nil {
		return nil, err
	}
	return parseBar(&w)
}

// ParseOHLCSeries shapes a candle history reply (request path).
func ParseOHLCSeries(data json.RawMessage) ([]*OHLCBar, error) {
	var wrapper struct {
		Bars []ohlcWire `json:"bars" validate:"dive"`
	}
	if err := decodeInto(data, &wrapper, "ohlc series"); err != nil {
		return nil, err
	}
	out := make([]*OHLCBar, 0, len(wrapper.Bars))
	for i := range wrapper.Bars {
		bar, err := parseBar(&wrapper.Bars[i])
		if err != nil {
			return nil, err
		}
		out = append(out, bar)
	}
	return out, nil
}

// ============ Account and symbol ============

type accountWire struct {
	Login      string  `json:"login" validate:"required"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"freeMargin"`
	Leverage   int     `json:"leverage"`
	Currency   string  `json:"currency"`
	AsOf       int64   `json:"asOf"`
}

// ParseAccountInfo shapes the account snapshot.
func ParseAccountInfo(data json.RawMessage) (*AccountInfo, error) {
	var w accountWire
	if err := decodeInto(data, &w, "account"); err != nil {
		return nil, err
	}
	asOf := msToTime(w.AsOf)
	if asOf.IsZero() {
		asOf = time.Now()
	}
	return &AccountInfo{
		Login:      w.Login,
		Balance:    w.Balance,
		Equity:     w.Equity,
		Margin:     w.Margin,
		FreeMargin: w.FreeMargin,
		Leverage:   w.Leverage,
		Currency:   w.Currency,
		AsOf:       asOf,
	}, nil
}

type symbolWire struct {
	Symbol       string  `json:"symbol" validate:"required"`
	Description  string  `json:"description"`
	Digits       int     `json:"digits"`
	Point        float64 `json:"point"`
	ContractSize float64 `json:"contractSize"`
	MinVolume    float64 `json:"minVolume"`
	MaxVolume    float64 `json:"maxVolume"`
	VolumeStep   float64 `json:"volumeStep"`
	TradeAllowed bool    `json:"tradeAllowed"`
	AsOf         int64   `json:"asOf"`
}

// ParseSymbolInfo shapes an instrument description.
func ParseSymbolInfo(data json.RawMessage) (*SymbolInfo, error) {
	var w symbolWire
	if err := decodeInto(data, &w, "symbol"); err != nil {
		return nil, err
	}
	asOf := msToTime(w.AsOf)
	if asOf.IsZero() {
		asOf = time.Now()
	}
	return &SymbolInfo{
		Symbol:       w.Symbol,
		Description:  w.Description,
		Digits:       w.Digits,
		Point:        w.Point,
		ContractSize: w.ContractSize,
		MinVolume:    w.MinVolume,
		MaxVolume:    w.MaxVolume,
		VolumeStep:   w.VolumeStep,
		TradeAllowed: w.TradeAllowed,
		AsOf:         asOf,
	}, nil
}
