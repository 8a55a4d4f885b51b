package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// OrderSide indicates whether this is a buy or sell of asset1.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// ParseOrderSide accepts "buy" or "sell" in any case.
func ParseOrderSide(s string) (OrderSide, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return OrderSideBuy, nil
	case "sell":
		return OrderSideSell, nil
	default:
		return "", fmt.Errorf("domain: unknown order side %q", s)
	}
}

// OrderKind names the order variant.
type OrderKind string

const (
	OrderKindMarket     OrderKind = "market"
	OrderKindLimit      OrderKind = "limit"
	OrderKindStopLimit  OrderKind = "stop_limit"
	OrderKindStopMarket OrderKind = "stop_market"
)

// Quantity is the share of the available balance an order commits. The zero
// value means 100%.
type Quantity struct {
	fraction float64
}

var (
	Quarter      = Quantity{fraction: 0.25}
	Half         = Quantity{fraction: 0.50}
	ThreeQuarter = Quantity{fraction: 0.75}
	Full         = Quantity{fraction: 1}
)

// FractionOf returns an explicit quantity. f must be in (0, 1].
func FractionOf(f float64) (Quantity, error) {
	if !(f > 0 && f <= 1) {
		return Quantity{}, fmt.Errorf("domain: quantity fraction %v outside (0, 1]", f)
	}
	return Quantity{fraction: f}, nil
}

// ParseQuantity accepts "25%", "50%", "75%", "100%" or a bare fraction such
// as "0.3".
func ParseQuantity(s string) (Quantity, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "25%":
		return Quarter, nil
	case "50%":
		return Half, nil
	case "75%":
		return ThreeQuarter, nil
	case "100%", "":
		return Full, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Quantity{}, fmt.Errorf("domain: parse quantity %q: %w", s, err)
	}
	return FractionOf(f)
}

// Fraction returns the committed share in (0, 1].
func (q Quantity) Fraction() float64 {
	if q.fraction == 0 {
		return 1
	}
	return q.fraction
}

func (q Quantity) String() string {
	return fmt.Sprintf("%g%%", q.Fraction()*100)
}

// Order is one of MarketOrder, LimitOrder, StopLimitOrder or StopMarketOrder.
// Orders are values; evaluation never mutates them in place.
type Order interface {
	Kind() OrderKind
	OrderSide() OrderSide
	Qty() Quantity
	isOrder()
}

// FillState tracks whether a limit-style order has filled.
type FillState int

const (
	FillPending FillState = iota
	FillComplete
)

// StopState tracks whether a stop has triggered.
type StopState int

const (
	StopDormant StopState = iota
	StopTriggered
)

// MarketOrder fills at the next candle's open.
type MarketOrder struct {
	Side     OrderSide
	Quantity Quantity
}

// LimitOrder fills once the candle range reaches Price.
type LimitOrder struct {
	Side     OrderSide
	Quantity Quantity
	Price    float64
	Fill     FillState
}

// StopLimitOrder arms a LimitOrder at Price once the market crosses
// Price*StopMultiplier.
type StopLimitOrder struct {
	Side           OrderSide
	Quantity       Quantity
	Price          float64
	Fill           FillState
	StopMultiplier float64
	Stop           StopState
}

// StopPrice returns the trigger level.
func (o StopLimitOrder) StopPrice() float64 {
	return o.Price * o.StopMultiplier
}

// Degrade returns the plain limit the order becomes after its stop triggers.
func (o StopLimitOrder) Degrade() LimitOrder {
	return LimitOrder{Side: o.Side, Quantity: o.Quantity, Price: o.Price, Fill: o.Fill}
}

// StopMarketOrder fills at market once the market crosses Price.
type StopMarketOrder struct {
	Side     OrderSide
	Quantity Quantity
	Price    float64
	Stop     StopState
}

func (MarketOrder) Kind() OrderKind     { return OrderKindMarket }
func (LimitOrder) Kind() OrderKind      { return OrderKindLimit }
func (StopLimitOrder) Kind() OrderKind  { return OrderKindStopLimit }
func (StopMarketOrder) Kind() OrderKind { return OrderKindStopMarket }

func (o MarketOrder) OrderSide() OrderSide     { return o.Side }
func (o LimitOrder) OrderSide() OrderSide      { return o.Side }
func (o StopLimitOrder) OrderSide() OrderSide  { return o.Side }
func (o StopMarketOrder) OrderSide() OrderSide { return o.Side }

func (o MarketOrder) Qty() Quantity     { return o.Quantity }
func (o LimitOrder) Qty() Quantity      { return o.Quantity }
func (o StopLimitOrder) Qty() Quantity  { return o.Quantity }
func (o StopMarketOrder) Qty() Quantity { return o.Quantity }

func (MarketOrder) isOrder()     {}
func (LimitOrder) isOrder()      {}
func (StopLimitOrder) isOrder()  {}
func (StopMarketOrder) isOrder() {}

// OrderSpec is the flat form of an order used by config files and the HTTP
// API.
type OrderSpec struct {
	Kind           OrderKind `json:"kind" toml:"kind"`
	Side           OrderSide `json:"side" toml:"side"`
	Quantity       string    `json:"quantity" toml:"quantity"`
	Price          float64   `json:"price" toml:"price"`
	StopMultiplier float64   `json:"stop_multiplier" toml:"stop_multiplier"`
}

// Build validates s and returns the matching Order.
func (s OrderSpec) Build() (Order, error) {
	side, err := ParseOrderSide(string(s.Side))
	if err != nil {
		return nil, err
	}
	qty, err := ParseQuantity(s.Quantity)
	if err != nil {
		return nil, err
	}
	if s.Kind != OrderKindMarket && s.Price <= 0 {
		return nil, fmt.Errorf("domain: %s order needs a positive price", s.Kind)
	}
	switch s.Kind {
	case OrderKindMarket:
		return MarketOrder{Side: side, Quantity: qty}, nil
	case OrderKindLimit:
		return LimitOrder{Side: side, Quantity: qty, Price: s.Price}, nil
	case OrderKindStopLimit:
		mult := s.StopMultiplier
		if mult <= 0 {
			return nil, fmt.Errorf("domain: stop_limit order needs a positive stop multiplier")
		}
		return StopLimitOrder{Side: side, Quantity: qty, Price: s.Price, StopMultiplier: mult}, nil
	case OrderKindStopMarket:
		return StopMarketOrder{Side: side, Quantity: qty, Price: s.Price}, nil
	default:
		return nil, fmt.Errorf("domain: unknown order kind %q", s.Kind)
	}
}
