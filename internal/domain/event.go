package domain

import "time"

// EventKind is the discriminator for a parsed stream frame.
type EventKind string

const (
	EventTrade      EventKind = "trade"
	EventCandleTick EventKind = "candle_tick"
	EventOrderBook  EventKind = "order_book"
)

// Event is one classified stream payload.
type Event interface {
	Kind() EventKind
	isEvent()
}

// TradeEvent is a single aggregated trade print.
type TradeEvent struct {
	Symbol       string
	Price        float64
	Quantity     float64
	TradeTime    time.Time
	EventTime    time.Time
	BuyerIsMaker bool
	AggID        int64
}

// CandleTickEvent is one kline update for a (symbol, interval) pair.
type CandleTickEvent struct {
	Symbol    string
	Interval  Interval
	EventTime time.Time
	Tick      CandleTick
}

// PriceLevel is one depth entry.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBookEvent is an incremental depth update.
type OrderBookEvent struct {
	Symbol        string
	EventTime     time.Time
	FirstUpdateID int64
	FinalUpdateID int64
	Bids          []PriceLevel
	Asks          []PriceLevel
}

func (TradeEvent) Kind() EventKind      { return EventTrade }
func (CandleTickEvent) Kind() EventKind { return EventCandleTick }
func (OrderBookEvent) Kind() EventKind  { return EventOrderBook }

func (TradeEvent) isEvent()      {}
func (CandleTickEvent) isEvent() {}
func (OrderBookEvent) isEvent()  {}

// LivePrice is the most recent trade price seen on the stream.
type LivePrice struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	At     time.Time `json:"at"`
}
