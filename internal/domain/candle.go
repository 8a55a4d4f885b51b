package domain

import "time"

// Candle is an OHLCV summary of one interval bucket.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// CandleTick is one wire update for a candle. Several ticks may arrive for the
// same open time; the one with IsFinal set closes the bucket.
type CandleTick struct {
	OpenTime      time.Time
	CloseTime     time.Time
	Open          float64
	High          float64
	Low           float64
	Close         float64
	Volume        float64
	Trades        int64
	QuoteVolume   float64
	TakerBuyBase  float64
	TakerBuyQuote float64
	IsFinal       bool
}

// Candle drops the tick-only fields.
func (t CandleTick) Candle() Candle {
	return Candle{
		OpenTime: t.OpenTime,
		Open:     t.Open,
		High:     t.High,
		Low:      t.Low,
		Close:    t.Close,
		Volume:   t.Volume,
	}
}

// ClosedCandle identifies a finalized candle together with its series.
type ClosedCandle struct {
	Symbol   string
	Interval Interval
	Candle   Candle
}

// TimeRange bounds a historical read. Zero From or To means unbounded on that
// side. From is inclusive and To is exclusive.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r *TimeRange) Contains(t time.Time) bool {
	if r == nil {
		return true
	}
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}
