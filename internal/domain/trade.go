package domain

import "time"

// Asset identifies one side of the trading pair. Asset1 is the base (e.g.
// BTC), Asset2 the quote (e.g. USDT).
type Asset string

const (
	Asset1 Asset = "asset1"
	Asset2 Asset = "asset2"
)

// Balances holds both sides of the pair.
type Balances struct {
	Asset1 float64 `json:"asset1"`
	Asset2 float64 `json:"asset2"`
}

// Condition is the outcome of evaluating an order against one candle.
type Condition string

const (
	ConditionUntouched     Condition = "untouched"
	ConditionStopTriggered Condition = "stop_triggered"
	ConditionFilled        Condition = "filled"
)

// TradeRecord is one ledger entry, written only on a fill.
type TradeRecord struct {
	ID              string    `json:"id"`
	RunID           string    `json:"run_id"`
	Symbol          string    `json:"symbol"`
	TransactionTime time.Time `json:"transaction_time"`
	TradeCount      int       `json:"trade_count"`
	Held            Asset     `json:"held"`
	Balances        Balances  `json:"balances"`
	Previous        Balances  `json:"previous"`
	Asset1Change    float64   `json:"asset1_change_pct"`
	Asset2Change    float64   `json:"asset2_change_pct"`
	Side            OrderSide `json:"side"`
	Kind            OrderKind `json:"kind"`
	FillPrice       float64   `json:"fill_price"`
}

// PercentChange returns (curr-prev)/prev*100, or 0 when prev is zero.
func PercentChange(prev, curr float64) float64 {
	if prev == 0 {
		return 0
	}
	return (curr - prev) / prev * 100
}

// RunState is the lifecycle of a historical trade run.
type RunState string

const (
	RunIdle    RunState = "idle"
	RunPending RunState = "pending"
	RunClosed  RunState = "closed"
)

// BacktestRun summarizes one runner session for persistence.
type BacktestRun struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Interval  Interval  `json:"interval"`
	Start     time.Time `json:"start"`
	Initial   Balances  `json:"initial"`
	Final     Balances  `json:"final"`
	Trades    int       `json:"trades"`
	CreatedAt time.Time `json:"created_at"`
}
