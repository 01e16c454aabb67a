package domain

// Fill side constants.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// TradeFill represents one executed trade, immutable once recorded.
// FillID is the idempotency key: a fill is applied to a challenge at most once.
// Corresponds to the trade_fills table.
type TradeFill struct {
	FillID      string  `json:"fill_id"`
	ChallengeID string  `json:"challenge_id"`
	Instrument  string  `json:"instrument"`
	Side        string  `json:"side"` // BUY | SELL
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price"`
	RealizedPnL float64 `json:"realized_pnl"` // signed
	FillTime    int64   `json:"fill_time"`    // Unix ms
}

// SettledFill is the idempotency ledger entry for an applied fill: the fill
// itself plus the outcome of its settlement. A replayed fill's prior result
// is rebuilt from this record.
type SettledFill struct {
	TradeFill
	EquityAfter float64
	StateAfter  ChallengeState
	SettledAt   int64 // Unix ms
}
