package domain

// EquityPoint is one analytics sample of a challenge's equity curve, recorded
// after each settlement. Corresponds to the equity_points table (ClickHouse).
type EquityPoint struct {
	ChallengeID string
	TimestampMs int64
	Equity      float64
	DailyPnL    float64
	Drawdown    float64 // fraction below the high-water mark
}
