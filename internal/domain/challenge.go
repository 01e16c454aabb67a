package domain

import "time"

// ChallengeState is the lifecycle state of a challenge.
type ChallengeState string

// Challenge lifecycle states. FUNDED and FAILED are terminal.
const (
	StatePending ChallengeState = "PENDING"
	StateActive  ChallengeState = "ACTIVE"
	StateFunded  ChallengeState = "FUNDED"
	StateFailed  ChallengeState = "FAILED"
)

// Failure reason codes, in fixed priority order (highest first).
const (
	ReasonTotalDrawdown       = "total-drawdown"
	ReasonDailyDrawdown       = "daily-drawdown"
	ReasonConsistency         = "consistency"
	ReasonForbiddenInstrument = "forbidden-instrument"
)

// Challenge represents one trading-evaluation account attempt.
// Corresponds to the challenges table.
type Challenge struct {
	ChallengeID string // PRIMARY KEY
	TraderID    string
	State       ChallengeState
	Version     int64 // optimistic-concurrency counter, bumped on every save

	// LastSequence is the sequence number of the newest audit event. The
	// coordinator allocates the next numbers from it so event sequences stay
	// gap-free under per-challenge serialization.
	LastSequence int64

	// Financial
	InitialBalance   float64
	CurrentEquity    float64
	DailyStartEquity float64
	MaxEquityEver    float64 // high-water mark, never decreases
	RealizedPnL      float64 // total realized P&L across all fills
	TradeCount       int

	// Configuration, frozen once the state leaves PENDING.
	// Percent fields are fractions: 0.05 means 5%.
	MaxDailyDrawdownPct  float64
	MaxTotalDrawdownPct  float64
	ProfitTargetPct      float64
	MinTradingDays       int
	ConsistencyCapPct    float64
	ForbiddenInstruments []string

	// Per-UTC-day realized P&L distribution, ordered by day ASC.
	// Feeds the consistency rule and the trading-day count.
	Days []DayStat

	StartedAt     int64  // Unix ms, 0 until ACTIVE
	EndedAt       *int64 // Unix ms, nil until terminal
	FailureReason *string
	CreatedAt     int64 // Unix ms
}

// DayStat holds one trading day's realized P&L.
// Corresponds to the challenge_days table.
type DayStat struct {
	Day         string // YYYY-MM-DD (UTC)
	RealizedPnL float64
	FillCount   int
}

// TradingDays returns the number of distinct days with at least one fill.
func (c *Challenge) TradingDays() int {
	return len(c.Days)
}

// Terminal reports whether the challenge can never change state again.
func (c *Challenge) Terminal() bool {
	return c.State == StateFunded || c.State == StateFailed
}

// Clone returns a deep copy so callers can mutate snapshots freely.
func (c *Challenge) Clone() *Challenge {
	dup := *c
	if c.ForbiddenInstruments != nil {
		dup.ForbiddenInstruments = append([]string(nil), c.ForbiddenInstruments...)
	}
	if c.Days != nil {
		dup.Days = append([]DayStat(nil), c.Days...)
	}
	if c.EndedAt != nil {
		v := *c.EndedAt
		dup.EndedAt = &v
	}
	if c.FailureReason != nil {
		v := *c.FailureReason
		dup.FailureReason = &v
	}
	return &dup
}

// ApplyFill folds one fill's financial effect into the challenge: equity
// (floored at zero), the high-water mark, realized totals and the per-day
// distribution. A fill on a new UTC day resets the daily baseline to the
// equity the day opens with. Fills must arrive in non-decreasing day order;
// the settlement coordinator rejects backdated ones before calling this.
// State is not touched; rule evaluation and transitions are the caller's
// concern.
func (c *Challenge) ApplyFill(f *TradeFill) {
	day := DayOf(f.FillTime)

	idx := -1
	for i := range c.Days {
		if c.Days[i].Day == day {
			idx = i
			break
		}
	}
	if idx < 0 {
		if len(c.Days) > 0 {
			c.DailyStartEquity = c.CurrentEquity
		}
		c.Days = append(c.Days, DayStat{Day: day})
		idx = len(c.Days) - 1
	}

	equity := c.CurrentEquity + f.RealizedPnL
	if equity < 0 {
		equity = 0
	}
	c.CurrentEquity = equity
	if equity > c.MaxEquityEver {
		c.MaxEquityEver = equity
	}
	c.RealizedPnL += f.RealizedPnL
	c.TradeCount++
	c.Days[idx].RealizedPnL += f.RealizedPnL
	c.Days[idx].FillCount++
}

// DayOf converts a Unix-ms timestamp to its UTC day key (YYYY-MM-DD).
func DayOf(tsMs int64) string {
	return time.UnixMilli(tsMs).UTC().Format("2006-01-02")
}
