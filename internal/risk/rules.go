package risk

import "challenge-core/internal/domain"

// RuleKind identifies a rule variant in the evaluator's dispatch table.
type RuleKind string

// Rule kinds. Evaluation runs in the order rules appear in a spec list.
const (
	RuleDailyDrawdown       RuleKind = "DAILY_DRAWDOWN"
	RuleTotalDrawdown       RuleKind = "TOTAL_DRAWDOWN"
	RuleProfitTarget        RuleKind = "PROFIT_TARGET"
	RuleMinTradingDays      RuleKind = "MIN_TRADING_DAYS"
	RuleConsistency         RuleKind = "CONSISTENCY"
	RuleForbiddenInstrument RuleKind = "FORBIDDEN_INSTRUMENT"
)

// RuleSpec is a tagged-variant rule record: kind plus numeric parameters.
// Thresholds are data, not code, so new rule kinds only touch the evaluator's
// dispatch table.
type RuleSpec struct {
	Kind        RuleKind
	Limit       float64  // fraction for percent rules, day count for MIN_TRADING_DAYS
	Instruments []string // FORBIDDEN_INSTRUMENT only
}

// SpecsFor builds the ordered rule-spec list from a challenge's frozen
// configuration.
func SpecsFor(c *domain.Challenge) []RuleSpec {
	return []RuleSpec{
		{Kind: RuleDailyDrawdown, Limit: c.MaxDailyDrawdownPct},
		{Kind: RuleTotalDrawdown, Limit: c.MaxTotalDrawdownPct},
		{Kind: RuleProfitTarget, Limit: c.ProfitTargetPct},
		{Kind: RuleMinTradingDays, Limit: float64(c.MinTradingDays)},
		{Kind: RuleConsistency, Limit: c.ConsistencyCapPct},
		{Kind: RuleForbiddenInstrument, Instruments: c.ForbiddenInstruments},
	}
}

// Context is the trading snapshot a rule evaluation runs against. It carries
// values only; the evaluator performs no I/O.
type Context struct {
	CurrentEquity    float64
	DailyStartEquity float64
	MaxEquityEver    float64
	InitialBalance   float64
	TradingDays      int
	Days             []domain.DayStat
	Instrument       string // instrument of the fill being settled, "" outside settlement
}

// ContextFor snapshots a challenge (and the incoming fill, if any) for
// evaluation.
func ContextFor(c *domain.Challenge, fill *domain.TradeFill) Context {
	ctx := Context{
		CurrentEquity:    c.CurrentEquity,
		DailyStartEquity: c.DailyStartEquity,
		MaxEquityEver:    c.MaxEquityEver,
		InitialBalance:   c.InitialBalance,
		TradingDays:      c.TradingDays(),
		Days:             append([]domain.DayStat(nil), c.Days...),
	}
	if fill != nil {
		ctx.Instrument = fill.Instrument
	}
	return ctx
}
