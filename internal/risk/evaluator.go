// Package risk evaluates rule sets against trading-context snapshots.
// Evaluation is a pure function: no I/O, no mutable state, deterministic for
// identical inputs. Every rule produces a record, breached or not, so the
// audit trail carries each rule's observed value.
package risk

import "challenge-core/internal/domain"

// Result is the outcome of one evaluation pass.
type Result struct {
	// Violations holds one record per rule, in evaluation order.
	Violations []domain.RiskViolation

	// PassEligible is true when the profit target is reached, the minimum
	// trading days have elapsed, and the consistency cap is respected.
	PassEligible bool

	// FailureReason is the non-empty reason code of the highest-priority
	// FATAL breach: total-drawdown > daily-drawdown > consistency >
	// forbidden-instrument. Empty when no FATAL rule breached.
	FailureReason string
}

// Fatal reports whether the evaluation demands immediate termination.
func (r *Result) Fatal() bool {
	return r.FailureReason != ""
}

// Evaluator dispatches rule specs to their check functions.
type Evaluator struct {
	checks map[RuleKind]checkFunc
}

type checkFunc func(ctx Context, spec RuleSpec) domain.RiskViolation

// NewEvaluator creates an evaluator with the built-in rule dispatch table.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		checks: map[RuleKind]checkFunc{
			RuleDailyDrawdown:       checkDailyDrawdown,
			RuleTotalDrawdown:       checkTotalDrawdown,
			RuleProfitTarget:        checkProfitTarget,
			RuleMinTradingDays:      checkMinTradingDays,
			RuleForbiddenInstrument: checkForbiddenInstrument,
			// RuleConsistency is handled inside Evaluate: its breach is
			// conditional on the other rules' outcomes.
		},
	}
}

// Evaluate runs every spec against the context, in spec order.
// It never errors: all outcomes are in the returned violation list.
func (e *Evaluator) Evaluate(ctx Context, specs []RuleSpec) *Result {
	result := &Result{Violations: make([]domain.RiskViolation, 0, len(specs))}

	targetMet := false
	minDaysMet := true
	consistencyShare, consistencyCap := 0.0, 0.0
	consistencyIdx := -1

	for _, spec := range specs {
		if spec.Kind == RuleConsistency {
			// Record a placeholder now to keep evaluation order; the breach
			// flag is resolved once eligibility is known.
			consistencyShare = largestDayProfitShare(ctx)
			consistencyCap = spec.Limit
			consistencyIdx = len(result.Violations)
			result.Violations = append(result.Violations, domain.RiskViolation{
				Rule:     "consistency",
				Kind:     domain.ViolationConsistency,
				Severity: domain.SeverityFatal,
				Current:  consistencyShare,
				Limit:    consistencyCap,
			})
			continue
		}

		check, ok := e.checks[spec.Kind]
		if !ok {
			continue // unknown kind: ignore rather than error
		}
		v := check(ctx, spec)
		result.Violations = append(result.Violations, v)

		switch spec.Kind {
		case RuleProfitTarget:
			targetMet = v.Breached
		case RuleMinTradingDays:
			minDaysMet = !v.Breached
		}
	}

	// Consistency gates completion: it is FATAL only when the challenge is
	// otherwise pass-eligible, never an independent kill switch.
	otherwiseEligible := targetMet && minDaysMet
	consistencyBreached := false
	if consistencyIdx >= 0 {
		consistencyBreached = otherwiseEligible && consistencyShare > consistencyCap
		result.Violations[consistencyIdx].Breached = consistencyBreached
	}

	result.PassEligible = otherwiseEligible && !consistencyBreached
	result.FailureReason = failureReason(result.Violations)

	return result
}

// failureReason picks the highest-priority FATAL breach so simultaneous
// breaches always report the same reason.
func failureReason(violations []domain.RiskViolation) string {
	priority := []struct {
		kind   domain.ViolationKind
		reason string
	}{
		{domain.ViolationTotalLoss, domain.ReasonTotalDrawdown},
		{domain.ViolationDailyLoss, domain.ReasonDailyDrawdown},
		{domain.ViolationConsistency, domain.ReasonConsistency},
		{domain.ViolationForbiddenInstrument, domain.ReasonForbiddenInstrument},
	}

	for _, p := range priority {
		for _, v := range violations {
			if v.Kind == p.kind && v.Severity == domain.SeverityFatal && v.Breached {
				return p.reason
			}
		}
	}
	return ""
}

// checkDailyDrawdown: (dailyStartEquity − currentEquity) / dailyStartEquity
// beyond the limit is FATAL.
func checkDailyDrawdown(ctx Context, spec RuleSpec) domain.RiskViolation {
	var drawdown float64
	if ctx.DailyStartEquity > 0 {
		drawdown = (ctx.DailyStartEquity - ctx.CurrentEquity) / ctx.DailyStartEquity
	}
	return domain.RiskViolation{
		Rule:     "daily-drawdown",
		Kind:     domain.ViolationDailyLoss,
		Severity: domain.SeverityFatal,
		Breached: drawdown > spec.Limit,
		Current:  drawdown,
		Limit:    spec.Limit,
	}
}

// checkTotalDrawdown: decline from the high-water mark beyond the limit is
// FATAL.
func checkTotalDrawdown(ctx Context, spec RuleSpec) domain.RiskViolation {
	var drawdown float64
	if ctx.MaxEquityEver > 0 {
		drawdown = (ctx.MaxEquityEver - ctx.CurrentEquity) / ctx.MaxEquityEver
	}
	return domain.RiskViolation{
		Rule:     "total-drawdown",
		Kind:     domain.ViolationTotalLoss,
		Severity: domain.SeverityFatal,
		Breached: drawdown > spec.Limit,
		Current:  drawdown,
		Limit:    spec.Limit,
	}
}

// checkProfitTarget: return on initial balance at or above the target.
// Informational; consumed by the completion check.
func checkProfitTarget(ctx Context, spec RuleSpec) domain.RiskViolation {
	var ret float64
	if ctx.InitialBalance > 0 {
		ret = (ctx.CurrentEquity - ctx.InitialBalance) / ctx.InitialBalance
	}
	return domain.RiskViolation{
		Rule:     "profit-target",
		Kind:     domain.ViolationProfitTargetMet,
		Severity: domain.SeverityInformational,
		Breached: ret >= spec.Limit,
		Current:  ret,
		Limit:    spec.Limit,
	}
}

// checkMinTradingDays: too few distinct trading days suppresses
// pass-eligibility without failing the challenge.
func checkMinTradingDays(ctx Context, spec RuleSpec) domain.RiskViolation {
	required := int(spec.Limit)
	return domain.RiskViolation{
		Rule:     "min-trading-days",
		Kind:     domain.ViolationMinDaysUnmet,
		Severity: domain.SeverityInformational,
		Breached: ctx.TradingDays < required,
		Current:  float64(ctx.TradingDays),
		Limit:    spec.Limit,
	}
}

// checkForbiddenInstrument: a fill on a denylisted instrument is FATAL.
func checkForbiddenInstrument(ctx Context, spec RuleSpec) domain.RiskViolation {
	breached := false
	if ctx.Instrument != "" {
		for _, ins := range spec.Instruments {
			if ins == ctx.Instrument {
				breached = true
				break
			}
		}
	}
	return domain.RiskViolation{
		Rule:     "forbidden-instrument",
		Kind:     domain.ViolationForbiddenInstrument,
		Severity: domain.SeverityFatal,
		Breached: breached,
		Current:  boolToFloat(breached),
		Limit:    0,
	}
}

// largestDayProfitShare returns the largest single day's profit as a share of
// total net profit. Zero when there is no net profit yet.
func largestDayProfitShare(ctx Context) float64 {
	totalProfit := ctx.CurrentEquity - ctx.InitialBalance
	if totalProfit <= 0 {
		return 0
	}

	maxDay := 0.0
	for _, d := range ctx.Days {
		if d.RealizedPnL > maxDay {
			maxDay = d.RealizedPnL
		}
	}
	return maxDay / totalProfit
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
