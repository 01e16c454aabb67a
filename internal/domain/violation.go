package domain

// ViolationKind identifies the rule that produced a violation record.
type ViolationKind string

// Rule kinds.
const (
	ViolationDailyLoss           ViolationKind = "daily-loss"
	ViolationTotalLoss           ViolationKind = "total-loss"
	ViolationProfitTargetMet     ViolationKind = "profit-target-met"
	ViolationConsistency         ViolationKind = "consistency"
	ViolationMinDaysUnmet        ViolationKind = "min-days-unmet"
	ViolationForbiddenInstrument ViolationKind = "forbidden-instrument"
)

// Severity of a rule outcome.
type Severity string

// Severity levels. FATAL forces challenge termination when breached.
const (
	SeverityInformational Severity = "INFORMATIONAL"
	SeverityFatal         Severity = "FATAL"
)

// RiskViolation is the outcome of evaluating one rule against one trading
// update. Non-breaches are recorded too, so the audit trail carries every
// rule's observed value.
type RiskViolation struct {
	Rule     string        `json:"rule"`
	Kind     ViolationKind `json:"kind"`
	Severity Severity      `json:"severity"`
	Breached bool          `json:"breached"`
	Current  float64       `json:"current"`
	Limit    float64       `json:"limit"`
}
