package domain

// EventKind classifies an audit record.
type EventKind string

// Event kinds.
const (
	EventChallengeStarted EventKind = "CHALLENGE_STARTED"
	EventFillApplied      EventKind = "FILL_APPLIED"
	EventRiskEvaluated    EventKind = "RISK_EVALUATED"
	EventStateChanged     EventKind = "STATE_CHANGED"
)

// ChallengeEvent is one append-only audit record. Events for a challenge are
// never mutated or deleted; sequence numbers are gap-free and monotonic per
// challenge. Corresponds to the challenge_events table.
type ChallengeEvent struct {
	ChallengeID string
	Sequence    int64 // starts at 1
	Kind        EventKind
	BeforeState ChallengeState
	AfterState  ChallengeState
	Payload     EventPayload
	RecordedAt  int64 // Unix ms
}

// EventPayload carries the kind-specific detail of an event. Persisted as
// JSONB; unused fields are omitted.
type EventPayload struct {
	FillID      string          `json:"fill_id,omitempty"`
	Fill        *TradeFill      `json:"fill,omitempty"`
	Violations  []RiskViolation `json:"violations,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	StartedBy   string          `json:"started_by,omitempty"`
	EquityAfter float64         `json:"equity_after,omitempty"`
}
