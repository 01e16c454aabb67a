// Package replay verifies stored challenge rows against their audit logs.
// It rebuilds a challenge's derived state by folding its event log from
// scratch and compares the result field by field with the materialized row.
// The event log is an append-only consistency check here, not the source of
// truth; divergence means the row and the log disagree and one of them is
// corrupt.
package replay

import (
	"context"
	"math"

	"challenge-core/internal/domain"
)

// FloatTolerance is the tolerance for float64 comparisons.
const FloatTolerance = 1e-7

// FieldDivergence represents a mismatch between the stored row and the
// rebuilt state.
type FieldDivergence struct {
	Field    string      // field name
	Expected interface{} // stored value
	Actual   interface{} // rebuilt value
}

// VerificationResult contains the result of verifying a single challenge.
type VerificationResult struct {
	ChallengeID string
	Match       bool // true if all fields match
	EventCount  int
	Divergences []FieldDivergence
}

// VerificationReport contains results for batch verification.
type VerificationReport struct {
	TotalChallenges     int
	MatchedChallenges   int
	DivergentChallenges int
	Results             []VerificationResult
}

// Verifier rebuilds challenges from their event logs and checks them against
// the stored rows.
type Verifier interface {
	// VerifyChallenge verifies a single challenge by ID.
	VerifyChallenge(ctx context.Context, challengeID string) (*VerificationResult, error)

	// VerifyTrader verifies every challenge of one trader.
	VerifyTrader(ctx context.Context, traderID string) (*VerificationReport, error)
}

// CompareChallenges compares the derived fields of a stored challenge with a
// rebuilt one and returns the divergences. Immutable identity and
// configuration fields are not compared: the rebuild copies them from the
// stored row, so they cannot diverge.
func CompareChallenges(stored, rebuilt *domain.Challenge) []FieldDivergence {
	var divergences []FieldDivergence

	if stored.State != rebuilt.State {
		divergences = append(divergences, FieldDivergence{
			Field:    "State",
			Expected: stored.State,
			Actual:   rebuilt.State,
		})
	}

	if stored.LastSequence != rebuilt.LastSequence {
		divergences = append(divergences, FieldDivergence{
			Field:    "LastSequence",
			Expected: stored.LastSequence,
			Actual:   rebuilt.LastSequence,
		})
	}

	if !floatEquals(stored.CurrentEquity, rebuilt.CurrentEquity) {
		divergences = append(divergences, FieldDivergence{
			Field:    "CurrentEquity",
			Expected: stored.CurrentEquity,
			Actual:   rebuilt.CurrentEquity,
		})
	}

	if !floatEquals(stored.DailyStartEquity, rebuilt.DailyStartEquity) {
		divergences = append(divergences, FieldDivergence{
			Field:    "DailyStartEquity",
			Expected: stored.DailyStartEquity,
			Actual:   rebuilt.DailyStartEquity,
		})
	}

	if !floatEquals(stored.MaxEquityEver, rebuilt.MaxEquityEver) {
		divergences = append(divergences, FieldDivergence{
			Field:    "MaxEquityEver",
			Expected: stored.MaxEquityEver,
			Actual:   rebuilt.MaxEquityEver,
		})
	}

	if !floatEquals(stored.RealizedPnL, rebuilt.RealizedPnL) {
		divergences = append(divergences, FieldDivergence{
			Field:    "RealizedPnL",
			Expected: stored.RealizedPnL,
			Actual:   rebuilt.RealizedPnL,
		})
	}

	if stored.TradeCount != rebuilt.TradeCount {
		divergences = append(divergences, FieldDivergence{
			Field:    "TradeCount",
			Expected: stored.TradeCount,
			Actual:   rebuilt.TradeCount,
		})
	}

	if stored.StartedAt != rebuilt.StartedAt {
		divergences = append(divergences, FieldDivergence{
			Field:    "StartedAt",
			Expected: stored.StartedAt,
			Actual:   rebuilt.StartedAt,
		})
	}

	if !int64PtrEquals(stored.EndedAt, rebuilt.EndedAt) {
		divergences = append(divergences, FieldDivergence{
			Field:    "EndedAt",
			Expected: stored.EndedAt,
			Actual:   rebuilt.EndedAt,
		})
	}

	if !stringPtrEquals(stored.FailureReason, rebuilt.FailureReason) {
		divergences = append(divergences, FieldDivergence{
			Field:    "FailureReason",
			Expected: stored.FailureReason,
			Actual:   rebuilt.FailureReason,
		})
	}

	divergences = append(divergences, compareDays(stored.Days, rebuilt.Days)...)

	return divergences
}

func compareDays(stored, rebuilt []domain.DayStat) []FieldDivergence {
	if len(stored) != len(rebuilt) {
		return []FieldDivergence{{
			Field:    "Days",
			Expected: len(stored),
			Actual:   len(rebuilt),
		}}
	}

	var divergences []FieldDivergence
	for i := range stored {
		if stored[i].Day != rebuilt[i].Day ||
			stored[i].FillCount != rebuilt[i].FillCount ||
			!floatEquals(stored[i].RealizedPnL, rebuilt[i].RealizedPnL) {
			divergences = append(divergences, FieldDivergence{
				Field:    "Days[" + stored[i].Day + "]",
				Expected: stored[i],
				Actual:   rebuilt[i],
			})
		}
	}
	return divergences
}

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) <= FloatTolerance
}

func int64PtrEquals(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func stringPtrEquals(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
