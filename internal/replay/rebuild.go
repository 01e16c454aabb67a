package replay

import (
	"context"
	"errors"
	"fmt"

	"challenge-core/internal/domain"
	"challenge-core/internal/lifecycle"
	"challenge-core/internal/storage"
)

var (
	// ErrChallengeNotFound is returned when the challenge ID doesn't exist.
	ErrChallengeNotFound = errors.New("challenge not found")

	// ErrSequenceGap is returned when the event log has missing or
	// out-of-order sequence numbers.
	ErrSequenceGap = errors.New("event sequence gap")
)

// LogVerifier implements Verifier against challenge and event stores.
type LogVerifier struct {
	challenges storage.ChallengeStore
	events     storage.EventStore
}

// NewLogVerifier creates a LogVerifier.
func NewLogVerifier(challenges storage.ChallengeStore, events storage.EventStore) *LogVerifier {
	return &LogVerifier{challenges: challenges, events: events}
}

var _ Verifier = (*LogVerifier)(nil)

// VerifyChallenge rebuilds one challenge from its event log and compares it
// with the stored row.
func (v *LogVerifier) VerifyChallenge(ctx context.Context, challengeID string) (*VerificationResult, error) {
	stored, err := v.challenges.GetByID(ctx, challengeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, err
	}

	events, err := v.events.GetByChallengeID(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	rebuilt, err := Rebuild(stored, events)
	if err != nil {
		return nil, err
	}

	divergences := CompareChallenges(stored, rebuilt)
	return &VerificationResult{
		ChallengeID: challengeID,
		Match:       len(divergences) == 0,
		EventCount:  len(events),
		Divergences: divergences,
	}, nil
}

// VerifyTrader verifies every challenge of one trader.
func (v *LogVerifier) VerifyTrader(ctx context.Context, traderID string) (*VerificationReport, error) {
	challenges, err := v.challenges.GetByTrader(ctx, traderID)
	if err != nil {
		return nil, err
	}

	report := &VerificationReport{
		TotalChallenges: len(challenges),
		Results:         make([]VerificationResult, 0, len(challenges)),
	}
	for _, c := range challenges {
		result, err := v.VerifyChallenge(ctx, c.ChallengeID)
		if err != nil {
			return nil, fmt.Errorf("verify challenge %s: %w", c.ChallengeID, err)
		}
		report.Results = append(report.Results, *result)
		if result.Match {
			report.MatchedChallenges++
		} else {
			report.DivergentChallenges++
		}
	}
	return report, nil
}

// Rebuild folds an ordered event log into a fresh challenge snapshot.
// Identity and configuration are copied from the stored row (they are
// immutable and not carried in events); every derived field starts from the
// PENDING baseline and is recomputed from the log alone.
func Rebuild(stored *domain.Challenge, events []*domain.ChallengeEvent) (*domain.Challenge, error) {
	c := stored.Clone()
	c.State = domain.StatePending
	c.Version = stored.Version // versions count saves, not events; not rebuilt
	c.LastSequence = 0
	c.CurrentEquity = 0
	c.DailyStartEquity = 0
	c.MaxEquityEver = 0
	c.RealizedPnL = 0
	c.TradeCount = 0
	c.Days = nil
	c.StartedAt = 0
	c.EndedAt = nil
	c.FailureReason = nil

	for i, ev := range events {
		if ev.Sequence != int64(i)+1 {
			return nil, fmt.Errorf("%w: event %d has sequence %d", ErrSequenceGap, i, ev.Sequence)
		}
		c.LastSequence = ev.Sequence

		switch ev.Kind {
		case domain.EventChallengeStarted:
			if err := lifecycle.Start(c, ev.RecordedAt); err != nil {
				return nil, fmt.Errorf("replay sequence %d: %w", ev.Sequence, err)
			}

		case domain.EventFillApplied:
			if ev.Payload.Fill == nil {
				return nil, fmt.Errorf("fill event at sequence %d has no fill payload", ev.Sequence)
			}
			c.ApplyFill(ev.Payload.Fill)

		case domain.EventRiskEvaluated:
			// Evaluation carries no state effect; its violations are audit
			// detail only.

		case domain.EventStateChanged:
			switch ev.AfterState {
			case domain.StateFailed:
				if err := lifecycle.Fail(c, ev.Payload.Reason, ev.RecordedAt); err != nil {
					return nil, fmt.Errorf("replay sequence %d: %w", ev.Sequence, err)
				}
			case domain.StateFunded:
				if err := lifecycle.Pass(c, true, ev.RecordedAt); err != nil {
					return nil, fmt.Errorf("replay sequence %d: %w", ev.Sequence, err)
				}
			default:
				return nil, fmt.Errorf("transition to %s at sequence %d not replayable", ev.AfterState, ev.Sequence)
			}

		default:
			return nil, fmt.Errorf("unknown event kind %q at sequence %d", ev.Kind, ev.Sequence)
		}
	}

	return c, nil
}
