package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"challenge-core/internal/domain"
	"challenge-core/internal/settlement"
	"challenge-core/internal/storage/memory"
)

var (
	day1 = time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC).UnixMilli()
	day2 = time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC).UnixMilli()
)

func seedChallenge(t *testing.T, store *memory.ChallengeStore, challengeID string) *settlement.Coordinator {
	t.Helper()
	c := &domain.Challenge{
		ChallengeID:         challengeID,
		TraderID:            "trader-1",
		State:               domain.StatePending,
		InitialBalance:      100000,
		MaxDailyDrawdownPct: 0.05,
		MaxTotalDrawdownPct: 0.10,
		ProfitTargetPct:     0.08,
		MinTradingDays:      2,
		ConsistencyCapPct:   0.90,
		CreatedAt:           day1 - 1000,
	}
	if err := store.Insert(context.Background(), c); err != nil {
		t.Fatalf("insert: %v", err)
	}
	co := settlement.New(settlement.Options{Store: store, Events: store})
	if _, err := co.Start(context.Background(), challengeID, "ops"); err != nil {
		t.Fatalf("start: %v", err)
	}
	return co
}

func settle(t *testing.T, co *settlement.Coordinator, challengeID, fillID string, pnl float64, ts int64) {
	t.Helper()
	_, err := co.Settle(context.Background(), challengeID, &domain.TradeFill{
		FillID:      fillID,
		Instrument:  "EURUSD",
		Side:        domain.SideSell,
		Quantity:    2,
		Price:       1.08,
		RealizedPnL: pnl,
		FillTime:    ts,
	})
	if err != nil {
		t.Fatalf("settle %s: %v", fillID, err)
	}
}

func TestVerifyChallengeMatchesLiveHistory(t *testing.T) {
	store := memory.NewChallengeStore()
	co := seedChallenge(t, store, "ch-1")
	settle(t, co, "ch-1", "f-1", 2500, day1)
	settle(t, co, "ch-1", "f-2", -1200, day2)

	v := NewLogVerifier(store, store)
	result, err := v.VerifyChallenge(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Match {
		t.Fatalf("divergences: %+v", result.Divergences)
	}
	// started + 2 fills x (applied, evaluated)
	if result.EventCount != 5 {
		t.Fatalf("event count = %d, want 5", result.EventCount)
	}
}

func TestVerifyChallengeMatchesTerminalHistory(t *testing.T) {
	store := memory.NewChallengeStore()
	co := seedChallenge(t, store, "ch-1")
	settle(t, co, "ch-1", "f-1", -7000, day1) // daily drawdown breach

	stored, err := store.GetByID(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.State != domain.StateFailed {
		t.Fatalf("state = %s, want FAILED", stored.State)
	}

	v := NewLogVerifier(store, store)
	result, err := v.VerifyChallenge(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Match {
		t.Fatalf("divergences: %+v", result.Divergences)
	}
}

func TestVerifyChallengeNotFound(t *testing.T) {
	store := memory.NewChallengeStore()
	v := NewLogVerifier(store, store)
	if _, err := v.VerifyChallenge(context.Background(), "missing"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("err = %v, want ErrChallengeNotFound", err)
	}
}

func TestVerifyTraderReport(t *testing.T) {
	store := memory.NewChallengeStore()
	co := seedChallenge(t, store, "ch-1")
	settle(t, co, "ch-1", "f-1", 1000, day1)

	v := NewLogVerifier(store, store)
	report, err := v.VerifyTrader(context.Background(), "trader-1")
	if err != nil {
		t.Fatalf("verify trader: %v", err)
	}
	if report.TotalChallenges != 1 || report.MatchedChallenges != 1 || report.DivergentChallenges != 0 {
		t.Fatalf("report = %+v", report)
	}
}

func TestRebuildDetectsSequenceGap(t *testing.T) {
	stored := &domain.Challenge{ChallengeID: "ch-1", State: domain.StatePending, InitialBalance: 100000}
	events := []*domain.ChallengeEvent{
		{ChallengeID: "ch-1", Sequence: 2, Kind: domain.EventChallengeStarted},
	}
	if _, err := Rebuild(stored, events); !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("err = %v, want ErrSequenceGap", err)
	}
}

func TestCompareChallengesFlagsTampering(t *testing.T) {
	store := memory.NewChallengeStore()
	co := seedChallenge(t, store, "ch-1")
	settle(t, co, "ch-1", "f-1", 1000, day1)

	stored, err := store.GetByID(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	events, err := store.GetByChallengeID(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	rebuilt, err := Rebuild(stored, events)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	tampered := stored.Clone()
	tampered.CurrentEquity += 500
	tampered.TradeCount++

	divergences := CompareChallenges(tampered, rebuilt)
	if len(divergences) != 2 {
		t.Fatalf("divergences = %+v, want CurrentEquity and TradeCount", divergences)
	}
}
