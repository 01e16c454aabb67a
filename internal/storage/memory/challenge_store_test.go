package memory

import (
	"context"
	"errors"
	"testing"

	"challenge-core/internal/domain"
	"challenge-core/internal/storage"
)

func newChallenge(id, trader string) *domain.Challenge {
	return &domain.Challenge{
		ChallengeID:         id,
		TraderID:            trader,
		State:               domain.StatePending,
		InitialBalance:      100000,
		MaxDailyDrawdownPct: 0.05,
		MaxTotalDrawdownPct: 0.10,
		ProfitTargetPct:     0.08,
		MinTradingDays:      5,
		ConsistencyCapPct:   0.40,
		CreatedAt:           1704067200000,
	}
}

func event(challengeID string, seq int64, kind domain.EventKind) *domain.ChallengeEvent {
	return &domain.ChallengeEvent{
		ChallengeID: challengeID,
		Sequence:    seq,
		Kind:        kind,
		BeforeState: domain.StateActive,
		AfterState:  domain.StateActive,
		RecordedAt:  1704067200000,
	}
}

func TestInsertAndGetByID(t *testing.T) {
	store := NewChallengeStore()
	ctx := context.Background()

	c := newChallenge("ch-1", "trader-1")
	if err := store.Insert(ctx, c); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.GetByID(ctx, "ch-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.TraderID != "trader-1" || got.State != domain.StatePending {
		t.Errorf("unexpected challenge: %+v", got)
	}

	// Returned copy must not alias the stored record
	got.CurrentEquity = 12345
	again, _ := store.GetByID(ctx, "ch-1")
	if again.CurrentEquity == 12345 {
		t.Error("GetByID returned an aliased pointer")
	}
}

func TestInsert_Duplicate(t *testing.T) {
	store := NewChallengeStore()
	ctx := context.Background()

	if err := store.Insert(ctx, newChallenge("ch-1", "trader-1")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.Insert(ctx, newChallenge("ch-1", "trader-2")); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	store := NewChallengeStore()

	if _, err := store.GetByID(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdate_VersionConflict(t *testing.T) {
	store := NewChallengeStore()
	ctx := context.Background()

	c := newChallenge("ch-1", "trader-1")
	if err := store.Insert(ctx, c); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	c.State = domain.StateActive
	if err := store.Update(ctx, c, 0, []*domain.ChallengeEvent{event("ch-1", 1, domain.EventChallengeStarted)}, nil); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if c.Version != 1 {
		t.Errorf("expected version written back as 1, got %d", c.Version)
	}

	// Stale expected version loses the race
	err := store.Update(ctx, c, 0, []*domain.ChallengeEvent{event("ch-1", 2, domain.EventStateChanged)}, nil)
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}

func TestUpdate_OneActivePerTrader(t *testing.T) {
	store := NewChallengeStore()
	ctx := context.Background()

	a := newChallenge("ch-a", "trader-1")
	b := newChallenge("ch-b", "trader-1")
	if err := store.Insert(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := store.Insert(ctx, b); err != nil {
		t.Fatal(err)
	}

	a.State = domain.StateActive
	if err := store.Update(ctx, a, 0, []*domain.ChallengeEvent{event("ch-a", 1, domain.EventChallengeStarted)}, nil); err != nil {
		t.Fatalf("first activation failed: %v", err)
	}

	b.State = domain.StateActive
	err := store.Update(ctx, b, 0, []*domain.ChallengeEvent{event("ch-b", 1, domain.EventChallengeStarted)}, nil)
	if !errors.Is(err, storage.ErrActiveChallengeExists) {
		t.Errorf("expected ErrActiveChallengeExists, got %v", err)
	}
}

func TestUpdate_NoDoubleFunding(t *testing.T) {
	store := NewChallengeStore()
	ctx := context.Background()

	a := newChallenge("ch-a", "trader-1")
	b := newChallenge("ch-b", "trader-1")
	a.State = domain.StateFunded
	if err := store.Insert(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := store.Insert(ctx, b); err != nil {
		t.Fatal(err)
	}

	b.State = domain.StateFunded
	err := store.Update(ctx, b, 0, []*domain.ChallengeEvent{event("ch-b", 1, domain.EventStateChanged)}, nil)
	if !errors.Is(err, storage.ErrFundedChallengeExists) {
		t.Errorf("expected ErrFundedChallengeExists, got %v", err)
	}
}

func TestUpdate_RejectsSequenceGap(t *testing.T) {
	store := NewChallengeStore()
	ctx := context.Background()

	c := newChallenge("ch-1", "trader-1")
	if err := store.Insert(ctx, c); err != nil {
		t.Fatal(err)
	}

	// First event must be sequence 1; a gap is invalid
	err := store.Update(ctx, c, 0, []*domain.ChallengeEvent{event("ch-1", 3, domain.EventStateChanged)}, nil)
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for sequence gap, got %v", err)
	}
}

func TestUpdate_DuplicateFill(t *testing.T) {
	store := NewChallengeStore()
	ctx := context.Background()

	c := newChallenge("ch-1", "trader-1")
	c.State = domain.StateActive
	if err := store.Insert(ctx, c); err != nil {
		t.Fatal(err)
	}

	fill := &domain.SettledFill{
		TradeFill: domain.TradeFill{
			FillID:      "fill-1",
			ChallengeID: "ch-1",
			Instrument:  "EURUSD",
			RealizedPnL: 500,
		},
		EquityAfter: 100500,
		StateAfter:  domain.StateActive,
	}

	ev := event("ch-1", 1, domain.EventFillApplied)
	ev.Payload.FillID = "fill-1"
	if err := store.Update(ctx, c, 0, []*domain.ChallengeEvent{ev}, fill); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	ev2 := event("ch-1", 2, domain.EventFillApplied)
	ev2.Payload.FillID = "fill-1"
	err := store.Update(ctx, c, 1, []*domain.ChallengeEvent{ev2}, fill)
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey for replayed fill, got %v", err)
	}

	// The ledger entry survives and is retrievable
	got, err := store.GetFill(ctx, "ch-1", "fill-1")
	if err != nil {
		t.Fatalf("GetFill failed: %v", err)
	}
	if got.EquityAfter != 100500 {
		t.Errorf("expected EquityAfter 100500, got %f", got.EquityAfter)
	}
}

func TestUpdate_ConfigFrozenAfterActivation(t *testing.T) {
	store := NewChallengeStore()
	ctx := context.Background()

	c := newChallenge("ch-1", "trader-1")
	if err := store.Insert(ctx, c); err != nil {
		t.Fatal(err)
	}

	c.State = domain.StateActive
	if err := store.Update(ctx, c, 0, []*domain.ChallengeEvent{event("ch-1", 1, domain.EventChallengeStarted)}, nil); err != nil {
		t.Fatal(err)
	}

	// Attempt to loosen the drawdown limit after activation
	c.MaxDailyDrawdownPct = 0.50
	if err := store.Update(ctx, c, 1, nil, nil); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetByID(ctx, "ch-1")
	if got.MaxDailyDrawdownPct != 0.05 {
		t.Errorf("configuration mutated after activation: %f", got.MaxDailyDrawdownPct)
	}
}

func TestEventRetrieval(t *testing.T) {
	store := NewChallengeStore()
	ctx := context.Background()

	c := newChallenge("ch-1", "trader-1")
	c.State = domain.StateActive
	if err := store.Insert(ctx, c); err != nil {
		t.Fatal(err)
	}

	ev1 := event("ch-1", 1, domain.EventFillApplied)
	ev1.Payload.FillID = "fill-1"
	ev2 := event("ch-1", 2, domain.EventRiskEvaluated)
	ev2.Payload.FillID = "fill-1"
	if err := store.Update(ctx, c, 0, []*domain.ChallengeEvent{ev1, ev2}, nil); err != nil {
		t.Fatal(err)
	}

	ev3 := event("ch-1", 3, domain.EventFillApplied)
	ev3.Payload.FillID = "fill-2"
	if err := store.Update(ctx, c, 1, []*domain.ChallengeEvent{ev3}, nil); err != nil {
		t.Fatal(err)
	}

	all, err := store.GetByChallengeID(ctx, "ch-1")
	if err != nil {
		t.Fatalf("GetByChallengeID failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	for i, ev := range all {
		if ev.Sequence != int64(i+1) {
			t.Errorf("event %d: expected sequence %d, got %d", i, i+1, ev.Sequence)
		}
	}

	byFill, err := store.GetByFill(ctx, "ch-1", "fill-1")
	if err != nil {
		t.Fatalf("GetByFill failed: %v", err)
	}
	if len(byFill) != 2 {
		t.Errorf("expected 2 events for fill-1, got %d", len(byFill))
	}
}

func TestGetByTrader(t *testing.T) {
	store := NewChallengeStore()
	ctx := context.Background()

	a := newChallenge("ch-a", "trader-1")
	a.CreatedAt = 1000
	b := newChallenge("ch-b", "trader-1")
	b.CreatedAt = 2000
	other := newChallenge("ch-c", "trader-2")

	for _, c := range []*domain.Challenge{b, a, other} {
		if err := store.Insert(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.GetByTrader(ctx, "trader-1")
	if err != nil {
		t.Fatalf("GetByTrader failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 challenges, got %d", len(got))
	}
	if got[0].ChallengeID != "ch-a" || got[1].ChallengeID != "ch-b" {
		t.Errorf("expected created_at ordering, got %s, %s", got[0].ChallengeID, got[1].ChallengeID)
	}
}
