// Package settlement coordinates trade settlement against challenges.
// The coordinator is the sole writer of challenge and event records: it
// serializes all mutating operations per challenge, applies fills exactly
// once, drives state-machine transitions from rule evaluation, and appends
// the audit trail transactionally with the challenge row.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"challenge-core/internal/domain"
	"challenge-core/internal/lifecycle"
	"challenge-core/internal/observability"
	"challenge-core/internal/risk"
	"challenge-core/internal/sink"
	"challenge-core/internal/storage"
)

// Coordinator errors.
var (
	// ErrChallengeNotTradable is returned when a fill arrives for a
	// challenge that is not ACTIVE. The trade is rejected as final; callers
	// must not retry.
	ErrChallengeNotTradable = errors.New("challenge not tradable")

	// ErrBusy is returned on lock or optimistic-version contention. The
	// caller may retry with backoff; settlement is idempotent per fill_id,
	// so retrying the identical fill is safe.
	ErrBusy = errors.New("challenge busy")

	// ErrBusinessRule wraps trader-level rule rejections from the
	// repository (one-active-challenge, no-double-funding). Surfaced, never
	// retried.
	ErrBusinessRule = errors.New("business rule violation")
)

// defaultLockWait bounds how long a settlement waits for its challenge lock
// before failing with ErrBusy.
const defaultLockWait = 3 * time.Second

// SettlementResult is the outcome of one settle call. EquityAfter and
// StateAfter describe the challenge immediately after this fill settled; on a
// replayed fill they come from the ledger, so they stay stable even when later
// fills have moved the challenge on, while Challenge is the current snapshot.
type SettlementResult struct {
	Challenge     *domain.Challenge
	Violations    []domain.RiskViolation
	EquityAfter   float64
	StateAfter    domain.ChallengeState
	TradingHalted bool // true iff StateAfter != ACTIVE
	Duplicate     bool // true when the fill had already been applied
}

// Options for creating a Coordinator.
type Options struct {
	// Required stores
	Store  storage.ChallengeStore
	Events storage.EventStore

	// Optional collaborators
	Sink         sink.EventSink           // committed-event fan-out, NopSink if nil
	EquityPoints storage.EquityPointStore // analytics, skipped if nil
	Metrics      *observability.Metrics
	Logger       *log.Logger

	// LockWait bounds the wait for a challenge lock. Defaults to 3s.
	LockWait time.Duration

	// Now is the clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

// Coordinator applies trade fills to challenges.
type Coordinator struct {
	store        storage.ChallengeStore
	events       storage.EventStore
	sink         sink.EventSink
	equityPoints storage.EquityPointStore
	metrics      *observability.Metrics
	logger       *log.Logger
	evaluator    *risk.Evaluator
	locks        *keyedLock
	lockWait     time.Duration
	now          func() time.Time
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		store:        opts.Store,
		events:       opts.Events,
		sink:         opts.Sink,
		equityPoints: opts.EquityPoints,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		evaluator:    risk.NewEvaluator(),
		locks:        newKeyedLock(),
		lockWait:     opts.LockWait,
		now:          opts.Now,
	}
	if c.sink == nil {
		c.sink = sink.NopSink{}
	}
	if c.logger == nil {
		c.logger = log.New(os.Stderr, "[settlement] ", log.LstdFlags)
	}
	if c.lockWait <= 0 {
		c.lockWait = defaultLockWait
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Start activates a PENDING challenge for trading.
// Returns lifecycle.ErrIllegalTransition for a non-PENDING challenge and
// ErrBusinessRule when the trader already holds an ACTIVE or FUNDED
// challenge.
func (co *Coordinator) Start(ctx context.Context, challengeID, startedBy string) (*domain.Challenge, error) {
	if !co.locks.acquire(ctx, challengeID, co.lockWait) {
		co.countLockContention()
		return nil, ErrBusy
	}
	defer co.locks.release(challengeID)

	c, err := co.store.GetByID(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("load challenge %s: %w", challengeID, err)
	}

	nowMs := co.now().UnixMilli()
	loadedVersion := c.Version

	if err := lifecycle.Start(c, nowMs); err != nil {
		return nil, err
	}

	ev := &domain.ChallengeEvent{
		ChallengeID: challengeID,
		Sequence:    c.LastSequence + 1,
		Kind:        domain.EventChallengeStarted,
		BeforeState: domain.StatePending,
		AfterState:  domain.StateActive,
		Payload:     domain.EventPayload{StartedBy: startedBy},
		RecordedAt:  nowMs,
	}

	if err := co.store.Update(ctx, c, loadedVersion, []*domain.ChallengeEvent{ev}, nil); err != nil {
		switch {
		case errors.Is(err, storage.ErrActiveChallengeExists),
			errors.Is(err, storage.ErrFundedChallengeExists):
			return nil, fmt.Errorf("%w: %w", ErrBusinessRule, err)
		case errors.Is(err, storage.ErrVersionConflict):
			co.countVersionConflict()
			return nil, ErrBusy
		default:
			return nil, fmt.Errorf("persist start of %s: %w", challengeID, err)
		}
	}

	co.afterCommit([]*domain.ChallengeEvent{ev})
	co.countTransition(domain.StateActive)
	co.logger.Printf("challenge %s started by %s", challengeID, startedBy)

	return c.Clone(), nil
}

// Settle applies one trade fill to one challenge, exactly once.
// A replayed fill_id is an idempotent no-op returning the prior outcome; a
// fill for a non-ACTIVE challenge returns ErrChallengeNotTradable.
func (co *Coordinator) Settle(ctx context.Context, challengeID string, fill *domain.TradeFill) (*SettlementResult, error) {
	if fill == nil || fill.FillID == "" {
		return nil, storage.ErrInvalidInput
	}
	if fill.ChallengeID != "" && fill.ChallengeID != challengeID {
		return nil, storage.ErrInvalidInput
	}

	if !co.locks.acquire(ctx, challengeID, co.lockWait) {
		co.countLockContention()
		return nil, ErrBusy
	}
	defer co.locks.release(challengeID)

	started := co.now()
	defer func() {
		if co.metrics != nil {
			co.metrics.SettlementDuration.Observe(co.now().Sub(started).Seconds())
		}
	}()

	c, err := co.store.GetByID(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("load challenge %s: %w", challengeID, err)
	}

	// Idempotent replay: the ledger is checked before the state gate, so a
	// fill that terminated the challenge still replays as its original
	// result rather than a rejection.
	if prior, err := co.priorResult(ctx, c, fill.FillID); err == nil {
		co.countSettlement("duplicate")
		if co.metrics != nil {
			co.metrics.DuplicateFills.Inc()
		}
		return prior, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if c.State != domain.StateActive {
		co.countSettlement("rejected")
		return nil, fmt.Errorf("%w: challenge %s is %s", ErrChallengeNotTradable, challengeID, c.State)
	}

	// Fills must arrive in non-decreasing UTC-day order, or the per-day
	// distribution and the daily baseline would be rewritten retroactively.
	if n := len(c.Days); n > 0 && domain.DayOf(fill.FillTime) < c.Days[n-1].Day {
		co.countSettlement("rejected")
		return nil, fmt.Errorf("%w: fill %s predates latest trading day %s",
			storage.ErrInvalidInput, fill.FillID, c.Days[n-1].Day)
	}

	nowMs := co.now().UnixMilli()
	loadedVersion := c.Version

	c.ApplyFill(fill)

	evaluation := co.evaluator.Evaluate(risk.ContextFor(c, fill), risk.SpecsFor(c))

	var transitionEvent *domain.ChallengeEvent
	if evaluation.Fatal() {
		if err := lifecycle.Fail(c, evaluation.FailureReason, nowMs); err != nil {
			return nil, err
		}
		transitionEvent = &domain.ChallengeEvent{
			Kind:        domain.EventStateChanged,
			BeforeState: domain.StateActive,
			AfterState:  domain.StateFailed,
			Payload:     domain.EventPayload{FillID: fill.FillID, Reason: evaluation.FailureReason},
		}
	} else if evaluation.PassEligible {
		if err := lifecycle.Pass(c, true, nowMs); err != nil {
			return nil, err
		}
		transitionEvent = &domain.ChallengeEvent{
			Kind:        domain.EventStateChanged,
			BeforeState: domain.StateActive,
			AfterState:  domain.StateFunded,
			Payload:     domain.EventPayload{FillID: fill.FillID},
		}
	}

	events := []*domain.ChallengeEvent{
		{
			Kind:        domain.EventFillApplied,
			BeforeState: domain.StateActive,
			AfterState:  domain.StateActive,
			Payload:     domain.EventPayload{FillID: fill.FillID, Fill: fill, EquityAfter: c.CurrentEquity},
		},
		{
			Kind:        domain.EventRiskEvaluated,
			BeforeState: domain.StateActive,
			AfterState:  domain.StateActive,
			Payload:     domain.EventPayload{FillID: fill.FillID, Violations: evaluation.Violations},
		},
	}
	if transitionEvent != nil {
		events = append(events, transitionEvent)
	}
	for i, ev := range events {
		ev.ChallengeID = challengeID
		ev.Sequence = c.LastSequence + int64(i) + 1
		ev.RecordedAt = nowMs
	}

	ledger := &domain.SettledFill{
		TradeFill:   *fill,
		EquityAfter: c.CurrentEquity,
		StateAfter:  c.State,
		SettledAt:   nowMs,
	}
	ledger.ChallengeID = challengeID

	if err := co.store.Update(ctx, c, loadedVersion, events, ledger); err != nil {
		switch {
		case errors.Is(err, storage.ErrVersionConflict):
			co.countVersionConflict()
			return nil, ErrBusy
		case errors.Is(err, storage.ErrDuplicateKey):
			// Another writer settled the same fill first; hand back its
			// outcome.
			if fresh, ferr := co.store.GetByID(ctx, challengeID); ferr == nil {
				if prior, perr := co.priorResult(ctx, fresh, fill.FillID); perr == nil {
					return prior, nil
				}
			}
			return nil, ErrBusy
		default:
			return nil, fmt.Errorf("persist settlement of fill %s: %w", fill.FillID, err)
		}
	}

	co.afterCommit(events)
	co.recordSettlementMetrics(c, evaluation)
	co.recordEquityPoint(ctx, c, nowMs)

	if c.State != domain.StateActive {
		co.logger.Printf("challenge %s halted: state=%s fill=%s", challengeID, c.State, fill.FillID)
	}

	return &SettlementResult{
		Challenge:     c.Clone(),
		Violations:    evaluation.Violations,
		EquityAfter:   c.CurrentEquity,
		StateAfter:    c.State,
		TradingHalted: c.State != domain.StateActive,
	}, nil
}

// priorResult rebuilds the outcome of an already-applied fill from the
// ledger entry and the persisted risk-evaluation event.
func (co *Coordinator) priorResult(ctx context.Context, c *domain.Challenge, fillID string) (*SettlementResult, error) {
	ledger, err := co.store.GetFill(ctx, c.ChallengeID, fillID)
	if err != nil {
		return nil, err
	}

	var violations []domain.RiskViolation
	events, err := co.events.GetByFill(ctx, c.ChallengeID, fillID)
	if err != nil {
		return nil, fmt.Errorf("load events for fill %s: %w", fillID, err)
	}
	for _, ev := range events {
		if ev.Kind == domain.EventRiskEvaluated {
			violations = ev.Payload.Violations
			break
		}
	}

	return &SettlementResult{
		Challenge:     c.Clone(),
		Violations:    violations,
		EquityAfter:   ledger.EquityAfter,
		StateAfter:    ledger.StateAfter,
		TradingHalted: ledger.StateAfter != domain.StateActive,
		Duplicate:     true,
	}, nil
}

// afterCommit publishes events to the sink. Only called once the owning
// transaction committed, so downstream consumers never observe a transition
// that did not durably happen.
func (co *Coordinator) afterCommit(events []*domain.ChallengeEvent) {
	for _, ev := range events {
		co.sink.Publish(ev)
		if co.metrics != nil {
			co.metrics.EventsAppended.Inc()
			co.metrics.SinkPublished.Inc()
		}
	}
}

// recordEquityPoint writes one analytics sample, best-effort.
func (co *Coordinator) recordEquityPoint(ctx context.Context, c *domain.Challenge, nowMs int64) {
	if co.equityPoints == nil {
		return
	}

	var drawdown float64
	if c.MaxEquityEver > 0 {
		drawdown = (c.MaxEquityEver - c.CurrentEquity) / c.MaxEquityEver
	}
	var dailyPnL float64
	if len(c.Days) > 0 {
		dailyPnL = c.Days[len(c.Days)-1].RealizedPnL
	}

	point := &domain.EquityPoint{
		ChallengeID: c.ChallengeID,
		TimestampMs: nowMs,
		Equity:      c.CurrentEquity,
		DailyPnL:    dailyPnL,
		Drawdown:    drawdown,
	}
	if err := co.equityPoints.Insert(ctx, point); err != nil {
		co.logger.Printf("record equity point for %s: %v", c.ChallengeID, err)
	}
}

func (co *Coordinator) recordSettlementMetrics(c *domain.Challenge, evaluation *risk.Result) {
	if co.metrics == nil {
		return
	}

	outcome := "settled"
	switch c.State {
	case domain.StateFailed:
		outcome = "failed"
		co.metrics.TransitionsTotal.WithLabelValues(string(domain.StateFailed)).Inc()
	case domain.StateFunded:
		outcome = "funded"
		co.metrics.TransitionsTotal.WithLabelValues(string(domain.StateFunded)).Inc()
	}
	co.metrics.SettlementsTotal.WithLabelValues(outcome).Inc()

	for _, v := range evaluation.Violations {
		if v.Breached {
			co.metrics.ViolationsTotal.WithLabelValues(string(v.Kind)).Inc()
		}
	}
}

func (co *Coordinator) countSettlement(outcome string) {
	if co.metrics != nil {
		co.metrics.SettlementsTotal.WithLabelValues(outcome).Inc()
	}
}

func (co *Coordinator) countLockContention() {
	if co.metrics != nil {
		co.metrics.LockContention.Inc()
	}
}

func (co *Coordinator) countVersionConflict() {
	if co.metrics != nil {
		co.metrics.VersionConflicts.Inc()
	}
}

func (co *Coordinator) countTransition(state domain.ChallengeState) {
	if co.metrics != nil {
		co.metrics.TransitionsTotal.WithLabelValues(string(state)).Inc()
	}
}
