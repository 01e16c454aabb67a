package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"challenge-core/internal/domain"
	"challenge-core/internal/storage"
)

// ChallengeStore implements storage.ChallengeStore and storage.EventStore
// using PostgreSQL. Challenge state and its audit events commit in one
// transaction; trader-level business rules are enforced by partial unique
// indexes so concurrent activations cannot race past an in-core check.
type ChallengeStore struct {
	pool *Pool
}

// NewChallengeStore creates a new ChallengeStore.
func NewChallengeStore(pool *Pool) *ChallengeStore {
	return &ChallengeStore{pool: pool}
}

// Compile-time interface checks.
var (
	_ storage.ChallengeStore = (*ChallengeStore)(nil)
	_ storage.EventStore     = (*ChallengeStore)(nil)
)

const challengeColumns = `
	challenge_id, trader_id, state, version, last_sequence,
	initial_balance, current_equity, daily_start_equity, max_equity_ever,
	realized_pnl, trade_count,
	max_daily_drawdown_pct, max_total_drawdown_pct, profit_target_pct,
	min_trading_days, consistency_cap_pct, forbidden_instruments,
	started_at, ended_at, failure_reason, created_at
`

// Insert adds a new PENDING challenge. Returns ErrDuplicateKey if
// challenge_id exists. Configuration columns are written here and never
// again.
func (s *ChallengeStore) Insert(ctx context.Context, c *domain.Challenge) error {
	if c == nil || c.ChallengeID == "" || c.TraderID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO challenges (` + challengeColumns + `)
		VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11,
			$12, $13, $14,
			$15, $16, $17,
			$18, $19, $20, $21
		)
	`

	_, err := s.pool.Exec(ctx, query,
		c.ChallengeID, c.TraderID, c.State, c.Version, c.LastSequence,
		c.InitialBalance, c.CurrentEquity, c.DailyStartEquity, c.MaxEquityEver,
		c.RealizedPnL, c.TradeCount,
		c.MaxDailyDrawdownPct, c.MaxTotalDrawdownPct, c.ProfitTargetPct,
		c.MinTradingDays, c.ConsistencyCapPct, c.ForbiddenInstruments,
		c.StartedAt, c.EndedAt, c.FailureReason, c.CreatedAt,
	)
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

// GetByID retrieves a challenge with its day stats. Returns ErrNotFound if
// not exists.
func (s *ChallengeStore) GetByID(ctx context.Context, challengeID string) (*domain.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM challenges WHERE challenge_id = $1`

	row := s.pool.QueryRow(ctx, query, challengeID)
	c, err := scanChallenge(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get challenge: %w", err)
	}

	if err := s.loadDays(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// GetByTrader retrieves all challenges for a trader, ordered by created_at ASC.
func (s *ChallengeStore) GetByTrader(ctx context.Context, traderID string) ([]*domain.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM challenges WHERE trader_id = $1 ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, traderID)
	if err != nil {
		return nil, fmt.Errorf("get challenges by trader: %w", err)
	}
	defer rows.Close()

	var result []*domain.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan challenge: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate challenges: %w", err)
	}

	for _, c := range result {
		if err := s.loadDays(ctx, c); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Update persists the challenge, its events, day stats and optional fill in
// one transaction. See storage.ChallengeStore for the contract.
func (s *ChallengeStore) Update(ctx context.Context, c *domain.Challenge, expectedVersion int64, events []*domain.ChallengeEvent, fill *domain.SettledFill) error {
	if c == nil || c.ChallengeID == "" {
		return storage.ErrInvalidInput
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Configuration columns are intentionally absent: frozen at Insert.
	updateQuery := `
		UPDATE challenges SET
			state = $3,
			version = version + 1,
			last_sequence = last_sequence + $4,
			current_equity = $5,
			daily_start_equity = $6,
			max_equity_ever = $7,
			realized_pnl = $8,
			trade_count = $9,
			started_at = $10,
			ended_at = $11,
			failure_reason = $12
		WHERE challenge_id = $1 AND version = $2
	`

	tag, err := tx.Exec(ctx, updateQuery,
		c.ChallengeID, expectedVersion,
		c.State, int64(len(events)),
		c.CurrentEquity, c.DailyStartEquity, c.MaxEquityEver,
		c.RealizedPnL, c.TradeCount,
		c.StartedAt, c.EndedAt, c.FailureReason,
	)
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("update challenge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row is missing or the version moved under us.
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM challenges WHERE challenge_id = $1)`,
			c.ChallengeID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check challenge existence: %w", err)
		}
		if !exists {
			return storage.ErrNotFound
		}
		return storage.ErrVersionConflict
	}

	eventQuery := `
		INSERT INTO challenge_events (
			challenge_id, sequence, kind, before_state, after_state, payload, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		_, err = tx.Exec(ctx, eventQuery,
			ev.ChallengeID, ev.Sequence, ev.Kind, ev.BeforeState, ev.AfterState, payload, ev.RecordedAt,
		)
		if err != nil {
			if mapped := mapUniqueViolation(err); mapped != nil {
				return mapped
			}
			return fmt.Errorf("append event: %w", err)
		}
	}

	dayQuery := `
		INSERT INTO challenge_days (challenge_id, day, realized_pnl, fill_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (challenge_id, day) DO UPDATE
		SET realized_pnl = EXCLUDED.realized_pnl, fill_count = EXCLUDED.fill_count
	`
	for _, d := range c.Days {
		if _, err := tx.Exec(ctx, dayQuery, c.ChallengeID, d.Day, d.RealizedPnL, d.FillCount); err != nil {
			return fmt.Errorf("upsert challenge day: %w", err)
		}
	}

	if fill != nil {
		fillQuery := `
			INSERT INTO trade_fills (
				challenge_id, fill_id, instrument, side, quantity, price,
				realized_pnl, fill_time, equity_after, state_after, settled_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`
		_, err := tx.Exec(ctx, fillQuery,
			fill.ChallengeID, fill.FillID, fill.Instrument, fill.Side, fill.Quantity, fill.Price,
			fill.RealizedPnL, fill.FillTime, fill.EquityAfter, fill.StateAfter, fill.SettledAt,
		)
		if err != nil {
			if mapped := mapUniqueViolation(err); mapped != nil {
				return mapped
			}
			return fmt.Errorf("insert fill: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	c.Version = expectedVersion + 1
	c.LastSequence += int64(len(events))
	return nil
}

// GetFill retrieves the settlement ledger entry for a fill.
func (s *ChallengeStore) GetFill(ctx context.Context, challengeID, fillID string) (*domain.SettledFill, error) {
	query := `
		SELECT challenge_id, fill_id, instrument, side, quantity, price,
		       realized_pnl, fill_time, equity_after, state_after, settled_at
		FROM trade_fills
		WHERE challenge_id = $1 AND fill_id = $2
	`

	var f domain.SettledFill
	err := s.pool.QueryRow(ctx, query, challengeID, fillID).Scan(
		&f.ChallengeID, &f.FillID, &f.Instrument, &f.Side, &f.Quantity, &f.Price,
		&f.RealizedPnL, &f.FillTime, &f.EquityAfter, &f.StateAfter, &f.SettledAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get fill: %w", err)
	}
	return &f, nil
}

// GetByChallengeID retrieves all events for a challenge, ordered by sequence ASC.
func (s *ChallengeStore) GetByChallengeID(ctx context.Context, challengeID string) ([]*domain.ChallengeEvent, error) {
	query := `
		SELECT challenge_id, sequence, kind, before_state, after_state, payload, recorded_at
		FROM challenge_events
		WHERE challenge_id = $1
		ORDER BY sequence ASC
	`
	return s.queryEvents(ctx, query, challengeID)
}

// GetByFill retrieves the events recorded while settling one fill, ordered by
// sequence ASC.
func (s *ChallengeStore) GetByFill(ctx context.Context, challengeID, fillID string) ([]*domain.ChallengeEvent, error) {
	query := `
		SELECT challenge_id, sequence, kind, before_state, after_state, payload, recorded_at
		FROM challenge_events
		WHERE challenge_id = $1 AND payload->>'fill_id' = $2
		ORDER BY sequence ASC
	`
	return s.queryEvents(ctx, query, challengeID, fillID)
}

func (s *ChallengeStore) queryEvents(ctx context.Context, query string, args ...any) ([]*domain.ChallengeEvent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var result []*domain.ChallengeEvent
	for rows.Next() {
		var ev domain.ChallengeEvent
		var payload []byte
		if err := rows.Scan(&ev.ChallengeID, &ev.Sequence, &ev.Kind, &ev.BeforeState, &ev.AfterState, &payload, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
		result = append(result, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return result, nil
}

// loadDays attaches the per-day P&L distribution to a challenge.
func (s *ChallengeStore) loadDays(ctx context.Context, c *domain.Challenge) error {
	rows, err := s.pool.Query(ctx,
		`SELECT day, realized_pnl, fill_count FROM challenge_days WHERE challenge_id = $1 ORDER BY day ASC`,
		c.ChallengeID,
	)
	if err != nil {
		return fmt.Errorf("query challenge days: %w", err)
	}
	defer rows.Close()

	c.Days = nil
	for rows.Next() {
		var d domain.DayStat
		if err := rows.Scan(&d.Day, &d.RealizedPnL, &d.FillCount); err != nil {
			return fmt.Errorf("scan challenge day: %w", err)
		}
		c.Days = append(c.Days, d)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate challenge days: %w", err)
	}
	return nil
}

// rowScanner covers pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(row rowScanner) (*domain.Challenge, error) {
	var c domain.Challenge
	err := row.Scan(
		&c.ChallengeID, &c.TraderID, &c.State, &c.Version, &c.LastSequence,
		&c.InitialBalance, &c.CurrentEquity, &c.DailyStartEquity, &c.MaxEquityEver,
		&c.RealizedPnL, &c.TradeCount,
		&c.MaxDailyDrawdownPct, &c.MaxTotalDrawdownPct, &c.ProfitTargetPct,
		&c.MinTradingDays, &c.ConsistencyCapPct, &c.ForbiddenInstruments,
		&c.StartedAt, &c.EndedAt, &c.FailureReason, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
