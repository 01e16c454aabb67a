package clickhouse

import (
	"context"
	"fmt"

	"challenge-core/internal/domain"
	"challenge-core/internal/storage"
)

// EquityPointStore implements storage.EquityPointStore using ClickHouse.
// Points are analytics only: writes happen after the owning postgres
// transaction committed and are never on the settlement path.
type EquityPointStore struct {
	conn *Conn
}

// NewEquityPointStore creates a new EquityPointStore.
func NewEquityPointStore(conn *Conn) *EquityPointStore {
	return &EquityPointStore{conn: conn}
}

// Compile-time interface check.
var _ storage.EquityPointStore = (*EquityPointStore)(nil)

// Insert adds an equity point.
func (s *EquityPointStore) Insert(ctx context.Context, p *domain.EquityPoint) error {
	if p == nil || p.ChallengeID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO equity_points (
			challenge_id, timestamp_ms, equity, daily_pnl, drawdown
		) VALUES (?, ?, ?, ?, ?)
	`

	err := s.conn.Exec(ctx, query,
		p.ChallengeID, uint64(p.TimestampMs), p.Equity, p.DailyPnL, p.Drawdown,
	)
	if err != nil {
		return fmt.Errorf("insert equity point: %w", err)
	}
	return nil
}

// GetByChallengeID retrieves all points for a challenge, ordered by timestamp ASC.
func (s *EquityPointStore) GetByChallengeID(ctx context.Context, challengeID string) ([]*domain.EquityPoint, error) {
	query := `
		SELECT challenge_id, timestamp_ms, equity, daily_pnl, drawdown
		FROM equity_points
		WHERE challenge_id = ?
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, challengeID)
	if err != nil {
		return nil, fmt.Errorf("query equity points: %w", err)
	}
	defer rows.Close()

	var result []*domain.EquityPoint
	for rows.Next() {
		var p domain.EquityPoint
		var ts uint64
		if err := rows.Scan(&p.ChallengeID, &ts, &p.Equity, &p.DailyPnL, &p.Drawdown); err != nil {
			return nil, fmt.Errorf("scan equity point: %w", err)
		}
		p.TimestampMs = int64(ts)
		result = append(result, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate equity points: %w", err)
	}

	return result, nil
}
