package storage

import (
	"context"

	"challenge-core/internal/domain"
)

// ChallengeStore provides access to challenge storage. Update is the single
// mutating entry point for settled state: the challenge row, its day stats,
// the audit events and the fill ledger entry persist in one transaction so
// the event log never diverges from challenge state.
type ChallengeStore interface {
	// Insert adds a new PENDING challenge. Returns ErrDuplicateKey if
	// challenge_id exists.
	Insert(ctx context.Context, c *domain.Challenge) error

	// GetByID retrieves a challenge with its day stats. Returns ErrNotFound
	// if not exists.
	GetByID(ctx context.Context, challengeID string) (*domain.Challenge, error)

	// GetByTrader retrieves all challenges for a trader, ordered by
	// created_at ASC.
	GetByTrader(ctx context.Context, traderID string) ([]*domain.Challenge, error)

	// Update persists the challenge atomically with its new events and, when
	// the update settles a fill, the fill ledger entry.
	//   - the row's version must equal expectedVersion, else ErrVersionConflict
	//   - event sequences must continue from the stored last sequence
	//   - a trader may hold at most one ACTIVE challenge (ErrActiveChallengeExists)
	//     and at most one FUNDED challenge (ErrFundedChallengeExists)
	//   - a replayed fill_id yields ErrDuplicateKey
	// Challenge configuration columns are never rewritten: configuration is
	// frozen once the state leaves PENDING.
	// On success the store writes the new version and last sequence back
	// into c.
	Update(ctx context.Context, c *domain.Challenge, expectedVersion int64, events []*domain.ChallengeEvent, fill *domain.SettledFill) error

	// GetFill retrieves the settlement ledger entry for a fill. Returns
	// ErrNotFound if the fill was never applied to the challenge.
	GetFill(ctx context.Context, challengeID, fillID string) (*domain.SettledFill, error)
}

// EventStore provides read access to the append-only audit log. Writes happen
// only inside ChallengeStore.Update.
type EventStore interface {
	// GetByChallengeID retrieves all events for a challenge, ordered by
	// sequence ASC.
	GetByChallengeID(ctx context.Context, challengeID string) ([]*domain.ChallengeEvent, error)

	// GetByFill retrieves the events recorded while settling one fill,
	// ordered by sequence ASC.
	GetByFill(ctx context.Context, challengeID, fillID string) ([]*domain.ChallengeEvent, error)
}

// EquityPointStore records one analytics point per settlement. Writes are
// best-effort and never on the transactional path.
type EquityPointStore interface {
	// Insert adds an equity point.
	Insert(ctx context.Context, p *domain.EquityPoint) error

	// GetByChallengeID retrieves all points for a challenge, ordered by
	// timestamp ASC.
	GetByChallengeID(ctx context.Context, challengeID string) ([]*domain.EquityPoint, error)
}
