package memory

import (
	"context"
	"sort"
	"sync"

	"challenge-core/internal/domain"
	"challenge-core/internal/storage"
)

// ChallengeStore is an in-memory implementation of storage.ChallengeStore and
// storage.EventStore. All writes for a challenge go through Update, which
// applies them atomically under the store lock.
type ChallengeStore struct {
	mu sync.RWMutex

	challenges map[string]*domain.Challenge              // keyed by challenge_id
	events     map[string][]*domain.ChallengeEvent       // keyed by challenge_id, sequence ASC
	fills      map[string]map[string]*domain.SettledFill // challenge_id → fill_id
}

// NewChallengeStore creates a new in-memory challenge store.
func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{
		challenges: make(map[string]*domain.Challenge),
		events:     make(map[string][]*domain.ChallengeEvent),
		fills:      make(map[string]map[string]*domain.SettledFill),
	}
}

// Compile-time interface checks.
var (
	_ storage.ChallengeStore = (*ChallengeStore)(nil)
	_ storage.EventStore     = (*ChallengeStore)(nil)
)

// Insert adds a new PENDING challenge. Returns ErrDuplicateKey if challenge_id exists.
func (s *ChallengeStore) Insert(_ context.Context, c *domain.Challenge) error {
	if c == nil || c.ChallengeID == "" || c.TraderID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.challenges[c.ChallengeID]; exists {
		return storage.ErrDuplicateKey
	}

	s.challenges[c.ChallengeID] = c.Clone()
	return nil
}

// GetByID retrieves a challenge. Returns ErrNotFound if not exists.
func (s *ChallengeStore) GetByID(_ context.Context, challengeID string) (*domain.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.challenges[challengeID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return c.Clone(), nil
}

// GetByTrader retrieves all challenges for a trader, ordered by created_at ASC.
func (s *ChallengeStore) GetByTrader(_ context.Context, traderID string) ([]*domain.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Challenge
	for _, c := range s.challenges {
		if c.TraderID == traderID {
			result = append(result, c.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt < result[j].CreatedAt
	})

	return result, nil
}

// Update persists the challenge, its events and optional fill atomically.
// See storage.ChallengeStore for the contract.
func (s *ChallengeStore) Update(_ context.Context, c *domain.Challenge, expectedVersion int64, events []*domain.ChallengeEvent, fill *domain.SettledFill) error {
	if c == nil || c.ChallengeID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.challenges[c.ChallengeID]
	if !exists {
		return storage.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return storage.ErrVersionConflict
	}

	// Trader-level uniqueness, mirroring the postgres partial unique indexes.
	if c.State == domain.StateActive {
		for id, other := range s.challenges {
			if id != c.ChallengeID && other.TraderID == c.TraderID && other.State == domain.StateActive {
				return storage.ErrActiveChallengeExists
			}
		}
	}
	if c.State == domain.StateFunded {
		for id, other := range s.challenges {
			if id != c.ChallengeID && other.TraderID == c.TraderID && other.State == domain.StateFunded {
				return storage.ErrFundedChallengeExists
			}
		}
	}

	// Event sequences must continue gap-free from the stored last sequence.
	for i, ev := range events {
		if ev == nil || ev.ChallengeID != c.ChallengeID {
			return storage.ErrInvalidInput
		}
		if ev.Sequence != cur.LastSequence+int64(i)+1 {
			return storage.ErrInvalidInput
		}
	}

	if fill != nil {
		if fill.FillID == "" || fill.ChallengeID != c.ChallengeID {
			return storage.ErrInvalidInput
		}
		if _, applied := s.fills[c.ChallengeID][fill.FillID]; applied {
			return storage.ErrDuplicateKey
		}
	}

	stored := c.Clone()
	stored.Version = expectedVersion + 1
	stored.LastSequence = cur.LastSequence + int64(len(events))

	// Configuration is frozen once the state leaves PENDING.
	if cur.State != domain.StatePending {
		stored.MaxDailyDrawdownPct = cur.MaxDailyDrawdownPct
		stored.MaxTotalDrawdownPct = cur.MaxTotalDrawdownPct
		stored.ProfitTargetPct = cur.ProfitTargetPct
		stored.MinTradingDays = cur.MinTradingDays
		stored.ConsistencyCapPct = cur.ConsistencyCapPct
		stored.ForbiddenInstruments = append([]string(nil), cur.ForbiddenInstruments...)
	}

	s.challenges[c.ChallengeID] = stored

	for _, ev := range events {
		dup := *ev
		s.events[c.ChallengeID] = append(s.events[c.ChallengeID], &dup)
	}

	if fill != nil {
		if s.fills[c.ChallengeID] == nil {
			s.fills[c.ChallengeID] = make(map[string]*domain.SettledFill)
		}
		dup := *fill
		s.fills[c.ChallengeID][fill.FillID] = &dup
	}

	c.Version = stored.Version
	c.LastSequence = stored.LastSequence
	return nil
}

// GetFill retrieves the settlement ledger entry for a fill.
func (s *ChallengeStore) GetFill(_ context.Context, challengeID, fillID string) (*domain.SettledFill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, exists := s.fills[challengeID][fillID]
	if !exists {
		return nil, storage.ErrNotFound
	}

	dup := *f
	return &dup, nil
}

// GetByChallengeID retrieves all events for a challenge, ordered by sequence ASC.
func (s *ChallengeStore) GetByChallengeID(_ context.Context, challengeID string) ([]*domain.ChallengeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.events[challengeID]
	result := make([]*domain.ChallengeEvent, 0, len(src))
	for _, ev := range src {
		dup := *ev
		result = append(result, &dup)
	}
	return result, nil
}

// GetByFill retrieves the events recorded while settling one fill.
func (s *ChallengeStore) GetByFill(_ context.Context, challengeID, fillID string) ([]*domain.ChallengeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ChallengeEvent
	for _, ev := range s.events[challengeID] {
		if ev.Payload.FillID == fillID {
			dup := *ev
			result = append(result, &dup)
		}
	}
	return result, nil
}
