package storage

import "errors"

// Storage errors.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when attempting to insert a record with a
	// key that already exists. The event log and fill ledger are append-only.
	ErrDuplicateKey = errors.New("duplicate key: append-only record already exists")

	// ErrVersionConflict is returned when an update's expected version does
	// not match the stored row. The caller lost an optimistic-concurrency
	// race and may retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrActiveChallengeExists is returned when activating a challenge for a
	// trader that already holds an ACTIVE one.
	ErrActiveChallengeExists = errors.New("trader already has an active challenge")

	// ErrFundedChallengeExists is returned when funding a challenge for a
	// trader that already holds a FUNDED one.
	ErrFundedChallengeExists = errors.New("trader already has a funded challenge")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
