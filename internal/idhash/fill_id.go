package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeFillID computes a deterministic fill_id using SHA256.
// Formula: SHA256(challenge_id|instrument|side|quantity|price|fill_time)
// Returns hex-encoded hash (64 characters).
//
// Callers that receive fills without an upstream idempotency key can mint one
// with this: redelivery of the same execution hashes to the same fill_id.
func ComputeFillID(
	challengeID string,
	instrument string,
	side string,
	quantity float64,
	price float64,
	fillTime int64,
) string {
	data := fmt.Sprintf("%s|%s|%s|%.10f|%.10f|%d",
		challengeID,
		instrument,
		side,
		quantity,
		price,
		fillTime,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
