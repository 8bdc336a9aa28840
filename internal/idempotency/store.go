// Package idempotency provides request deduplication for submission
// endpoints keyed by the caller-supplied X-Idempotency-Key header.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// StoredResponse is the cached outcome of an idempotent request.
type StoredResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Store provides deduplication for request submission.
// The key format is "idem:{ownerId}:{key}".
type Store interface {
	// Check looks up a previous response by key. If the key exists and the
	// input hash matches, it returns the cached response. If the key exists
	// but the hash differs, it returns a conflict error.
	Check(ctx context.Context, key string, inputHash string) (resp *StoredResponse, found bool, err error)

	// Store saves a response keyed by the idempotency key with a TTL.
	Store(ctx context.Context, key string, inputHash string, resp StoredResponse, ttl time.Duration) error

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// entry is the stored value for an idempotency key.
type entry struct {
	InputHash string         `json:"input_hash"`
	Response  StoredResponse `json:"response"`
}

// FormatKey builds the standard idempotency key. Scoping by owner keeps
// callers from colliding on (or probing) each other's keys.
func FormatKey(ownerID, key string) string {
	return fmt.Sprintf("idem:%s:%s", ownerID, key)
}

// HashInput returns a stable hash of the request body used to detect key
// reuse with different input.
func HashInput(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
