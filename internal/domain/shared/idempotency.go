package shared

import (
	"context"
	"time"
)

// StoredResponse is the response recorded for a write sent with an
// idempotency key
type StoredResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

// IdempotencyStore remembers writes by client-supplied key so a retried
// request gets the original response instead of being applied twice.
//
// A key is absent, reserved (its request is still running) or completed.
type IdempotencyStore interface {
	// Reserve claims key for a new request. It returns false when the key is
	// already reserved or completed.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Complete records the response of a reserved key.
	Complete(ctx context.Context, key string, resp StoredResponse, ttl time.Duration) error
	// Lookup returns the recorded response. found is false for an absent key;
	// a reserved key is found with a nil response.
	Lookup(ctx context.Context, key string) (resp *StoredResponse, found bool, err error)
	// Release drops a reservation so the request can be retried.
	Release(ctx context.Context, key string) error
	Close() error
}

// IdempotencyConfig holds configuration for idempotency handling
type IdempotencyConfig struct {
	// TTL is how long a completed key is remembered. After it the same key
	// is treated as a new request.
	TTL time.Duration
	// PendingTTL bounds a reservation whose request never completed.
	PendingTTL time.Duration
	Enabled    bool
}

// DefaultIdempotencyConfig returns the default idempotency configuration
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		TTL:        24 * time.Hour,
		PendingTTL: time.Minute,
		Enabled:    true,
	}
}
