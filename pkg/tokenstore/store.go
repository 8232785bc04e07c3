// Package tokenstore records revoked bearer tokens until they would have
// expired anyway.
package tokenstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Revocation is a single denylist entry.
type Revocation struct {
	Key       string    `json:"key"`
	Reason    string    `json:"reason,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the entry no longer needs to be kept.
func (r *Revocation) IsExpired() bool {
	return !time.Now().Before(r.ExpiresAt)
}

// Store is a denylist of token keys.
type Store interface {
	// Revoke denies key until the given time.
	Revoke(ctx context.Context, key, reason string, until time.Time) error
	// IsRevoked reports whether key is currently denied.
	IsRevoked(ctx context.Context, key string) (bool, error)
	// Cleanup removes entries past their expiry.
	Cleanup(ctx context.Context) (int, error)
}

// Key derives the denylist key for a raw token so stores never hold
// usable credentials.
func Key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
