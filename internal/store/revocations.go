package store

import (
	"context"
	"fmt"
	"time"
)

// Revoke denies a token key until the given time. A later expiry already
// on record is kept.
func (s *Store) Revoke(ctx context.Context, key, reason string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO revoked_tokens (key, reason, expires_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		reason = excluded.reason,
		expires_at = MAX(revoked_tokens.expires_at, excluded.expires_at)
	`, key, reason, until.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", Classify(err))
	}
	return nil
}

// IsRevoked reports whether key is denied right now.
func (s *Store) IsRevoked(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM revoked_tokens WHERE key = ? AND expires_at > ?`,
		key, time.Now().UnixMilli(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", Classify(err))
	}
	return n > 0, nil
}

// Cleanup drops revocations whose tokens have expired on their own.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM revoked_tokens WHERE expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to clean revocations: %w", Classify(err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
