package store

import (
	"context"
	"fmt"
	"time"
)

// RetentionPolicy bounds how much chat history is kept.
type RetentionPolicy struct {
	// MaxMessageAge drops messages older than this. Zero keeps them.
	MaxMessageAge time.Duration
	// MaxMessagesPerProject keeps only the newest N messages of each
	// project. Zero keeps them all.
	MaxMessagesPerProject int
}

// DefaultRetention keeps 30 days and at most 1000 messages per project.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		MaxMessageAge:         30 * 24 * time.Hour,
		MaxMessagesPerProject: 1000,
	}
}

// RunRetention cleans up old data according to the policy.
func (s *Store) RunRetention(ctx context.Context, p RetentionPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.MaxMessageAge > 0 {
		cutoff := time.Now().Add(-p.MaxMessageAge).UnixMilli()
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM messages WHERE created_at < ?", cutoff,
		); err != nil {
			return fmt.Errorf("failed to delete old messages: %w", err)
		}
	}

	if p.MaxMessagesPerProject > 0 {
		_, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY project_id ORDER BY id DESC) AS rn
				FROM messages
			) WHERE rn > ?
		)`, p.MaxMessagesPerProject)
		if err != nil {
			return fmt.Errorf("failed to trim message history: %w", err)
		}
	}

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM revoked_tokens WHERE expires_at <= ?", time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to delete expired revocations: %w", err)
	}

	return nil
}

// DBSizeBytes returns the database size in bytes
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount int64
	var pageSize int64

	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}

	return pageCount * pageSize, nil
}
