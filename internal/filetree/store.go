package filetree

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/collabhub/internal/errors"
	"github.com/p-blackswan/collabhub/internal/retry"
)

// Saver is the write half of the project metadata store.
type Saver interface {
	SaveFileTree(ctx context.Context, projectID string, tree Tree) error
}

type entry struct {
	tree  Tree
	rev   uint64
	saved uint64
}

// Store holds the working copy of every resident project's tree.
//
// Mutations build a new tree and swap it in under the lock, so readers
// never observe a half-applied change. Stored trees are never modified in
// place once installed.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	saver  Saver
	retry  retry.Config
	logger zerolog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRetry overrides the retry policy used by Persist.
func WithRetry(cfg retry.Config) StoreOption {
	return func(s *Store) { s.retry = cfg }
}

// NewStore creates an empty store that persists through saver.
func NewStore(saver Saver, logger zerolog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		saver:   saver,
		retry:   retry.PersistConfig(),
		logger:  logger.With().Str("component", "filetree.store").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Seed makes projectID resident with tree as its working copy. It returns
// false and leaves the existing copy untouched if the project is already
// resident.
func (s *Store) Seed(projectID string, tree Tree) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[projectID]; ok {
		return false
	}
	s.entries[projectID] = &entry{tree: tree.Clone()}
	return true
}

// Resident reports whether projectID has a working copy.
func (s *Store) Resident(projectID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[projectID]
	return ok
}

// Snapshot returns a deep copy of the project's current tree.
func (s *Store) Snapshot(projectID string) (Tree, error) {
	s.mu.RLock()
	e, ok := s.entries[projectID]
	var t Tree
	if ok {
		t = e.tree
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", projectID, perrors.ErrNotResident)
	}
	return t.Clone(), nil
}

// Revision returns the mutation counter of the project's working copy.
func (s *Store) Revision(projectID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[projectID]
	if !ok {
		return 0, fmt.Errorf("revision %s: %w", projectID, perrors.ErrNotResident)
	}
	return e.rev, nil
}

// SetWhole replaces the project's tree wholesale.
func (s *Store) SetWhole(projectID string, tree Tree) error {
	if err := Validate(tree); err != nil {
		return err
	}
	next := tree.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[projectID]
	if !ok {
		return fmt.Errorf("set tree %s: %w", projectID, perrors.ErrNotResident)
	}
	e.tree = next
	e.rev++
	return nil
}

// SetFile creates or overwrites the file at path, creating parent
// directories as needed. Concurrent writers to the same path race;
// the last one wins. A write that would take the tree past MaxNodes
// fails with ErrInvalidTree and leaves the tree unchanged.
func (s *Store) SetFile(projectID, path, contents string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[projectID]
	if !ok {
		return fmt.Errorf("set file %s: %w", projectID, perrors.ErrNotResident)
	}
	next, err := e.tree.WithFile(path, contents)
	if err != nil {
		return err
	}
	if err := Validate(next); err != nil {
		return fmt.Errorf("set file %s: %w", path, err)
	}
	e.tree = next
	e.rev++
	return nil
}

// Dirty reports whether the working copy has changes not yet persisted.
func (s *Store) Dirty(projectID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[projectID]
	return ok && e.rev != e.saved
}

// Persist flushes the current working copy to the metadata store. On
// failure the in-memory tree is left as is and the error wraps ErrPersist.
func (s *Store) Persist(ctx context.Context, projectID string) error {
	s.mu.RLock()
	e, ok := s.entries[projectID]
	var (
		tree Tree
		rev  uint64
	)
	if ok {
		tree, rev = e.tree, e.rev
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("persist %s: %w", projectID, perrors.ErrNotResident)
	}

	err := retry.Do(ctx, s.retryConfig(projectID), func(ctx context.Context) error {
		return s.saver.SaveFileTree(ctx, projectID, tree)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("project_id", projectID).Msg("file tree persist failed")
		return fmt.Errorf("%w: %s: %w", perrors.ErrPersist, projectID, err)
	}

	s.mu.Lock()
	if cur, ok := s.entries[projectID]; ok && rev > cur.saved {
		cur.saved = rev
	}
	s.mu.Unlock()

	s.logger.Debug().Str("project_id", projectID).Uint64("revision", rev).Msg("file tree persisted")
	return nil
}

func (s *Store) retryConfig(projectID string) retry.Config {
	cfg := s.retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.logger.Warn().Err(err).
			Str("project_id", projectID).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("retrying file tree persist")
	}
	return cfg
}

// Evict drops the project's working copy. It reports whether unsaved
// changes were discarded.
func (s *Store) Evict(projectID string) bool {
	s.mu.Lock()
	e, ok := s.entries[projectID]
	delete(s.entries, projectID)
	s.mu.Unlock()

	dirty := ok && e.rev != e.saved
	if dirty {
		s.logger.Warn().Str("project_id", projectID).Msg("evicted file tree with unsaved changes")
	}
	return dirty
}
