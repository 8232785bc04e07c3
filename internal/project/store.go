// Package project persists project metadata: collaborators, the saved
// file tree and the chat history.
package project

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/collabhub/internal/chat"
	perrors "github.com/p-blackswan/collabhub/internal/errors"
	"github.com/p-blackswan/collabhub/internal/filetree"
	"github.com/p-blackswan/collabhub/internal/store"
)

// MaxNameLength bounds project names.
const MaxNameLength = 100

// NormalizeName trims and lower-cases a project name. Names are unique
// after normalisation.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Store handles project-related SQLite operations.
type Store struct {
	ds     *store.Store
	logger zerolog.Logger
}

// NewStore creates a new project store.
func NewStore(ds *store.Store, logger zerolog.Logger) *Store {
	return &Store{
		ds:     ds,
		logger: logger.With().Str("component", "project.store").Logger(),
	}
}

// EnsureUser records a user seen through authentication.
func (s *Store) EnsureUser(ctx context.Context, id, email string) error {
	now := time.Now().UnixMilli()
	_, err := s.ds.DB().ExecContext(ctx, `
	INSERT INTO users (id, email, created_at, last_seen) VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		email = CASE WHEN excluded.email != '' THEN excluded.email ELSE users.email END,
		last_seen = excluded.last_seen
	`, id, email, now, now)
	if err != nil {
		return fmt.Errorf("failed to record user: %w", store.Classify(err))
	}
	return nil
}

// ListUsers returns every known user except the one given.
func (s *Store) ListUsers(ctx context.Context, exceptID string) ([]User, error) {
	rows, err := s.ds.DB().QueryContext(ctx,
		`SELECT id, email, last_seen FROM users WHERE id != ? ORDER BY email, id`, exceptID)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", store.Classify(err))
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CreateProject creates a project with the owner as its first collaborator.
func (s *Store) CreateProject(ctx context.Context, input CreateProjectInput) (*Project, error) {
	name := NormalizeName(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: project name is required", perrors.ErrInvalidInput)
	}
	if len(name) > MaxNameLength {
		return nil, fmt.Errorf("%w: project name longer than %d characters", perrors.ErrInvalidInput, MaxNameLength)
	}
	if input.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner is required", perrors.ErrInvalidInput)
	}

	now := time.Now().UnixMilli()
	p := &Project{
		ID:        uuid.New().String(),
		Name:      name,
		Users:     []string{input.OwnerID},
		FileTree:  filetree.Tree{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.ds.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin: %w", store.Classify(err))
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO projects (id, name, file_tree, created_at, updated_at) VALUES (?, ?, '{}', ?, ?)`,
		p.ID, p.Name, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, fmt.Errorf("%w: project %q already exists", perrors.ErrInvalidInput, name)
		}
		return nil, fmt.Errorf("failed to create project: %w", store.Classify(err))
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO project_users (project_id, user_id, added_at) VALUES (?, ?, ?)`,
		p.ID, input.OwnerID, now); err != nil {
		return nil, fmt.Errorf("failed to add owner: %w", store.Classify(err))
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", store.Classify(err))
	}

	s.logger.Info().Str("project_id", p.ID).Str("name", p.Name).Str("owner", input.OwnerID).Msg("project created")
	return p, nil
}

// GetProject returns a project with its collaborators and saved tree.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var (
		p    Project
		tree string
	)
	err := s.ds.DB().QueryRowContext(ctx,
		`SELECT id, name, file_tree, created_at, updated_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &tree, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, perrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", store.Classify(err))
	}

	p.FileTree, err = filetree.Parse([]byte(tree))
	if err != nil {
		return nil, fmt.Errorf("project %s has a corrupt file tree: %w", id, err)
	}
	p.Users, err = s.users(ctx, id)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) users(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.ds.DB().QueryContext(ctx,
		`SELECT user_id FROM project_users WHERE project_id = ? ORDER BY added_at, user_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list collaborators: %w", store.Classify(err))
	}
	defer rows.Close()

	users := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan collaborator: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ListProjectsFor returns the projects userID collaborates on, newest
// first. File trees are not loaded.
func (s *Store) ListProjectsFor(ctx context.Context, userID string) ([]*Project, error) {
	rows, err := s.ds.DB().QueryContext(ctx, `
	SELECT p.id, p.name, p.created_at, p.updated_at
	FROM projects p JOIN project_users pu ON pu.project_id = p.id
	WHERE pu.user_id = ?
	ORDER BY p.updated_at DESC, p.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", store.Classify(err))
	}

	var out []*Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		out = append(out, &p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range out {
		if p.Users, err = s.users(ctx, p.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AddUsers adds collaborators. actorID must already be one, and every
// added user must be known.
func (s *Store) AddUsers(ctx context.Context, projectID, actorID string, userIDs []string) (*Project, error) {
	if len(userIDs) == 0 {
		return nil, fmt.Errorf("%w: no users given", perrors.ErrInvalidInput)
	}
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !p.HasUser(actorID) {
		return nil, fmt.Errorf("%w: %s is not a collaborator of %s", perrors.ErrDenied, actorID, projectID)
	}

	tx, err := s.ds.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin: %w", store.Classify(err))
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, u := range userIDs {
		var known int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE id = ?`, u).Scan(&known); err != nil {
			return nil, fmt.Errorf("failed to look up user: %w", store.Classify(err))
		}
		if known == 0 {
			return nil, fmt.Errorf("%w: unknown user %q", perrors.ErrInvalidInput, u)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO project_users (project_id, user_id, added_at) VALUES (?, ?, ?)`,
			projectID, u, now); err != nil {
			return nil, fmt.Errorf("failed to add collaborator: %w", store.Classify(err))
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET updated_at = ? WHERE id = ?`, now, projectID); err != nil {
		return nil, fmt.Errorf("failed to touch project: %w", store.Classify(err))
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", store.Classify(err))
	}

	return s.GetProject(ctx, projectID)
}

// SaveFileTree replaces the saved tree of a project.
func (s *Store) SaveFileTree(ctx context.Context, projectID string, tree filetree.Tree) error {
	raw, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("failed to encode file tree: %w", err)
	}
	res, err := s.ds.DB().ExecContext(ctx,
		`UPDATE projects SET file_tree = ?, updated_at = ? WHERE id = ?`,
		string(raw), time.Now().UnixMilli(), projectID)
	if err != nil {
		return fmt.Errorf("failed to save file tree: %w", store.Classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", projectID, perrors.ErrNotFound)
	}
	return nil
}

// AppendMessage adds a routed message to the project's history.
func (s *Store) AppendMessage(ctx context.Context, projectID string, msg chat.Message) error {
	sender := chat.SenderOf(msg.Sender)
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.ds.DB().ExecContext(ctx,
		`INSERT INTO messages (project_id, sender_id, sender_email, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		projectID, sender.ID, sender.Email, msg.Body, ts.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append message: %w", store.Classify(err))
	}
	return nil
}

// RecentMessages returns up to limit of the newest messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, projectID string, limit int) ([]StoredMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.ds.DB().QueryContext(ctx, `
	SELECT id, project_id, sender_id, sender_email, body, created_at FROM (
		SELECT * FROM messages WHERE project_id = ? ORDER BY id DESC LIMIT ?
	) ORDER BY id ASC
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", store.Classify(err))
	}
	defer rows.Close()

	out := []StoredMessage{}
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.SenderEmail, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
