package agents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed agent registry. All public methods are safe
// for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the agent database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open agents database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate agents schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id           TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		display_name TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agents_workspace ON agents(workspace_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func validate(a Agent) error {
	if strings.TrimSpace(a.WorkspaceID) == "" {
		return fmt.Errorf("%w: workspace id is required", ErrInvalid)
	}
	if strings.TrimSpace(a.DisplayName) == "" {
		return fmt.Errorf("%w: display name is required", ErrInvalid)
	}
	return nil
}

// Create inserts a new agent. An empty ID is replaced with a UUIDv7.
// The stored agent is returned with timestamps set.
func (s *Store) Create(ctx context.Context, a Agent) (*Agent, error) {
	if err := validate(a); err != nil {
		return nil, err
	}
	if a.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate agent ID: %w", err)
		}
		a.ID = id.String()
	}
	now := time.Now().UTC().Truncate(time.Second)
	a.CreatedAt, a.UpdatedAt = now, now
	a.DisplayName = strings.TrimSpace(a.DisplayName)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, workspace_id, display_name, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.WorkspaceID, a.DisplayName, a.Description,
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	return &a, nil
}

// Get returns the agent with the given id, or [ErrNotFound].
func (s *Store) Get(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, display_name, description, created_at, updated_at
		 FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// List returns the agents of a workspace ordered by display name.
func (s *Store) List(ctx context.Context, workspaceID string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, display_name, description, created_at, updated_at
		 FROM agents WHERE workspace_id = ?
		 ORDER BY display_name COLLATE NOCASE, id`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Update replaces the display name and description of an existing
// agent. The workspace of an agent never changes.
func (s *Store) Update(ctx context.Context, a Agent) (*Agent, error) {
	if strings.TrimSpace(a.DisplayName) == "" {
		return nil, fmt.Errorf("%w: display name is required", ErrInvalid)
	}
	now := time.Now().UTC().Truncate(time.Second)

	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET display_name = ?, description = ?, updated_at = ? WHERE id = ?`,
		strings.TrimSpace(a.DisplayName), a.Description, now.Format(time.RFC3339), a.ID)
	if err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, a.ID)
}

// Delete removes an agent. Deleting a missing agent returns
// [ErrNotFound].
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*Agent, error) {
	var a Agent
	var created, updated string
	if err := row.Scan(&a.ID, &a.WorkspaceID, &a.DisplayName, &a.Description, &created, &updated); err != nil {
		return nil, err
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, created)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &a, nil
}
