// Package usage keeps the credit ledger: one append-only record per
// backend response that reported credits, indexed by timestamp,
// workspace, agent and conversation for the usage dashboard.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is the credit usage of one backend response.
type Record struct {
	ID             string
	Timestamp      time.Time
	ResponseID     string
	ConversationID string
	WorkspaceID    string
	AgentID        string // first resolved agent; empty when unattributed
	Credits        float64
	Fragments      int
}

// Summary holds aggregated credit totals.
type Summary struct {
	TotalRecords   int     `json:"totalRecords"`
	TotalCredits   float64 `json:"totalCredits"`
	TotalFragments int64   `json:"totalFragments"`
}

// Store is the append-only credit ledger. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store at the given database path. The schema
// is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credit_records (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		response_id     TEXT,
		conversation_id TEXT NOT NULL,
		workspace_id    TEXT,
		agent_id        TEXT,
		credits         REAL NOT NULL,
		fragments       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_credit_timestamp ON credit_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_credit_workspace ON credit_records(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_credit_agent ON credit_records(agent_id);
	CREATE INDEX IF NOT EXISTS idx_credit_conversation ON credit_records(conversation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a credit record. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_records
			(id, timestamp, response_id, conversation_id, workspace_id, agent_id, credits, fragments)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rfc3339(rec.Timestamp),
		rec.ResponseID,
		rec.ConversationID,
		rec.WorkspaceID,
		rec.AgentID,
		rec.Credits,
		rec.Fragments,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// rfc3339 formats t the way timestamps are stored, so range bounds
// compare correctly as text.
func rfc3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Summary returns totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(credits), 0), COALESCE(SUM(fragments), 0)
		 FROM credit_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		rfc3339(start), rfc3339(end),
	).Scan(&sum.TotalRecords, &sum.TotalCredits, &sum.TotalFragments)
	if err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByAgent returns per-agent totals for records within [start, end).
// Unattributed records are grouped under the key "".
func (s *Store) SummaryByAgent(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.grouped(ctx, groupAgent, start, end)
}

// SummaryByWorkspace returns per-workspace totals for records within [start, end).
func (s *Store) SummaryByWorkspace(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.grouped(ctx, groupWorkspace, start, end)
}

// SummaryByDay returns per-day (UTC, "2006-01-02") totals for records
// within [start, end).
func (s *Store) SummaryByDay(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.grouped(ctx, groupDay, start, end)
}

// Grouping expressions. Only these constants are ever spliced into SQL.
const (
	groupAgent     = "agent_id"
	groupWorkspace = "workspace_id"
	groupDay       = "substr(timestamp, 1, 10)"
)

func (s *Store) grouped(ctx context.Context, expr string, start, end time.Time) (map[string]*Summary, error) {
	query := `SELECT COALESCE(` + expr + `, ''), COUNT(*), COALESCE(SUM(credits), 0), COALESCE(SUM(fragments), 0)
		 FROM credit_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY 1`

	rows, err := s.db.QueryContext(ctx, query, rfc3339(start), rfc3339(end))
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", expr, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalCredits, &sum.TotalFragments); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", expr, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}
