// Package messages persists conversation history: the turns users send
// and the fragments agents answer with. Assistant fragments are saved
// in a single transaction per response so a conversation never shows
// half of an answer.
package messages

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/switchboard/internal/assemble"
	"github.com/nugget/switchboard/internal/render"
)

// RoleUser is the sender role of user turns.
const RoleUser = "user"

// Message is one stored entry of a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	IsMarkup       bool      `json:"isMarkup"`
	AgentIDs       []string  `json:"agentIds"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Conversation summarizes one conversation for listings.
type Conversation struct {
	ID            string    `json:"id"`
	MessageCount  int       `json:"messageCount"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	Preview       string    `json:"preview"`
}

// PreviewLength is the number of runes kept in conversation previews.
const PreviewLength = 120

// Store is a SQLite message store. All public methods are safe for
// concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens (or creates) the message database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open messages database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate messages schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		is_markup       INTEGER NOT NULL DEFAULT 0,
		agent_ids       TEXT NOT NULL DEFAULT '[]',
		created_at      TEXT NOT NULL,
		UNIQUE (conversation_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveUser records a user turn and returns it.
func (s *Store) SaveUser(ctx context.Context, conversationID, text string, agentIDs []string) (*Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message ID: %w", err)
	}
	m := Message{
		ID:             id.String(),
		ConversationID: conversationID,
		Role:           RoleUser,
		Content:        text,
		AgentIDs:       agentIDs,
		CreatedAt:      s.now().UTC(),
	}
	if err := insert(ctx, s.db, m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveFragments stores every fragment of one response, or none of
// them.
func (s *Store) SaveFragments(ctx context.Context, frags []assemble.Fragment) error {
	if len(frags) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, f := range frags {
		m := Message{
			ID:             f.ID,
			ConversationID: f.ConversationID,
			Role:           f.SenderRole,
			Content:        f.Content,
			IsMarkup:       f.IsMarkup,
			AgentIDs:       f.ResolvedAgentIDs,
			CreatedAt:      f.Timestamp,
		}
		if err := insert(ctx, tx, m); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fragments: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insert(ctx context.Context, db execer, m Message) error {
	ids := m.AgentIDs
	if ids == nil {
		ids = []string{}
	}
	agentJSON, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal agent ids: %w", err)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, is_markup, agent_ids, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.IsMarkup, string(agentJSON),
		m.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}

// List returns up to limit of the most recent messages of a
// conversation, oldest first. A limit of zero or less returns all.
func (s *Store) List(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, is_markup, agent_ids, created_at FROM (
			SELECT * FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var agentJSON, created string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.IsMarkup, &agentJSON, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(agentJSON), &m.AgentIDs); err != nil {
			return nil, fmt.Errorf("decode agent ids of %s: %w", m.ID, err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Conversations lists conversations by most recent activity, each with
// a plain-text preview of its latest message.
func (s *Store) Conversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.conversation_id, c.n, m.created_at, m.content, m.is_markup
		 FROM messages m
		 JOIN (
			SELECT conversation_id, COUNT(*) AS n, MAX(seq) AS last_seq
			FROM messages GROUP BY conversation_id
		 ) c ON c.last_seq = m.seq
		 ORDER BY m.seq DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var created, content string
		var markup bool
		if err := rows.Scan(&c.ID, &c.MessageCount, &created, &content, &markup); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.LastMessageAt, _ = time.Parse(time.RFC3339Nano, created)
		if markup {
			c.Preview = render.Preview(content, PreviewLength)
		} else {
			c.Preview = truncate(content, PreviewLength)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
