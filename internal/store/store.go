package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite-backed turn state store.
type Store struct {
	db    *sql.DB
	locks *lockTable
}

// New opens (creating if necessary) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Ordinal assignment serializes on a per-conversation transaction;
	// a single connection keeps SQLite write contention predictable.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:    db,
		locks: newLockTable(),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (conversation_id, ordinal),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, ordinal);

	CREATE TABLE IF NOT EXISTS checkpoints (
		conversation_id TEXT PRIMARY KEY,
		last_ordinal INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AcquireTurn blocks until this conversation's turn lock is free, then
// takes it. At most one turn per conversation is ever in flight;
// unrelated conversations never contend. The returned release function
// must be called when the turn completes.
func (s *Store) AcquireTurn(ctx context.Context, conversationID string) (func(), error) {
	return s.locks.acquire(ctx, conversationID)
}

// TryAcquireTurn takes the conversation's turn lock without blocking,
// returning ErrTurnInFlight if another turn holds it.
func (s *Store) TryAcquireTurn(conversationID string) (func(), error) {
	return s.locks.tryAcquire(conversationID)
}

// Append durably records one message, assigning the next ordinal for
// the conversation. The insert is atomic: the message is either fully
// recorded with its ordinal or not recorded at all.
func (s *Store) Append(ctx context.Context, conversationID string, msg Message) (int64, error) {
	ordinals, err := s.AppendAll(ctx, conversationID, []Message{msg})
	if err != nil {
		return 0, err
	}
	return ordinals[0], nil
}

// AppendAll records a batch of messages in one transaction, assigning
// consecutive ordinals. The agent loop uses this to land a round's
// tool_result messages together, never partially.
func (s *Store) AppendAll(ctx context.Context, conversationID string, msgs []Message) ([]int64, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	// Create the conversation on first contact.
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (id, created_at, updated_at)
		VALUES (?, ?, ?)
	`, conversationID, now, now); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	var next int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(ordinal), 0) + 1 FROM messages WHERE conversation_id = ?
	`, conversationID).Scan(&next); err != nil {
		return nil, fmt.Errorf("next ordinal: %w", err)
	}

	ordinals := make([]int64, 0, len(msgs))
	for i, msg := range msgs {
		id := msg.ID
		if id == "" {
			u, _ := uuid.NewV7()
			id = u.String()
		}
		ordinal := next + int64(i)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, ordinal, kind, content, tool_calls, tool_call_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id, conversationID, ordinal, msg.Kind, msg.Content,
			nullable(msg.ToolCalls), nullable(msg.ToolCallID), now); err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
		ordinals = append(ordinals, ordinal)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, now, conversationID); err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return ordinals, nil
}

// Load retrieves the conversation's full message sequence ordered by
// ordinal. A conversation that does not exist yet loads as empty.
func (s *Store) Load(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ordinal, kind, content, tool_calls, tool_call_id, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY ordinal ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m := Message{ConversationID: conversationID}
		var toolCalls, toolCallID sql.NullString
		if err := rows.Scan(&m.ID, &m.Ordinal, &m.Kind, &m.Content, &toolCalls, &toolCallID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ToolCalls = toolCalls.String
		m.ToolCallID = toolCallID.String
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return messages, nil
}

// GetConversation retrieves a conversation record, or nil if the
// address has never written.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, updated_at FROM conversations WHERE id = ?
	`, id)

	var conv Conversation
	if err := row.Scan(&conv.ID, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return &conv, nil
}

// SetCheckpoint records the last ordinal a completed turn incorporated.
func (s *Store) SetCheckpoint(ctx context.Context, conversationID string, ordinal int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (conversation_id, last_ordinal, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET
			last_ordinal = excluded.last_ordinal,
			updated_at = excluded.updated_at
	`, conversationID, ordinal, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint retrieves the checkpoint for a conversation, or nil if
// no turn has completed yet.
func (s *Store) GetCheckpoint(ctx context.Context, conversationID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, last_ordinal, updated_at FROM checkpoints WHERE conversation_id = ?
	`, conversationID)

	var cp Checkpoint
	if err := row.Scan(&cp.ConversationID, &cp.LastOrdinal, &cp.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &cp, nil
}

// Stats returns store statistics for the ops API.
func (s *Store) Stats(ctx context.Context) map[string]any {
	var convCount, msgCount int

	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&convCount)
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&msgCount)

	return map[string]any{
		"conversations": convCount,
		"messages":      msgCount,
		"storage":       "sqlite",
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
