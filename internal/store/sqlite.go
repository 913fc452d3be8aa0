// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists users, conversations with per-participant unread counts, messages and seen-by

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so that lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serialises writers and keeps the pragmas below in effect
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			avatar TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			last_message_id TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_updated
			ON conversations(updated_at);

		CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			unread_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_participants_user
			ON conversation_participants(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			media_json TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS message_seen (
			message_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			seen_at TEXT NOT NULL,
			PRIMARY KEY (message_id, user_id),
			FOREIGN KEY (message_id) REFERENCES messages(id)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "users",
			column: "avatar",
			apply:  `ALTER TABLE users ADD COLUMN avatar TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "messages",
			column: "media_json",
			apply:  `ALTER TABLE messages ADD COLUMN media_json TEXT NOT NULL DEFAULT '[]'`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping checks the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, avatar, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.Username, user.Avatar, formatTime(user.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, avatar, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.Avatar, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	u.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &u, nil
}

// CreateConversation inserts the conversation and one participant row per
// member, seeding unread counts from conv.UnreadCounts (default 0).
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var lastMessageID any
	if conv.LastMessageID != "" {
		lastMessageID = conv.LastMessageID
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, last_message_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		conv.ID, lastMessageID, formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	for i, userID := range conv.Participants {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id, position, unread_count) VALUES (?, ?, ?, ?)`,
			conv.ID, userID, i, conv.UnreadCounts[userID],
		)
		if err != nil {
			return fmt.Errorf("inserting participant %s: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "participants", len(conv.Participants))
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	var lastMessageID sql.NullString
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, last_message_id, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &lastMessageID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.LastMessageID = lastMessageID.String
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, unread_count FROM conversation_participants
		 WHERE conversation_id = ? ORDER BY position ASC`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	conv.UnreadCounts = make(map[string]int)
	for rows.Next() {
		var userID string
		var unread int
		if err := rows.Scan(&userID, &unread); err != nil {
			return nil, fmt.Errorf("scanning participant row: %w", err)
		}
		conv.Participants = append(conv.Participants, userID)
		conv.UnreadCounts[userID] = unread
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participant rows: %w", err)
	}

	return &conv, nil
}

func (s *SQLiteStore) FindConversationForParticipant(ctx context.Context, conversationID, userID string) (*Conversation, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checking participant: %w", err)
	}
	return s.GetConversation(ctx, conversationID)
}

func (s *SQLiteStore) FindDirectConversation(ctx context.Context, a, b string) (*Conversation, error) {
	query := `
		SELECT c.id FROM conversations c
		WHERE EXISTS (SELECT 1 FROM conversation_participants p WHERE p.conversation_id = c.id AND p.user_id = ?)
		  AND EXISTS (SELECT 1 FROM conversation_participants p WHERE p.conversation_id = c.id AND p.user_id = ?)
		  AND (SELECT COUNT(*) FROM conversation_participants p WHERE p.conversation_id = c.id) = 2
		ORDER BY c.created_at ASC
		LIMIT 1
	`
	var id string
	err := s.db.QueryRowContext(ctx, query, a, b).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying direct conversation: %w", err)
	}
	return s.GetConversation(ctx, id)
}

func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.updated_at DESC, c.id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		ids = append(ids, id)
	}
	// Release the single connection before the per-conversation lookups
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	convs := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// sqlExecutor is satisfied by *sql.DB and *sql.Tx so the write helpers can
// run standalone or inside a larger transaction.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, conversationID string, patch ConversationPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateConversation(ctx, tx, conversationID, patch); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation update: %w", err)
	}
	return nil
}

func updateConversation(ctx context.Context, ex sqlExecutor, conversationID string, patch ConversationPatch) error {
	var one int
	err := ex.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking conversation: %w", err)
	}

	if patch.LastMessageID != nil {
		if _, err := ex.ExecContext(ctx,
			`UPDATE conversations SET last_message_id = ? WHERE id = ?`,
			*patch.LastMessageID, conversationID,
		); err != nil {
			return fmt.Errorf("updating last message: %w", err)
		}
	}

	if patch.UpdatedAt != nil {
		if _, err := ex.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ? WHERE id = ?`,
			formatTime(*patch.UpdatedAt), conversationID,
		); err != nil {
			return fmt.Errorf("updating updated_at: %w", err)
		}
	}

	for _, userID := range patch.ResetUnread {
		if _, err := ex.ExecContext(ctx,
			`UPDATE conversation_participants SET unread_count = 0 WHERE conversation_id = ? AND user_id = ?`,
			conversationID, userID,
		); err != nil {
			return fmt.Errorf("resetting unread for %s: %w", userID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) IncrementUnread(ctx context.Context, conversationID, userID string) (int, error) {
	return incrementUnread(ctx, s.db, conversationID, userID)
}

func incrementUnread(ctx context.Context, ex sqlExecutor, conversationID, userID string) (int, error) {
	var count int
	err := ex.QueryRowContext(ctx, `
		UPDATE conversation_participants
		SET unread_count = unread_count + 1
		WHERE conversation_id = ? AND user_id = ?
		RETURNING unread_count
	`, conversationID, userID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("incrementing unread: %w", err)
	}
	return count, nil
}

// CreateMessage inserts the message and its initial seen-by rows in one transaction.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertMessage(ctx, tx, msg); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}
	return nil
}

func insertMessage(ctx context.Context, ex sqlExecutor, msg *Message) error {
	media := msg.Media
	if media == nil {
		media = []string{}
	}
	mediaJSON, err := json.Marshal(media)
	if err != nil {
		return fmt.Errorf("encoding media: %w", err)
	}

	createdAt := formatTime(msg.CreatedAt)
	_, err = ex.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, text, media_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Text, string(mediaJSON), createdAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	for _, userID := range msg.SeenBy {
		if _, err := ex.ExecContext(ctx,
			`INSERT OR IGNORE INTO message_seen (message_id, user_id, seen_at) VALUES (?, ?, ?)`,
			msg.ID, userID, createdAt,
		); err != nil {
			return fmt.Errorf("inserting seen-by: %w", err)
		}
	}
	return nil
}

// RecordMessage applies a whole send in one transaction.
func (s *SQLiteStore) RecordMessage(ctx context.Context, rec MessageRecord) (map[string]int, error) {
	msg := rec.Message
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`,
		msg.ConversationID, msg.SenderID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checking sender: %w", err)
	}

	if err := insertMessage(ctx, tx, msg); err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(rec.IncrementUnread))
	for _, userID := range rec.IncrementUnread {
		if userID == msg.SenderID {
			continue
		}
		n, err := incrementUnread(ctx, tx, msg.ConversationID, userID)
		if err != nil {
			return nil, fmt.Errorf("unread for %s: %w", userID, err)
		}
		counts[userID] = n
	}

	updatedAt := msg.CreatedAt
	if err := updateConversation(ctx, tx, msg.ConversationID, ConversationPatch{
		LastMessageID: &msg.ID,
		UpdatedAt:     &updatedAt,
		ResetUnread:   []string{msg.SenderID},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing send: %w", err)
	}
	return counts, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	var msg Message
	var mediaJSON, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, sender_id, text, media_json, created_at FROM messages WHERE id = ?`, id,
	).Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Text, &mediaJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	if err := decodeMessage(&msg, mediaJSON, createdAt); err != nil {
		return nil, err
	}

	seen, err := s.seenBy(ctx, `SELECT message_id, user_id FROM message_seen WHERE message_id = ? ORDER BY seen_at ASC, rowid ASC`, id)
	if err != nil {
		return nil, err
	}
	msg.SeenBy = seen[id]
	return &msg, nil
}

// GetMessages returns the newest limit messages in chronological order.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	limit = ClampLimit(limit)

	var query string
	var args []any
	if limit > 0 {
		query = `
			SELECT id, conversation_id, sender_id, text, media_json, created_at
			FROM (
				SELECT rowid AS seq, id, conversation_id, sender_id, text, media_json, created_at
				FROM messages
				WHERE conversation_id = ?
				ORDER BY created_at DESC, seq DESC
				LIMIT ?
			)
			ORDER BY created_at ASC, seq ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT id, conversation_id, sender_id, text, media_json, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at ASC, rowid ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}

	var messages []*Message
	for rows.Next() {
		var msg Message
		var mediaJSON, createdAt string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Text, &mediaJSON, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		if err := decodeMessage(&msg, mediaJSON, createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		messages = append(messages, &msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	if len(messages) == 0 {
		return messages, nil
	}

	seen, err := s.seenBy(ctx, `
		SELECT ms.message_id, ms.user_id FROM message_seen ms
		JOIN messages m ON m.id = ms.message_id
		WHERE m.conversation_id = ?
		ORDER BY ms.seen_at ASC, ms.rowid ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	for _, msg := range messages {
		msg.SeenBy = seen[msg.ID]
	}

	return messages, nil
}

func (s *SQLiteStore) seenBy(ctx context.Context, query string, args ...any) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying seen-by: %w", err)
	}
	defer rows.Close()

	seen := make(map[string][]string)
	for rows.Next() {
		var messageID, userID string
		if err := rows.Scan(&messageID, &userID); err != nil {
			return nil, fmt.Errorf("scanning seen-by row: %w", err)
		}
		seen[messageID] = append(seen[messageID], userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating seen-by rows: %w", err)
	}
	return seen, nil
}

func decodeMessage(msg *Message, mediaJSON, createdAt string) error {
	if err := json.Unmarshal([]byte(mediaJSON), &msg.Media); err != nil {
		return fmt.Errorf("decoding media: %w", err)
	}
	var err error
	msg.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return fmt.Errorf("parsing message created_at: %w", err)
	}
	return nil
}

// BulkMarkSeen inserts a seen-by row for every message the seer did not send.
// Existing rows are ignored, so repeated calls change nothing.
func (s *SQLiteStore) BulkMarkSeen(ctx context.Context, conversationID, seerID string) (int64, error) {
	n, err := bulkMarkSeen(ctx, s.db, conversationID, seerID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Debug("marked messages seen", "conversation_id", conversationID, "user_id", seerID, "count", n)
	}
	return n, nil
}

func bulkMarkSeen(ctx context.Context, ex sqlExecutor, conversationID, seerID string) (int64, error) {
	res, err := ex.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_seen (message_id, user_id, seen_at)
		SELECT id, ?, ? FROM messages
		WHERE conversation_id = ? AND sender_id <> ?
	`, seerID, formatTime(time.Now()), conversationID, seerID)
	if err != nil {
		return 0, fmt.Errorf("marking messages seen: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting marked messages: %w", err)
	}
	return n, nil
}

// MarkRead clears the reader's unread count and marks every message seen together.
func (s *SQLiteStore) MarkRead(ctx context.Context, conversationID, userID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversation_participants SET unread_count = 0 WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("resetting unread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking participant: %w", err)
	}
	if n == 0 {
		return 0, ErrNotFound
	}

	marked, err := bulkMarkSeen(ctx, tx, conversationID, userID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing read: %w", err)
	}
	return marked, nil
}
