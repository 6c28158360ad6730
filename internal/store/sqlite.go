// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/task/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

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

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
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

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			title       TEXT NOT NULL,
			description TEXT,
			is_active   INTEGER NOT NULL DEFAULT 1,
			metadata    TEXT NOT NULL DEFAULT '{}',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_user_created
			ON conversations(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_conversations_user_active
			ON conversations(user_id, is_active);

		CREATE TABLE IF NOT EXISTS tasks (
			id                    TEXT PRIMARY KEY,
			conversation_id       TEXT NOT NULL REFERENCES conversations(id),
			user_id               TEXT NOT NULL,
			user_message          TEXT NOT NULL,
			status                TEXT NOT NULL DEFAULT 'pending',
			priority              TEXT NOT NULL DEFAULT 'medium',
			category              TEXT,
			tags                  TEXT NOT NULL DEFAULT '[]',
			completion_percentage INTEGER NOT NULL DEFAULT 0,
			estimated_duration    INTEGER,
			actual_duration       INTEGER,
			metadata              TEXT NOT NULL DEFAULT '{}',
			agent_type            TEXT,
			agent_state           TEXT,
			started_at            TEXT,
			completed_at          TEXT,
			error_message         TEXT,
			created_at            TEXT NOT NULL,
			updated_at            TEXT NOT NULL,

			CHECK (status IN ('pending', 'in_progress', 'completed', 'failed')),
			CHECK (priority IN ('low', 'medium', 'high', 'urgent')),
			CHECK (completion_percentage BETWEEN 0 AND 100)
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_user_created ON tasks(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_tasks_user_conversation ON tasks(user_id, conversation_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_conversation_created ON tasks(conversation_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_tasks_conversation_completed ON tasks(conversation_id, completed_at DESC);
		CREATE INDEX IF NOT EXISTS idx_tasks_user_status ON tasks(user_id, status);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			metadata   TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,

			CHECK (role IN ('user', 'assistant', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_task_created ON messages(task_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// taskSortColumns whitelists sortable task columns
var taskSortColumns = map[string]bool{
	"created_at":   true,
	"updated_at":   true,
	"completed_at": true,
	"status":       true,
	"priority":     true,
}

// conversationSortColumns whitelists sortable conversation columns
var conversationSortColumns = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"title":      true,
}

// clampPage applies the pagination bounds: limit in [1,100], skip >= 0.
// Unknown sort columns fall back to created_at descending.
func clampPage(page Page, allowed map[string]bool) Page {
	if page.Limit < 1 {
		page.Limit = 1
	}
	if page.Limit > 100 {
		page.Limit = 100
	}
	if page.Skip < 0 {
		page.Skip = 0
	}
	if page.SortBy == "" || !allowed[page.SortBy] {
		page.SortBy = "created_at"
	}
	if page.SortOrder != SortAsc {
		page.SortOrder = SortDesc
	}
	return page
}

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	metaJSON, err := marshalMap(conv.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	query := `
		INSERT INTO conversations (id, user_id, title, description, is_active, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		conv.ID,
		conv.UserID,
		conv.Title,
		nullString(conv.Description),
		boolToInt(conv.IsActive),
		metaJSON,
		conv.CreatedAt.UTC().Format(time.RFC3339),
		conv.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "user_id", conv.UserID)
	return nil
}

// GetConversation retrieves a conversation by ID, including its derived task
// ID list in insertion order. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.getConversation(ctx, `WHERE id = ?`, id)
}

// GetUserConversation retrieves a conversation by ID scoped to a user.
// A conversation owned by a different user reports ErrNotFound.
func (s *SQLiteStore) GetUserConversation(ctx context.Context, id, userID string) (*Conversation, error) {
	return s.getConversation(ctx, `WHERE id = ? AND user_id = ?`, id, userID)
}

func (s *SQLiteStore) getConversation(ctx context.Context, where string, args ...any) (*Conversation, error) {
	query := `
		SELECT id, user_id, title, description, is_active, metadata, created_at, updated_at
		FROM conversations ` + where

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.TaskIDs, err = s.conversationTaskIDs(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// conversationTaskIDs returns the IDs of all tasks in a conversation in
// insertion order (created_at, then rowid to break ties).
func (s *SQLiteStore) conversationTaskIDs(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM tasks WHERE conversation_id = ? ORDER BY created_at, rowid`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying conversation task ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning task id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListConversations returns a page of conversations matching the filter plus
// the total count of matches.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter, page Page) ([]*Conversation, int, error) {
	page = clampPage(page, conversationSortColumns)

	where := []string{"user_id = ?"}
	args := []any{filter.UserID}
	if filter.IsActive != nil {
		where = append(where, "is_active = ?")
		args = append(args, boolToInt(*filter.IsActive))
	}
	whereClause := "WHERE " + strings.Join(where, " AND ")

	var total int
	countQuery := `SELECT COUNT(*) FROM conversations ` + whereClause
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting conversations: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, user_id, title, description, is_active, metadata, created_at, updated_at
		FROM conversations %s
		ORDER BY %s %s
		LIMIT ? OFFSET ?
	`, whereClause, page.SortBy, strings.ToUpper(page.SortOrder))
	args = append(args, page.Limit, page.Skip)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating conversation rows: %w", err)
	}

	for _, conv := range convs {
		conv.TaskIDs, err = s.conversationTaskIDs(ctx, conv.ID)
		if err != nil {
			return nil, 0, err
		}
	}

	return convs, total, nil
}

// UpdateConversation applies a partial update inside a transaction and
// returns the post-update record. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	set := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339)}

	if upd.Title != nil {
		set = append(set, "title = ?")
		args = append(args, *upd.Title)
	}
	if upd.Description != nil {
		set = append(set, "description = ?")
		args = append(args, nullString(*upd.Description))
	}
	if upd.IsActive != nil {
		set = append(set, "is_active = ?")
		args = append(args, boolToInt(*upd.IsActive))
	}
	if upd.Metadata != nil {
		metaJSON, err := marshalMap(upd.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding metadata: %w", err)
		}
		set = append(set, "metadata = ?")
		args = append(args, metaJSON)
	}

	args = append(args, id)
	result, err := tx.ExecContext(ctx,
		`UPDATE conversations SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("updated conversation", "id", id)
	return s.GetConversation(ctx, id)
}

// DeleteConversation removes a conversation. The caller is responsible for
// deleting child tasks first (see DeleteConversationTasks).
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted conversation", "id", id)
	return nil
}

// CreateTask inserts a new task. Messages attached to the task are inserted
// in the same transaction.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	metaJSON, err := marshalMap(task.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	tagsJSON, err := marshalTags(task.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO tasks (
			id, conversation_id, user_id, user_message, status, priority,
			category, tags, completion_percentage, estimated_duration, actual_duration,
			metadata, agent_type, agent_state, started_at, completed_at, error_message,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, query,
		task.ID,
		task.ConversationID,
		task.UserID,
		task.UserMessage,
		task.Status,
		task.Priority,
		nullString(task.Category),
		tagsJSON,
		task.CompletionPercentage,
		task.EstimatedDuration,
		task.ActualDuration,
		metaJSON,
		nullString(task.AgentType),
		nullRaw(task.AgentState),
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
		nullString(task.ErrorMessage),
		task.CreatedAt.UTC().Format(time.RFC3339),
		task.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	for _, msg := range task.Messages {
		if err := insertMessage(ctx, tx, task.ID, msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("created task", "id", task.ID, "conversation_id", task.ConversationID, "status", task.Status)
	return nil
}

const taskColumns = `
	id, conversation_id, user_id, user_message, status, priority,
	category, tags, completion_percentage, estimated_duration, actual_duration,
	metadata, agent_type, agent_state, started_at, completed_at, error_message,
	created_at, updated_at
`

// GetTask retrieves a task by ID, messages included.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.getTask(ctx, `WHERE id = ?`, id)
}

// GetUserTask retrieves a task by ID scoped to a user. A task owned by a
// different user reports ErrNotFound.
func (s *SQLiteStore) GetUserTask(ctx context.Context, id, userID string) (*Task, error) {
	return s.getTask(ctx, `WHERE id = ? AND user_id = ?`, id, userID)
}

func (s *SQLiteStore) getTask(ctx context.Context, where string, args ...any) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where

	task, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}

	task.Messages, err = s.taskMessages(ctx, s.db, task.ID)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// taskMessages returns a task's messages in chronological order.
func (s *SQLiteStore) taskMessages(ctx context.Context, q queryer, taskID string) ([]*ChatMessage, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, task_id, role, content, metadata, created_at
		FROM messages
		WHERE task_id = ?
		ORDER BY created_at, rowid
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*ChatMessage
	for rows.Next() {
		var msg ChatMessage
		var metaJSON, createdAtStr string

		if err := rows.Scan(&msg.ID, &msg.TaskID, &msg.Role, &msg.Content, &metaJSON, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decoding message metadata: %w", err)
		}

		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// ListTasks returns a page of tasks matching the filter plus the total count.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter, page Page) ([]*Task, int, error) {
	page = clampPage(page, taskSortColumns)

	where := []string{"user_id = ?"}
	args := []any{filter.UserID}
	if filter.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, filter.ConversationID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, filter.Priority)
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	whereClause := "WHERE " + strings.Join(where, " AND ")

	var total int
	countQuery := `SELECT COUNT(*) FROM tasks ` + whereClause
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting tasks: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM tasks %s ORDER BY %s %s LIMIT ? OFFSET ?`,
		taskColumns, whereClause, page.SortBy, strings.ToUpper(page.SortOrder))
	args = append(args, page.Limit, page.Skip)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating task rows: %w", err)
	}

	for _, task := range tasks {
		task.Messages, err = s.taskMessages(ctx, s.db, task.ID)
		if err != nil {
			return nil, 0, err
		}
	}

	return tasks, total, nil
}

// UpdateTask applies a partial update inside a transaction and returns the
// post-update record. Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, upd TaskUpdate) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	set := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339)}

	if upd.Status != nil {
		set = append(set, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.Priority != nil {
		set = append(set, "priority = ?")
		args = append(args, *upd.Priority)
	}
	if upd.Category != nil {
		set = append(set, "category = ?")
		args = append(args, nullString(*upd.Category))
	}
	if upd.Tags != nil {
		tagsJSON, err := marshalTags(upd.Tags)
		if err != nil {
			return nil, fmt.Errorf("encoding tags: %w", err)
		}
		set = append(set, "tags = ?")
		args = append(args, tagsJSON)
	}
	if upd.CompletionPercentage != nil {
		set = append(set, "completion_percentage = ?")
		args = append(args, *upd.CompletionPercentage)
	}
	if upd.EstimatedDuration != nil {
		set = append(set, "estimated_duration = ?")
		args = append(args, *upd.EstimatedDuration)
	}
	if upd.ActualDuration != nil {
		set = append(set, "actual_duration = ?")
		args = append(args, *upd.ActualDuration)
	}
	if upd.Metadata != nil {
		metaJSON, err := marshalMap(upd.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding metadata: %w", err)
		}
		set = append(set, "metadata = ?")
		args = append(args, metaJSON)
	}
	if upd.AgentState != nil {
		set = append(set, "agent_state = ?")
		args = append(args, string(upd.AgentState))
	}
	if upd.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, upd.StartedAt.UTC().Format(time.RFC3339))
	}
	if upd.CompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, upd.CompletedAt.UTC().Format(time.RFC3339))
	}
	if upd.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, nullString(*upd.ErrorMessage))
	}

	args = append(args, id)
	result, err := tx.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("updating task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("updated task", "id", id)
	return s.GetTask(ctx, id)
}

// DeleteTask removes a task and its messages.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted task", "id", id)
	return nil
}

// DeleteConversationTasks removes all tasks in a conversation and returns the
// number deleted. Message rows go with them via the foreign key cascade.
func (s *SQLiteStore) DeleteConversationTasks(ctx context.Context, conversationID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("deleting conversation tasks: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	s.logger.Debug("deleted conversation tasks", "conversation_id", conversationID, "count", affected)
	return int(affected), nil
}

// AppendMessage atomically pushes a message onto the task's sequence and
// returns the updated task. The insert and the updated_at bump run in one
// transaction so concurrent appends never lose writes.
func (s *SQLiteStore) AppendMessage(ctx context.Context, taskID string, msg *ChatMessage) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, taskID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checking task: %w", err)
	}

	if err := insertMessage(ctx, tx, taskID, msg); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), taskID); err != nil {
		return nil, fmt.Errorf("bumping task updated_at: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("appended message", "task_id", taskID, "message_id", msg.ID, "role", msg.Role)
	return s.GetTask(ctx, taskID)
}

// insertMessage inserts a single message row within a transaction.
func insertMessage(ctx context.Context, tx *sql.Tx, taskID string, msg *ChatMessage) error {
	metaJSON, err := marshalMap(msg.Metadata)
	if err != nil {
		return fmt.Errorf("encoding message metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, task_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		taskID,
		msg.Role,
		msg.Content,
		metaJSON,
		msg.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// LatestAgentState returns the agent_state of the most recently completed
// task in the conversation. Returns ErrNotFound if no completed task carries
// state.
func (s *SQLiteStore) LatestAgentState(ctx context.Context, conversationID string) (json.RawMessage, error) {
	query := `
		SELECT agent_state
		FROM tasks
		WHERE conversation_id = ? AND completed_at IS NOT NULL AND agent_state IS NOT NULL
		ORDER BY completed_at DESC, rowid DESC
		LIMIT 1
	`

	var state string
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent state: %w", err)
	}

	return json.RawMessage(state), nil
}

// FailStale marks in_progress tasks whose run started before the cutoff as
// failed. Tasks without a started_at fall back to created_at.
func (s *SQLiteStore) FailStale(ctx context.Context, cutoff time.Time, errorMessage string) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'failed', error_message = ?, completed_at = ?, updated_at = ?
		WHERE status = 'in_progress' AND COALESCE(started_at, created_at) < ?
	`, errorMessage, now, now, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failing stale tasks: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if affected > 0 {
		s.logger.Info("failed stale tasks", "count", affected)
	}
	return int(affected), nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// scanConversation scans a conversation row (without the derived task list).
func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var description *string
	var isActive int
	var metaJSON, createdAtStr, updatedAtStr string

	err := row.Scan(
		&conv.ID,
		&conv.UserID,
		&conv.Title,
		&description,
		&isActive,
		&metaJSON,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if description != nil {
		conv.Description = *description
	}
	conv.IsActive = isActive != 0

	if err := json.Unmarshal([]byte(metaJSON), &conv.Metadata); err != nil {
		return nil, fmt.Errorf("decoding conversation metadata: %w", err)
	}
	conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &conv, nil
}

// scanTask scans a task row (without messages).
func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var category, agentType, agentState, startedAtStr, completedAtStr, errorMessage *string
	var tagsJSON, metaJSON, createdAtStr, updatedAtStr string

	err := row.Scan(
		&task.ID,
		&task.ConversationID,
		&task.UserID,
		&task.UserMessage,
		&task.Status,
		&task.Priority,
		&category,
		&tagsJSON,
		&task.CompletionPercentage,
		&task.EstimatedDuration,
		&task.ActualDuration,
		&metaJSON,
		&agentType,
		&agentState,
		&startedAtStr,
		&completedAtStr,
		&errorMessage,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if category != nil {
		task.Category = *category
	}
	if agentType != nil {
		task.AgentType = *agentType
	}
	if agentState != nil {
		task.AgentState = json.RawMessage(*agentState)
	}
	if errorMessage != nil {
		task.ErrorMessage = *errorMessage
	}

	if err := json.Unmarshal([]byte(tagsJSON), &task.Tags); err != nil {
		return nil, fmt.Errorf("decoding task tags: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &task.Metadata); err != nil {
		return nil, fmt.Errorf("decoding task metadata: %w", err)
	}

	if startedAtStr != nil {
		t, err := time.Parse(time.RFC3339, *startedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		task.StartedAt = &t
	}
	if completedAtStr != nil {
		t, err := time.Parse(time.RFC3339, *completedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
		task.CompletedAt = &t
	}
	task.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	task.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &task, nil
}

// marshalMap encodes a metadata map as JSON, with nil maps becoming "{}".
func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// marshalTags encodes a tag list as JSON, with nil slices becoming "[]".
func marshalTags(tags []string) (string, error) {
	if tags == nil {
		return "[]", nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime returns nil for nil times, otherwise the RFC3339 string
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// nullRaw returns nil for empty JSON blobs, otherwise the blob as a string
func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
