// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Schema creation, migrations, transactions and shared column helpers

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

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	// Transactions take the write lock at BEGIN.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
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
		CREATE TABLE IF NOT EXISTS people (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS channel_addresses (
			id TEXT PRIMARY KEY,
			person_id TEXT NOT NULL REFERENCES people(id),
			channel_type TEXT NOT NULL,
			address TEXT NOT NULL,
			created_at TEXT NOT NULL,

			UNIQUE(channel_type, address)
		);

		CREATE INDEX IF NOT EXISTS idx_channel_addresses_person ON channel_addresses(person_id);

		CREATE TABLE IF NOT EXISTS channel_targets (
			id TEXT PRIMARY KEY,
			channel_type TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			auth_config_json TEXT,
			metadata_json TEXT,
			is_default INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_channel_targets_channel ON channel_targets(channel_type);

		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			person_id TEXT NOT NULL REFERENCES people(id),
			channel_type TEXT NOT NULL,
			status TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			assigned_agent_id TEXT,
			snoozed_until TEXT,
			last_message_at TEXT,
			metadata_json TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (status IN ('open', 'pending', 'snoozed', 'resolved'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_person_channel
			ON conversations(person_id, channel_type, status, updated_at);
		CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);

		CREATE TABLE IF NOT EXISTS conversation_tags (
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			tag TEXT NOT NULL,
			created_at TEXT NOT NULL,

			PRIMARY KEY (conversation_id, tag)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			channel_type TEXT NOT NULL,
			direction TEXT NOT NULL,
			status TEXT NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			reply_to_message_id TEXT,
			channel_target_id TEXT NOT NULL DEFAULT '',
			contact_address TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			metadata_json TEXT,
			sent_at TEXT,
			received_at TEXT,
			created_at TEXT NOT NULL,

			CHECK (direction IN ('inbound', 'outbound')),
			CHECK (
				(direction = 'inbound' AND received_at IS NOT NULL AND sent_at IS NULL) OR
				(direction = 'outbound' AND sent_at IS NOT NULL AND received_at IS NULL)
			)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external
			ON messages(external_id, channel_target_id) WHERE external_id != '';
		CREATE INDEX IF NOT EXISTS idx_messages_external_any ON messages(external_id);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS notes (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			author_agent_id TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_notes_conversation ON notes(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS macros (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			visibility TEXT NOT NULL,
			owner_agent_id TEXT NOT NULL,
			actions_json TEXT NOT NULL,
			execution_count INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (visibility IN ('personal', 'shared'))
		);

		CREATE INDEX IF NOT EXISTS idx_macros_owner ON macros(owner_agent_id);

		CREATE TABLE IF NOT EXISTS macro_executions (
			id TEXT PRIMARY KEY,
			macro_id TEXT NOT NULL REFERENCES macros(id),
			conversation_id TEXT NOT NULL,
			actor_agent_id TEXT NOT NULL,
			ok INTEGER NOT NULL,
			actions_executed INTEGER NOT NULL,
			actions_failed INTEGER NOT NULL,
			error_detail TEXT,
			executed_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_macro_executions_ts ON macro_executions(executed_at DESC);
		CREATE INDEX IF NOT EXISTS idx_macro_executions_macro ON macro_executions(macro_id);
		CREATE INDEX IF NOT EXISTS idx_macro_executions_conversation ON macro_executions(conversation_id);

		CREATE TABLE IF NOT EXISTS routing_rules (
			id TEXT PRIMARY KEY,
			channel_type TEXT NOT NULL,
			channel_target_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,

			UNIQUE(channel_type, channel_target_id, agent_id)
		);

		CREATE INDEX IF NOT EXISTS idx_routing_rules_channel ON routing_rules(channel_type);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "conversations",
			column: "snoozed_until",
			apply:  `ALTER TABLE conversations ADD COLUMN snoozed_until TEXT`,
		},
		{
			table:  "messages",
			column: "reply_to_message_id",
			apply:  `ALTER TABLE messages ADD COLUMN reply_to_message_id TEXT`,
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

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// sqliteTx implements Tx on an open transaction.
type sqliteTx struct {
	tx     *sql.Tx
	logger *slog.Logger
}

// WithTx runs fn inside a single transaction. The transaction commits if
// fn returns nil and rolls back otherwise; fn's error is returned as is.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(&sqliteTx{tx: tx, logger: s.logger}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (t *sqliteTx) CreateMessage(ctx context.Context, msg *Message) error {
	if err := insertMessage(ctx, t.tx, msg); err != nil {
		return err
	}
	t.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID, "direction", msg.Direction)
	return nil
}

func (t *sqliteTx) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	return touchConversation(ctx, t.tx, conversationID, at)
}

// FindMessageByExternalID repeats the duplicate lookup under the write lock.
func (t *sqliteTx) FindMessageByExternalID(ctx context.Context, externalID, channelTargetID string, acrossTargets bool) (*Message, error) {
	return findMessageByExternalID(ctx, t.tx, externalID, channelTargetID, acrossTargets)
}

// isUniqueViolation checks if the error is a SQLite UNIQUE constraint violation
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// formatTimePtr returns nil for a nil time so the column stays NULL.
func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalMap(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// normalizeLimit applies default (100) and cap (1000) to list limits.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
