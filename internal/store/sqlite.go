// ABOUTME: SQLite implementation of the store interfaces using modernc.org/sqlite or mattn/go-sqlite3
// ABOUTME: Opens the database with per-connection pragmas and creates the schema on startup

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverCGO     = "sqlite3" // github.com/mattn/go-sqlite3
)

// timeFormat is used for every persisted timestamp. Fixed width so stored
// values sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements every store interface on a single database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens the store at path with the default pure-Go driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return Open(DriverModernc, path)
}

// Open creates a store at path using the named driver. The schema is created
// if it doesn't exist and parent directories are created as needed.
func Open(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, buildDSN(driver, path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each in-memory connection is its own database.
	if memory {
		db.SetMaxOpenConns(1)
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

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// buildDSN encodes the pragmas every pooled connection needs. PRAGMA
// statements run through db.Exec only reach a single connection.
func buildDSN(driver, path string) string {
	name := "file:" + path
	if path == ":memory:" {
		name = "file::memory:"
	}

	var params []string
	switch driver {
	case DriverCGO:
		params = []string{"_foreign_keys=on", "_busy_timeout=5000", "_txlock=immediate"}
		if path != ":memory:" {
			params = append(params, "_journal_mode=WAL")
		}
	default:
		params = []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)", "_txlock=immediate"}
		if path != ":memory:" {
			params = append(params, "_pragma=journal_mode(WAL)")
		}
	}
	return name + "?" + strings.Join(params, "&")
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			owner_user_id   TEXT NOT NULL,
			contact_phone   TEXT NOT NULL,
			contact_name    TEXT NOT NULL DEFAULT '',
			contact_id      TEXT,
			ai_enabled      INTEGER NOT NULL DEFAULT 0,
			last_message_at TEXT,
			unread_count    INTEGER NOT NULL DEFAULT 0,
			origin          TEXT NOT NULL DEFAULT 'manual',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (origin IN ('manual', 'auto'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_phone ON conversations(contact_phone);
		CREATE INDEX IF NOT EXISTS idx_conversations_tenant ON conversations(tenant_id, last_message_at DESC);

		-- At most one resolver-created conversation per tenant and phone
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_auto
			ON conversations(tenant_id, contact_phone) WHERE origin = 'auto';

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender          TEXT NOT NULL,
			body            TEXT NOT NULL,
			type            TEXT NOT NULL DEFAULT 'text',
			idempotency_key TEXT NOT NULL,
			ai_generated    INTEGER NOT NULL DEFAULT 0,
			metadata_json   TEXT,
			status          TEXT NOT NULL DEFAULT 'received',
			created_at      TEXT NOT NULL,

			UNIQUE (conversation_id, idempotency_key),
			CHECK (idempotency_key <> ''),
			CHECK (sender IN ('contact', 'user', 'ai'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_key ON messages(idempotency_key);

		CREATE TABLE IF NOT EXISTS contacts (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			name       TEXT NOT NULL,
			phone      TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_contacts_tenant_phone ON contacts(tenant_id, phone);

		CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			title           TEXT NOT NULL,
			description     TEXT,
			status          TEXT NOT NULL,
			priority        TEXT NOT NULL,
			assignee_id     TEXT NOT NULL,
			due_date        TEXT,
			conversation_id TEXT,
			created_by      TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks(conversation_id);

		CREATE TABLE IF NOT EXISTS leads (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			name            TEXT NOT NULL,
			phone           TEXT,
			email           TEXT,
			company         TEXT,
			status          TEXT NOT NULL,
			source          TEXT NOT NULL,
			assignee_id     TEXT NOT NULL,
			notes           TEXT,
			conversation_id TEXT,
			created_by      TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS appointments (
			id               TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL,
			title            TEXT NOT NULL,
			starts_at        TEXT NOT NULL,
			duration_minutes INTEGER NOT NULL,
			location         TEXT,
			status           TEXT NOT NULL,
			organizer_id     TEXT NOT NULL,
			attendee_phone   TEXT,
			conversation_id  TEXT,
			created_by       TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS action_log (
			action_id          TEXT PRIMARY KEY,
			tenant_id          TEXT NOT NULL,
			conversation_id    TEXT NOT NULL,
			trigger_message_id TEXT NOT NULL,
			kind               TEXT NOT NULL,
			outcome            TEXT NOT NULL,
			confidence         REAL NOT NULL DEFAULT 0,
			entity_id          TEXT,
			ts                 TEXT NOT NULL,
			detail_json        TEXT,

			CHECK (outcome IN ('executed', 'suppressed', 'failed', 'ignored'))
		);

		CREATE INDEX IF NOT EXISTS idx_action_log_conversation ON action_log(conversation_id, ts);
		CREATE INDEX IF NOT EXISTS idx_action_log_trigger ON action_log(trigger_message_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks the database is reachable; used by the readiness endpoint.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure,
// optionally restricted to a constraint mentioning column.
func isUniqueViolation(err error, column string) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "UNIQUE constraint failed") {
		return false
	}
	return column == "" || strings.Contains(errStr, column)
}

// isForeignKeyViolation reports whether err is a FOREIGN KEY constraint failure.
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// storableTime reports whether t survives the four-digit year of timeFormat.
func storableTime(t time.Time) bool {
	y := t.UTC().Year()
	return y >= 1 && y <= 9999
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure SQLiteStore implements the store interfaces
var (
	_ MessageStore      = (*SQLiteStore)(nil)
	_ ConversationStore = (*SQLiteStore)(nil)
	_ CRMStore          = (*SQLiteStore)(nil)
	_ ActionLogStore    = (*SQLiteStore)(nil)
)
