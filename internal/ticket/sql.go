package ticket

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/h1v3-io/inbox/pkg/protocol"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Options selects the database backing a SQLStore.
type Options struct {
	Driver string // "sqlite" (default) or "postgres"
	DSN    string // file path for sqlite, connection string for postgres
}

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	driver string
}

var _ Store = (*SQLStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLStore, error) {
	return Open(Options{Driver: DriverSQLite, DSN: path})
}

// Open connects to the configured database and runs migrations.
func Open(opts Options) (*SQLStore, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("ticket store: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("ticket store: open: %w", err)
	}

	if driver == DriverSQLite {
		// One connection: SQLite allows a single writer and the engine
		// serializes hot keys itself.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
		} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("ticket store: %s: %w", pragma, err)
			}
		}
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS contacts (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			number     TEXT NOT NULL,
			name       TEXT NOT NULL DEFAULT '',
			is_group   INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_contacts_tenant_number ON contacts(tenant_id, number)`,

		`CREATE TABLE IF NOT EXISTS tickets (
			id                    TEXT PRIMARY KEY,
			tenant_id             TEXT NOT NULL,
			channel_id            TEXT NOT NULL,
			contact_id            TEXT NOT NULL REFERENCES contacts(id),
			status                TEXT NOT NULL DEFAULT 'pending',
			unread_messages       INTEGER NOT NULL DEFAULT 0,
			answered              INTEGER NOT NULL DEFAULT 0,
			last_message          TEXT NOT NULL DEFAULT '',
			last_message_at       TEXT,
			last_message_ack      INTEGER NOT NULL DEFAULT 0,
			last_message_from_me  INTEGER NOT NULL DEFAULT 0,
			is_group              INTEGER NOT NULL DEFAULT 0,
			is_pinned             INTEGER NOT NULL DEFAULT 0,
			protocol              TEXT NOT NULL,
			user_id               TEXT NOT NULL DEFAULT '',
			queue_id              TEXT NOT NULL DEFAULT '',
			participants          TEXT NOT NULL DEFAULT '[]',
			api_config            TEXT NOT NULL DEFAULT '',
			created_at            TEXT NOT NULL,
			updated_at            TEXT NOT NULL,
			closed_at             TEXT
		)`,
		// The one-active-ticket rule, enforced by the database as well as by the resolver's key lock.
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_tickets_active ON tickets(tenant_id, channel_id, contact_id)
			WHERE status IN ('open', 'pending')`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_lookup ON tickets(tenant_id, channel_id, contact_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(tenant_id, status)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id             TEXT PRIMARY KEY,
			ticket_id      TEXT NOT NULL REFERENCES tickets(id),
			tenant_id      TEXT NOT NULL,
			channel_id     TEXT NOT NULL,
			contact_id     TEXT NOT NULL,
			body           TEXT NOT NULL DEFAULT '',
			from_me        INTEGER NOT NULL DEFAULT 0,
			is_read        INTEGER NOT NULL DEFAULT 0,
			ack            INTEGER NOT NULL DEFAULT 0,
			media_type     TEXT NOT NULL DEFAULT '',
			media_url      TEXT NOT NULL DEFAULT '',
			message_id     TEXT,
			quoted_msg_id  TEXT NOT NULL DEFAULT '',
			schedule_date  TEXT,
			status         TEXT NOT NULL DEFAULT 'pending',
			is_deleted     INTEGER NOT NULL DEFAULT 0,
			send_attempts  INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_messages_native ON messages(channel_id, message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ticket ON messages(ticket_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status, schedule_date)`,

		`CREATE TABLE IF NOT EXISTS ticket_logs (
			id         TEXT PRIMARY KEY,
			ticket_id  TEXT NOT NULL REFERENCES tickets(id),
			tenant_id  TEXT NOT NULL,
			type       TEXT NOT NULL,
			user_id    TEXT NOT NULL DEFAULT '',
			queue_id   TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ticket_logs_ticket ON ticket_logs(ticket_id)`,

		`CREATE TABLE IF NOT EXISTS campaign_shippings (
			tenant_id  TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			number     TEXT NOT NULL,
			message_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, channel_id, number, message_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ticket store: migrate: %w", err)
		}
	}
	return nil
}

// DB returns the underlying database connection (for testing or direct access).
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// --- helpers ---

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rebind rewrites '?' placeholders to the driver's syntax.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, q execer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q execer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

// withTx runs fn inside a transaction, committing when it returns nil.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isUniqueViolation recognizes unique-constraint failures from either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, protocol.ErrNotFound)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

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

type scannable interface {
	Scan(dest ...any) error
}
