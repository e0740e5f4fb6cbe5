// Package store provides durable persistence for the messenger backed by an
// embedded SQLite database: users, rooms, memberships, messages, pins, polls,
// reactions, files, audit trails, scan jobs, and SSO identities.
//
// Migration design: tables are created with CREATE TABLE IF NOT EXISTS and
// later columns are added by probing PRAGMA table_info. Migrations are
// additive and idempotent; columns are never dropped.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/woorichat/woorichat/internal/v1/crypt"
)

// Sentinel errors mapped by callers onto their own status codes.
var (
	ErrNotFound          = errors.New("store: not found")
	ErrDuplicateUsername = errors.New("store: duplicate username")
	ErrForbidden         = errors.New("store: forbidden")
	ErrAlreadyMember     = errors.New("store: already a member")
	ErrPollClosed        = errors.New("store: poll closed")
	ErrOptionMismatch    = errors.New("store: option does not belong to poll")
	ErrAlreadyVoted      = errors.New("store: already voted")
)

// timeLayout is the at-rest timestamp format.
const timeLayout = "2006-01-02 15:04:05"

func now() string {
	return time.Now().Format(timeLayout)
}

// Store owns the database handle and the room key wrapper.
type Store struct {
	db   *sql.DB
	keys *crypt.KeyWrapper
}

// Open opens (creating if needed) the database at path and brings the schema
// up to date. keys may be nil, in which case room keys are stored in plain
// base64.
func Open(path string, keys *crypt.KeyWrapper) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL allows concurrent readers with a single writer. A small pool keeps
	// writer contention bounded.
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)

	s := &Store{db: db, keys: keys}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		nickname TEXT,
		profile_image TEXT,
		status TEXT DEFAULT 'offline',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS rooms (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT,
		type TEXT CHECK(type IN ('direct', 'group')),
		created_by INTEGER,
		encryption_key TEXT,
		direct_key TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (created_by) REFERENCES users(id)
	)`,
	`CREATE TABLE IF NOT EXISTS room_members (
		room_id INTEGER,
		user_id INTEGER,
		joined_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		last_read_message_id INTEGER DEFAULT 0,
		pinned INTEGER DEFAULT 0,
		muted INTEGER DEFAULT 0,
		PRIMARY KEY (room_id, user_id),
		FOREIGN KEY (room_id) REFERENCES rooms(id),
		FOREIGN KEY (user_id) REFERENCES users(id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id INTEGER NOT NULL,
		sender_id INTEGER NOT NULL,
		content TEXT,
		encrypted INTEGER DEFAULT 1,
		message_type TEXT DEFAULT 'text',
		file_path TEXT,
		file_name TEXT,
		reply_to INTEGER,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id),
		FOREIGN KEY (sender_id) REFERENCES users(id),
		FOREIGN KEY (reply_to) REFERENCES messages(id)
	)`,
	`CREATE TABLE IF NOT EXISTS access_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER,
		action TEXT,
		ip_address TEXT,
		user_agent TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id)
	)`,
	`CREATE TABLE IF NOT EXISTS pinned_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id INTEGER NOT NULL,
		message_id INTEGER,
		content TEXT,
		pinned_by INTEGER NOT NULL,
		pinned_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id),
		FOREIGN KEY (pinned_by) REFERENCES users(id)
	)`,
	`CREATE TABLE IF NOT EXISTS polls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id INTEGER NOT NULL,
		created_by INTEGER NOT NULL,
		question TEXT NOT NULL,
		multiple_choice INTEGER DEFAULT 0,
		anonymous INTEGER DEFAULT 0,
		closed INTEGER DEFAULT 0,
		ends_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id)
	)`,
	`CREATE TABLE IF NOT EXISTS poll_options (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		poll_id INTEGER NOT NULL,
		option_text TEXT NOT NULL,
		FOREIGN KEY (poll_id) REFERENCES polls(id)
	)`,
	`CREATE TABLE IF NOT EXISTS poll_votes (
		poll_id INTEGER NOT NULL,
		option_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		UNIQUE (poll_id, option_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS reactions (
		message_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		emoji TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (message_id, user_id, emoji)
	)`,
	`CREATE TABLE IF NOT EXISTS room_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id INTEGER NOT NULL,
		message_id INTEGER,
		file_path TEXT NOT NULL,
		file_name TEXT NOT NULL,
		file_size INTEGER DEFAULT 0,
		file_type TEXT DEFAULT 'file',
		uploaded_by INTEGER NOT NULL,
		uploaded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id)
	)`,
	`CREATE TABLE IF NOT EXISTS admin_audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id INTEGER NOT NULL,
		actor_user_id INTEGER NOT NULL,
		target_user_id INTEGER,
		action TEXT NOT NULL,
		metadata_json TEXT DEFAULT '{}',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS upload_scan_jobs (
		job_id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		room_id INTEGER NOT NULL,
		temp_path TEXT NOT NULL,
		final_path TEXT NOT NULL,
		file_name TEXT NOT NULL,
		file_type TEXT NOT NULL,
		file_size INTEGER DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		result TEXT DEFAULT '',
		token TEXT,
		created_at TIMESTAMP,
		updated_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS sso_identities (
		provider TEXT NOT NULL,
		subject TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (provider, subject)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_access_logs_created ON access_logs(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_reactions_message ON reactions(message_id)`,
}

// columnAdditions are post-v1 columns probed at startup. Append only.
var columnAdditions = []struct {
	table, column, ddl string
}{
	{"users", "status_message", "ALTER TABLE users ADD COLUMN status_message TEXT"},
	{"users", "session_token", "ALTER TABLE users ADD COLUMN session_token TEXT"},
	{"room_members", "role", "ALTER TABLE room_members ADD COLUMN role TEXT DEFAULT 'member'"},
	{"rooms", "direct_key", "ALTER TABLE rooms ADD COLUMN direct_key TEXT"},
}

// postColumnIndexes need their columns in place first, so they run after the
// column probe. Partial on NOT NULL: rows predating the column keep NULL and
// stay out of the index.
var postColumnIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_rooms_direct_key ON rooms(direct_key) WHERE direct_key IS NOT NULL`,
}

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	for _, add := range columnAdditions {
		exists, err := s.columnExists(add.table, add.column)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := s.db.Exec(add.ddl); err != nil {
				return fmt.Errorf("add column %s.%s: %w", add.table, add.column, err)
			}
		}
	}

	for _, stmt := range postColumnIndexes {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply index: %w", err)
		}
	}
	return nil
}

func (s *Store) columnExists(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
