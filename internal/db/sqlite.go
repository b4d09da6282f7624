package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

// parent_conversation_id deliberately has no foreign key: deleting a
// conversation leaves its branches in place as orphans.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    parent_conversation_id TEXT,
    is_branch BOOLEAN NOT NULL DEFAULT 0,
    branch_point_message_id TEXT,
    branch_name TEXT,
    branch_order INTEGER NOT NULL DEFAULT 0,
    branch_created_at TIMESTAMP,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS conversations_user_idx ON conversations(user_id);
CREATE INDEX IF NOT EXISTS conversations_parent_idx ON conversations(parent_conversation_id, branch_order);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    token_count INTEGER NOT NULL DEFAULT 0,
    metadata TEXT,
    parent_id TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(conversation_id, created_at);`

// timeLayout keeps a fixed number of fractional digits so that timestamps
// stored as text sort chronologically.
const timeLayout = "2006-01-02 15:04:05.000000000-07:00"

var ErrConversationNotFound = errors.New("conversation not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries runs statements against either the database or an open
// transaction.
type Queries struct {
	q querier
}

type Database struct {
	*Queries
	db *sql.DB
}

type Options struct {
	BusyTimeout time.Duration
}

func New(dbPath string) (*Database, error) {
	return Open(dbPath, Options{BusyTimeout: 5 * time.Second})
}

// Open opens the store. Write transactions take SQLite's reserved lock
// at BEGIN, so concurrent writers are serialized for the whole
// read-then-write sequence.
func Open(dbPath string, opts Options) (*Database, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_txlock=immediate&_busy_timeout=%d",
		dbPath, opts.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to apply schema: %w", err), db.Close())
	}

	return &Database{Queries: &Queries{q: db}, db: db}, nil
}

func (db *Database) Close() error {
	return db.db.Close()
}

func (db *Database) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// WithTx runs fn inside a single transaction. fn's error, or a failed
// commit, rolls everything back.
func (db *Database) WithTx(ctx context.Context, fn func(tx *Queries) error) (err error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = multierr.Append(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	if err = fn(&Queries{q: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
