// Package sqlite opens the SQLite backend of the domain stores.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/tokligence/taskd/internal/storage/sqlstore"
)

// Open opens (or creates) a SQLite database at path and applies the schema.
func Open(ctx context.Context, path string) (*sqlstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Set("_time_format", "sqlite")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single writer connection keeps read-then-write transactions from
	// failing with SQLITE_BUSY on lock upgrade.
	db.SetMaxOpenConns(1)

	store, err := sqlstore.New(ctx, db, Dialect{})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Dialect adapts sqlstore to SQLite.
type Dialect struct{}

func (Dialect) Name() string { return "sqlite" }

func (Dialect) Rebind(query string) string { return query }

func (Dialect) IsUniqueViolation(err error) bool {
	var e *sqlite.Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func (Dialect) StringList(v []string) any { return sqlstore.JSONList(v) }

func (Dialect) ScanStringList(dst *[]string) any { return sqlstore.ScanJSONList(dst) }

func (Dialect) Schema() string { return schema }

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'user',
	status TEXT NOT NULL DEFAULT 'active',
	artifact_count INTEGER NOT NULL DEFAULT 0,
	concept_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS user_entitlements (
	user_id TEXT NOT NULL,
	flag TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, flag)
);
CREATE TABLE IF NOT EXISTS accounts (
	user_id TEXT PRIMARY KEY,
	subscription_balance INTEGER NOT NULL DEFAULT 0 CHECK (subscription_balance >= 0),
	balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
	version INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	type TEXT NOT NULL,
	amount INTEGER NOT NULL,
	subscription_delta INTEGER NOT NULL DEFAULT 0,
	balance_delta INTEGER NOT NULL DEFAULT 0,
	task_id TEXT,
	event_id TEXT,
	event_type TEXT,
	memo TEXT,
	created_at DATETIME NOT NULL,
	UNIQUE (event_id, event_type)
);
CREATE INDEX IF NOT EXISTS idx_transactions_user_created ON transactions(user_id, created_at DESC);
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	external_id TEXT UNIQUE,
	user_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	generator TEXT NOT NULL,
	version TEXT NOT NULL,
	provider TEXT NOT NULL,
	output_kind TEXT NOT NULL,
	config TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL CHECK (status IN ('pending','running','completed','failed')),
	progress REAL NOT NULL DEFAULT 0,
	stage INTEGER NOT NULL DEFAULT 0,
	cost INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	webhooks TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_user_created ON tasks(user_id, created_at DESC);
CREATE TABLE IF NOT EXISTS task_outputs (
	task_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	uri TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	mime_type TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	PRIMARY KEY (task_id, seq)
);
CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	idx INTEGER NOT NULL,
	kind TEXT NOT NULL,
	uri TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	mime_type TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_task ON artifacts(task_id, idx);
CREATE TABLE IF NOT EXISTS vouchers (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL,
	code_lower TEXT NOT NULL,
	amount INTEGER NOT NULL DEFAULT 0,
	action TEXT NOT NULL,
	entitlement TEXT NOT NULL DEFAULT '',
	allowed_users TEXT NOT NULL DEFAULT '[]',
	multi_use INTEGER NOT NULL DEFAULT 0,
	used INTEGER NOT NULL DEFAULT 0,
	redeemed_by TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vouchers_code ON vouchers(code_lower);
CREATE TABLE IF NOT EXISTS voucher_redemptions (
	id TEXT PRIMARY KEY,
	voucher_id TEXT NOT NULL,
	code_lower TEXT NOT NULL,
	user_id TEXT NOT NULL,
	transaction_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	UNIQUE (code_lower, user_id)
);
`
