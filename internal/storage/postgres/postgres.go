// Package postgres opens the PostgreSQL backend of the domain stores.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/tokligence/taskd/internal/storage/sqlstore"
)

// Pool holds connection pool settings.
type Pool struct {
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open connects to dsn through the pgx driver and applies the schema.
func Open(ctx context.Context, dsn string, pool Pool) (*sqlstore.Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if pool.MaxOpen > 0 {
		db.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		db.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if pool.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store, err := sqlstore.New(ctx, db, Dialect{})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Dialect adapts sqlstore to PostgreSQL.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

func (Dialect) Rebind(query string) string { return sqlstore.RebindDollar(query) }

func (Dialect) IsUniqueViolation(err error) bool {
	var e *pgconn.PgError
	return errors.As(err, &e) && e.Code == pgerrcode.UniqueViolation
}

func (Dialect) StringList(v []string) any {
	if v == nil {
		v = []string{}
	}
	return pq.Array(v)
}

func (Dialect) ScanStringList(dst *[]string) any { return pq.Array(dst) }

func (Dialect) Schema() string { return schema }

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'user',
	status TEXT NOT NULL DEFAULT 'active',
	artifact_count BIGINT NOT NULL DEFAULT 0,
	concept_count BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS user_entitlements (
	user_id TEXT NOT NULL,
	flag TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, flag)
);
CREATE TABLE IF NOT EXISTS accounts (
	user_id TEXT PRIMARY KEY,
	subscription_balance BIGINT NOT NULL DEFAULT 0 CHECK (subscription_balance >= 0),
	balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	version BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	type TEXT NOT NULL,
	amount BIGINT NOT NULL,
	subscription_delta BIGINT NOT NULL DEFAULT 0,
	balance_delta BIGINT NOT NULL DEFAULT 0,
	task_id TEXT,
	event_id TEXT,
	event_type TEXT,
	memo TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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
	progress DOUBLE PRECISION NOT NULL DEFAULT 0,
	stage INTEGER NOT NULL DEFAULT 0,
	cost BIGINT NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	webhooks TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tasks_user_created ON tasks(user_id, created_at DESC);
CREATE TABLE IF NOT EXISTS task_outputs (
	task_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	uri TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	mime_type TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_artifacts_task ON artifacts(task_id, idx);
CREATE TABLE IF NOT EXISTS vouchers (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL,
	code_lower TEXT NOT NULL,
	amount BIGINT NOT NULL DEFAULT 0,
	action TEXT NOT NULL,
	entitlement TEXT NOT NULL DEFAULT '',
	allowed_users TEXT[] NOT NULL DEFAULT '{}',
	multi_use BOOLEAN NOT NULL DEFAULT FALSE,
	used BOOLEAN NOT NULL DEFAULT FALSE,
	redeemed_by TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_vouchers_code ON vouchers(code_lower);
CREATE TABLE IF NOT EXISTS voucher_redemptions (
	id TEXT PRIMARY KEY,
	voucher_id TEXT NOT NULL,
	code_lower TEXT NOT NULL,
	user_id TEXT NOT NULL,
	transaction_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (code_lower, user_id)
);
`
