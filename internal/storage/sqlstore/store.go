// Package sqlstore implements the task, ledger, voucher and user stores on
// database/sql. Engine differences live behind a Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tokligence/taskd/internal/ledger"
	"github.com/tokligence/taskd/internal/task"
	"github.com/tokligence/taskd/internal/userstore"
	"github.com/tokligence/taskd/internal/voucher"
)

// Dialect captures what differs between SQL engines.
type Dialect interface {
	Name() string
	// Rebind rewrites ? placeholders into the engine's form.
	Rebind(query string) string
	IsUniqueViolation(err error) bool
	// StringList and ScanStringList convert list columns.
	StringList(v []string) any
	ScanStringList(dst *[]string) any
	Schema() string
}

// Store is a SQL-backed implementation of every domain store.
type Store struct {
	db *sql.DB
	d  Dialect
}

var (
	_ ledger.Store    = (*Store)(nil)
	_ task.Store      = (*Store)(nil)
	_ voucher.Store   = (*Store)(nil)
	_ userstore.Store = (*Store)(nil)
)

// New wraps db and applies the dialect's schema.
func New(ctx context.Context, db *sql.DB, d Dialect) (*Store, error) {
	s := &Store{db: db, d: d}
	if _, err := db.ExecContext(ctx, d.Schema()); err != nil {
		return nil, fmt.Errorf("apply %s schema: %w", d.Name(), err)
	}
	return s, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the engine name.
func (s *Store) Dialect() string { return s.d.Name() }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) q(query string) string {
	return s.d.Rebind(query)
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RebindDollar rewrites ? placeholders as $1, $2, ...
func RebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
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

// jsonText stores a value as a JSON text column.
type jsonText struct {
	v any
}

func (j jsonText) Value() (driver.Value, error) {
	if j.v == nil {
		return "null", nil
	}
	b, err := json.Marshal(j.v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// jsonScan decodes a JSON text column into dst.
type jsonScan struct {
	dst any
}

func (j jsonScan) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("sqlstore: cannot scan %T as json", src)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, j.dst)
}

// JSONList encodes string lists as JSON text, for engines without arrays.
func JSONList(v []string) any {
	if v == nil {
		v = []string{}
	}
	return jsonText{v: v}
}

// ScanJSONList decodes a JSON text list column.
func ScanJSONList(dst *[]string) any {
	return jsonScan{dst: dst}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
