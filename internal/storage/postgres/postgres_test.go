package postgres

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/taskd/internal/storage/storetest"
)

func TestRebind(t *testing.T) {
	got := Dialect{}.Rebind(`SELECT a FROM t WHERE b = ? AND c IN (?, ?)`)
	assert.Equal(t, `SELECT a FROM t WHERE b = $1 AND c IN ($2, $3)`, got)
}

func TestIsUniqueViolation(t *testing.T) {
	d := Dialect{}
	assert.True(t, d.IsUniqueViolation(&pgconn.PgError{Code: pgerrcode.UniqueViolation}))
	assert.True(t, d.IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgerrcode.UniqueViolation})))
	assert.False(t, d.IsUniqueViolation(&pgconn.PgError{Code: pgerrcode.CheckViolation}))
	assert.False(t, d.IsUniqueViolation(nil))
}

// TestConformance needs a disposable database; each subtest gets its own
// schema so runs do not interfere.
func TestConformance(t *testing.T) {
	dsn := os.Getenv("TASKD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TASKD_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		ctx := context.Background()
		schema := "taskd_test_" + uuid.NewString()[:8]
		admin, err := Open(ctx, dsn, Pool{MaxOpen: 1})
		require.NoError(t, err)
		_, err = admin.DB().ExecContext(ctx, `CREATE SCHEMA `+schema)
		require.NoError(t, err)
		_ = admin.Close()

		store, err := Open(ctx, withSearchPath(dsn, schema), Pool{MaxOpen: 8})
		require.NoError(t, err)
		t.Cleanup(func() {
			_, _ = store.DB().ExecContext(ctx, `DROP SCHEMA `+schema+` CASCADE`)
			_ = store.Close()
		})
		return store
	})
}

func withSearchPath(dsn, schema string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "search_path=" + schema
}
