package mongo

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/taskd/internal/storage/storetest"
)

func TestMigrationIndexesCoverUniqueKeys(t *testing.T) {
	idx := migrationIndexes()
	for _, col := range []string{colTransactions, colTasks, colOutputs, colRedemptions} {
		require.NotEmpty(t, idx[col], col)
		assert.NotNil(t, idx[col][0].Options, "%s needs a unique index", col)
	}
}

// TestConformance needs a replica set, since ledger and task writes run in
// transactions.
func TestConformance(t *testing.T) {
	uri := os.Getenv("TASKD_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TASKD_TEST_MONGO_URI not set")
	}
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		ctx := context.Background()
		store, err := Open(ctx, uri, "taskd_test_"+uuid.NewString()[:8])
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = store.Drop(context.Background())
			_ = store.Close()
		})
		return store
	})
}
