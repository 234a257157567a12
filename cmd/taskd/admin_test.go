package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/taskd/internal/ledger"
	"github.com/tokligence/taskd/internal/storage/sqlite"
	"github.com/tokligence/taskd/internal/voucher"
)

func TestSplitUsers(t *testing.T) {
	assert.Nil(t, splitUsers(""))
	assert.Equal(t, []string{"alice", "bob"}, splitUsers(" alice, ,bob "))
}

func TestCreateVouchers(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "cli.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	svc := voucher.NewService(st, ledger.NewService(st, ledger.Options{}), st, voucher.Options{})

	created, err := createVouchers(ctx, svc, voucher.Voucher{Code: "BATCH", Amount: 10}, 3)
	require.NoError(t, err)
	assert.Len(t, created, 3)

	created, err = createVouchers(ctx, svc, voucher.Voucher{Code: "ALL", Amount: 10, MultiUse: true}, 3)
	require.NoError(t, err)
	assert.Len(t, created, 1, "multi-use vouchers are a single instance")

	_, err = createVouchers(ctx, svc, voucher.Voucher{Code: "", Amount: 10}, 1)
	require.ErrorIs(t, err, voucher.ErrInvalid)
}

func TestOpenStore(t *testing.T) {
	prev := configRoot
	configRoot = t.TempDir()
	t.Cleanup(func() { configRoot = prev })
	t.Setenv("TASKD_STORE_DRIVER", "sqlite")
	t.Setenv("TASKD_SQLITE_PATH", filepath.Join(t.TempDir(), "x.db"))

	cfg, err := loadConfig()
	require.NoError(t, err)
	st, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, st.Ping(context.Background()))
	require.NoError(t, st.Close())

	cfg.StoreDriver = "cassandra"
	_, err = openStore(context.Background(), cfg)
	assert.Error(t, err)
}
