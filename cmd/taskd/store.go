package main

import (
	"context"
	"fmt"
	"time"

	"github.com/tokligence/taskd/internal/config"
	"github.com/tokligence/taskd/internal/ledger"
	"github.com/tokligence/taskd/internal/storage/mongo"
	"github.com/tokligence/taskd/internal/storage/postgres"
	"github.com/tokligence/taskd/internal/storage/sqlite"
	"github.com/tokligence/taskd/internal/task"
	"github.com/tokligence/taskd/internal/userstore"
	"github.com/tokligence/taskd/internal/voucher"
)

// store is the union every backend implements.
type store interface {
	task.Store
	ledger.Store
	voucher.Store
	userstore.Store
	Ping(ctx context.Context) error
	Close() error
}

func openStore(ctx context.Context, cfg config.Config) (store, error) {
	var (
		s   store
		err error
	)
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err = sqlite.Open(ctx, cfg.SQLitePath)
	case config.DriverPostgres:
		s, err = postgres.Open(ctx, cfg.PostgresDSN, postgres.Pool{MaxOpen: 20, MaxIdle: 5, ConnMaxIdleTime: 5 * time.Minute})
	case config.DriverMongo:
		s, err = mongo.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	return s, nil
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configRoot)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
