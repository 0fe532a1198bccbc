package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/xraph/taskhost/cmd/taskhost/config"
	"github.com/xraph/taskhost/lease"
	k8slease "github.com/xraph/taskhost/lease/k8s"
	"github.com/xraph/taskhost/store"
	bunstore "github.com/xraph/taskhost/store/bun"
	"github.com/xraph/taskhost/store/memory"
	"github.com/xraph/taskhost/store/postgres"
	redisstore "github.com/xraph/taskhost/store/redis"
	"github.com/xraph/taskhost/store/sqlite"
)

// openStore connects the configured backend. The returned close function
// releases everything openStore created.
func openStore(ctx context.Context, cfg config.Store, logger *slog.Logger) (store.Store, func() error, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		s := memory.New()
		return s, s.Close, nil

	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.DSN, sqlite.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.DriverBun:
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
		db := bun.NewDB(sqldb, pgdialect.New())
		return bunstore.New(db, bunstore.WithLogger(logger)), db.Close, nil

	case config.DriverRedis:
		opt, err := goredis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis dsn: %w", err)
		}
		client := goredis.NewClient(opt)
		opts := []redisstore.Option{redisstore.WithLogger(logger)}
		if cfg.KeyPrefix != "" {
			opts = append(opts, redisstore.WithKeyPrefix(cfg.KeyPrefix))
		}
		return redisstore.New(client, opts...), client.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// openLeaseStore returns a separate lease backend, or nil when locks live
// in the main store.
func openLeaseStore(cfg config.Lease, logger *slog.Logger) (lease.Store, error) {
	if cfg.Backend != config.LeaseBackendK8s {
		return nil, nil //nolint:nilnil // nil selects the main store
	}

	var (
		restCfg *rest.Config
		err     error
	)
	if cfg.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}

	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return k8slease.New(client, cfg.Namespace, k8slease.WithLogger(logger)), nil
}
