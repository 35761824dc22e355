// Package cmd holds the start-up wiring shared by every mode.
package cmd

import (
	"context"
	"fmt"

	"git.platform.alem.school/amibragim/delayed-orders/internal/ports"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/config"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/logger"
	pg "git.platform.alem.school/amibragim/delayed-orders/internal/shared/postgres"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/redisstore"
)

// LoadConfig loads configuration and applies its log level to log.
func LoadConfig(ctx context.Context, path string, log *logger.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		log.Error(ctx, "config_load_failed", "Failed to load configuration", err)
		return nil, err
	}
	log.SetLevel(cfg.Log.Level)
	return cfg, nil
}

// OpenStore connects the configured order store. It returns a nil store for the
// "none" driver. The returned func releases the connection.
func OpenStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (ports.OrderStore, func(), error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		if err := pg.Migrate(ctx, cfg, log); err != nil {
			log.Error(ctx, "db_migration_failed", "Failed to migrate PostgreSQL schema", err)
			return nil, nil, err
		}
		pool, err := pg.NewPool(ctx, cfg, log)
		if err != nil {
			log.Error(ctx, "db_connection_failed", "Failed to initialize Postgres pool", err)
			return nil, nil, err
		}
		return pg.NewOrdersRepo(pool), pool.Close, nil

	case config.StoreRedis:
		rdb, err := redisstore.NewClient(ctx, cfg, log)
		if err != nil {
			log.Error(ctx, "redis_connection_failed", "Failed to connect to Redis", err)
			return nil, nil, err
		}
		return redisstore.New(rdb), func() { _ = rdb.Close() }, nil

	case config.StoreNone:
		return nil, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
