// Package redisstore keeps order statuses in Redis, one hash per order.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.platform.alem.school/amibragim/delayed-orders/internal/domain/orders"
	"git.platform.alem.school/amibragim/delayed-orders/internal/ports"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/config"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/errs"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/logger"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix      = "order:"
	fieldStatus    = "status"
	fieldUpdatedAt = "updated_at"
)

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg *config.Config, logger *logger.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}

	logger.Info(ctx, "redis_connected", "Connected to Redis", map[string]any{"addr": cfg.Redis.Addr, "db": cfg.Redis.DB})
	return rdb, nil
}

// Store implements ports.OrderStore.
type Store struct {
	rdb redis.Cmdable
	now func() time.Time
}

var _ ports.OrderStore = (*Store)(nil)

func New(rdb redis.Cmdable) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

func key(orderID string) string {
	return keyPrefix + orderID
}

// Get returns the stored status of an order.
func (s *Store) Get(ctx context.Context, orderID string) (orders.OrderStatus, error) {
	n, err := s.rdb.HGet(ctx, key(orderID), fieldStatus).Int()
	switch {
	case errors.Is(err, redis.Nil):
		return 0, fmt.Errorf("order %s: %w", orderID, errs.ErrOrderNotFound)
	case err != nil:
		return 0, fmt.Errorf("hget %s: %w", key(orderID), err)
	}
	return orders.OrderStatus(n), nil
}

// UpdateStatus sets the status of an order, creating the hash on first sight.
func (s *Store) UpdateStatus(ctx context.Context, orderID string, status orders.OrderStatus) error {
	err := s.rdb.HSet(ctx, key(orderID),
		fieldStatus, int(status),
		fieldUpdatedAt, s.now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("hset %s: %w", key(orderID), err)
	}
	return nil
}
