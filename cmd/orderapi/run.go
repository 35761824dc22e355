package orderapi

import (
	"context"
	"fmt"

	"git.platform.alem.school/amibragim/delayed-orders/cmd"
	service "git.platform.alem.school/amibragim/delayed-orders/internal/app/orderapi"
	"git.platform.alem.school/amibragim/delayed-orders/internal/app/delayproducer"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/config"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/logger"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/rabbitmq"
)

// Run wires the order API against RabbitMQ and blocks until ctx is cancelled.
func Run(ctx context.Context, configPath string, port, maxConcurrent int) error {
	logger := logger.NewLogger("order-api")
	defer func() { _ = logger.Sync() }()
	ctx = logger.WithRequestID(ctx, "startup-001")

	cfg, err := cmd.LoadConfig(ctx, configPath, logger)
	if err != nil {
		return err
	}
	if cfg.Broker.Kind != config.BrokerRabbitMQ {
		return fmt.Errorf("order-api needs broker.kind=%s; use standalone mode for %q", config.BrokerRabbitMQ, cfg.Broker.Kind)
	}

	store, closeStore, err := cmd.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	topology := rabbitmq.TopologyFromConfig(cfg)
	rmq, err := rabbitmq.ConnectRabbitMQ(ctx, cfg, topology, logger)
	if err != nil {
		logger.Error(ctx, "rabbitmq_connection_failed", "Failed to connect to RabbitMQ", err)
		return err
	}
	defer rmq.Close()

	producer := delayproducer.New(rmq, topology, logger)
	h := service.NewHandler(producer, rmq, store, logger)

	logger.Info(ctx, "service_started", fmt.Sprintf("Order API started on port %d", port), map[string]any{
		"port":           port,
		"max_concurrent": maxConcurrent,
		"delay":          topology.TTL.String(),
		"store":          cfg.Store.Driver,
	})

	return service.Serve(ctx, port, service.NewRouter(h, maxConcurrent), logger)
}
