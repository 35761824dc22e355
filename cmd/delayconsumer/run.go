package delayconsumer

import (
	"context"
	"fmt"
	"os"

	"git.platform.alem.school/amibragim/delayed-orders/cmd"
	service "git.platform.alem.school/amibragim/delayed-orders/internal/app/delayconsumer"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/config"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/logger"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/rabbitmq"
)

// Run consumes the ready queue until ctx is cancelled.
func Run(ctx context.Context, configPath string, workers, prefetch int) error {
	logger := logger.NewLogger("delay-consumer")
	defer func() { _ = logger.Sync() }()
	ctx = logger.WithRequestID(ctx, "startup-001")

	cfg, err := cmd.LoadConfig(ctx, configPath, logger)
	if err != nil {
		return err
	}
	if cfg.Broker.Kind != config.BrokerRabbitMQ {
		return fmt.Errorf("delay-consumer needs broker.kind=%s; use standalone mode for %q", config.BrokerRabbitMQ, cfg.Broker.Kind)
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

	evaluator := service.NewEvaluator(
		service.WithStore(store, cfg.Store.RefetchStatus),
		service.WithObserver(service.NewLogObserver(logger)),
	)
	consumer := service.NewConsumer(rmq, evaluator, topology.ReadyQueue, consumerTag(), workers, prefetch, logger,
		service.WithRetry(rmq, topology, cfg.Delay.MaxAttempts))

	logger.Info(ctx, "service_started", "Delay consumer started", map[string]any{
		"queue":    topology.ReadyQueue,
		"workers":  workers,
		"prefetch": prefetch,
		"store":    cfg.Store.Driver,
		"refetch":  cfg.Store.RefetchStatus,
	})

	err = consumer.Run(ctx)
	logger.Info(context.WithoutCancel(ctx), "service_stopped", "Delay consumer stopped", nil)
	return err
}

func consumerTag() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("delay-consumer-%s-%d", host, os.Getpid())
}
