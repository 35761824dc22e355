package standalone

import (
	"context"
	"fmt"
	"time"

	"git.platform.alem.school/amibragim/delayed-orders/cmd"
	"git.platform.alem.school/amibragim/delayed-orders/internal/app/delayconsumer"
	"git.platform.alem.school/amibragim/delayed-orders/internal/app/delayproducer"
	"git.platform.alem.school/amibragim/delayed-orders/internal/app/orderapi"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/logger"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/memq"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/rabbitmq"
)

// Options are the standalone mode flags.
type Options struct {
	ConfigPath    string
	Port          int
	MaxConcurrent int
	Workers       int
	Prefetch      int
	TTL           time.Duration // overrides delay.ttl when > 0
}

// Run serves the order API and the delay consumer in one process over the
// in-memory broker. Nothing survives a restart.
func Run(ctx context.Context, opts Options) error {
	logger := logger.NewLogger("standalone")
	defer func() { _ = logger.Sync() }()
	ctx = logger.WithRequestID(ctx, "startup-001")

	cfg, err := cmd.LoadConfig(ctx, opts.ConfigPath, logger)
	if err != nil {
		return err
	}
	if opts.TTL > 0 {
		cfg.Delay.TTL = opts.TTL
	}

	store, closeStore, err := cmd.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	topology := rabbitmq.TopologyFromConfig(cfg)
	if err := topology.Validate(); err != nil {
		return err
	}

	broker := memq.New()
	defer broker.Close()
	if err := topology.Declare(broker); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}

	producer := delayproducer.New(broker, topology, logger)
	evaluator := delayconsumer.NewEvaluator(
		delayconsumer.WithStore(store, cfg.Store.RefetchStatus),
		delayconsumer.WithObserver(delayconsumer.NewLogObserver(logger)),
	)
	consumer := delayconsumer.NewConsumer(broker, evaluator, topology.ReadyQueue, "standalone", opts.Workers, opts.Prefetch, logger,
		delayconsumer.WithRetry(broker, topology, cfg.Delay.MaxAttempts))
	h := orderapi.NewHandler(producer, broker, store, logger)

	logger.Info(ctx, "service_started", fmt.Sprintf("Standalone delayed orders started on port %d", opts.Port), map[string]any{
		"port":     opts.Port,
		"workers":  opts.Workers,
		"prefetch": opts.Prefetch,
		"delay":    topology.TTL.String(),
		"store":    cfg.Store.Driver,
	})

	// either side failing stops the other
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- consumer.Run(ctx)
		cancel()
	}()

	serveErr := orderapi.Serve(ctx, opts.Port, orderapi.NewRouter(h, opts.MaxConcurrent), logger)
	cancel()
	consumerErr := <-consumerDone

	if serveErr != nil {
		return serveErr
	}
	return consumerErr
}
