package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/orders/config"
	"example.com/backstage/services/orders/internal/cache"
	"example.com/backstage/services/orders/internal/domain"
	"example.com/backstage/services/orders/internal/eventstore"
	"example.com/backstage/services/orders/internal/gateways"
	"example.com/backstage/services/orders/internal/handlers"
	"example.com/backstage/services/orders/internal/idempotency"
	"example.com/backstage/services/orders/internal/messaging"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"
	"example.com/backstage/services/orders/internal/outbox"
	"example.com/backstage/services/orders/internal/repositories"
	"example.com/backstage/services/orders/internal/saga"
	"example.com/backstage/services/orders/internal/search"
	"example.com/backstage/services/orders/internal/subscribers"
	"example.com/backstage/services/orders/internal/subscription"
	"example.com/backstage/services/orders/internal/tracing"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long: `Start the background worker that consumes order commands from Azure
Service Bus, relays outbox events, feeds subscribers, and runs the
housekeeping jobs`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

	// Initialize database connections
	db, readOnlyDB, err := initDatabasesForWorker(cfg)
	if err != nil {
		return err
	}

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.NewDisabledTracer()
	}
	defer tracer.Close()

	// Initialize Elasticsearch client
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search indexing")
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Initialize the event store with the order event registry
	registry := domain.NewOrderRegistry()
	eventStore := eventstore.NewGormEventStore(db, registry, redisCache, metricsCollector)

	// Initialize saga dependencies
	instanceStore := saga.NewInstanceStore(db)
	orderRepo := repositories.NewOrderRepository(db, readOnlyDB)
	paymentClient := gateways.NewPaymentClient(cfg.Gateways)
	inventoryClient := gateways.NewInventoryClient(cfg.Gateways)
	orchestrator := saga.NewOrchestrator(eventStore, instanceStore, orderRepo,
		paymentClient, inventoryClient, metricsCollector, cfg.Saga)

	// Initialize command handling
	orderHandler := handlers.NewOrderHandler(eventStore, orderRepo, orchestrator)
	processor := messaging.NewProcessor(orderHandler, tracer)

	// Initialize Azure Service Bus clients
	broker, err := messaging.NewAzureBroker(cfg.Azure)
	if err != nil {
		return err
	}
	consumer, err := messaging.NewAzureConsumer(cfg.Azure)
	if err != nil {
		return err
	}

	// Start the outbox relay
	relay := outbox.NewRelay(db, broker, metricsCollector, cfg.Outbox)
	relay.Start()

	// Start the subscription poller feeding the search indexer
	guard := idempotency.NewGuard(db, metricsCollector, cfg.Processing)
	tracker := subscription.NewTracker(db, registry)
	var poller *subscription.Poller
	if elasticClient != nil {
		indexer := subscribers.NewSearchIndexer(elasticClient)
		poller = subscription.NewPoller(tracker, guard, indexer, cfg.Subscription)
		poller.Start()
	}

	// Start the command queue consumer
	g.Go(func() error {
		log.Info().Str("queue", cfg.Azure.CommandQueueName).Msg("Starting order command consumer")
		return consumer.StartConsumers(ctx, cfg.Azure.CommandQueueName, processor)
	})

	// Start the housekeeping scheduler
	g.Go(func() error {
		return runScheduler(ctx, cfg, db, orchestrator, guard, metricsCollector)
	})

	// Stop the pollers once the context is cancelled
	g.Go(func() error {
		<-ctx.Done()
		if poller != nil {
			poller.Stop()
		}
		relay.Stop()
		if err := consumer.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close consumer")
		}
		if err := broker.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close broker")
		}
		return nil
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

// runScheduler runs the recurring jobs: published event retention, saga
// resumption after crashes, and the dead-letter watchdog.
func runScheduler(ctx context.Context, cfg config.Config, db *gorm.DB, orchestrator *saga.Orchestrator, guard *idempotency.Guard, metricsCollector *metrics.Metrics) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	sweeper := outbox.NewSweeper(db, cfg.Retention.Days)
	_, err = scheduler.NewJob(
		gocron.DurationJob(cfg.Retention.SweepInterval),
		gocron.NewTask(func() {
			deleted, err := sweeper.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to sweep published events")
				return
			}
			if deleted > 0 {
				log.Info().Int64("deleted", deleted).Msg("Swept published events past retention")
			}
		}),
	)
	if err != nil {
		return err
	}

	// Resume sagas that a previous process left unfinished
	_, err = scheduler.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(func() {
			if err := orchestrator.ResumeUnfinished(ctx, 20); err != nil {
				log.Error().Err(err).Msg("Failed to resume unfinished sagas")
			}
		}),
	)
	if err != nil {
		return err
	}

	// Keep the dead-letter gauge current so operators see stuck events
	_, err = scheduler.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(func() {
			total, err := guard.CountDeadLetters(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to count dead letters")
				return
			}
			metricsCollector.SetGauge(metrics.GaugeDeadLetterTotal, total)
			if total > 0 {
				log.Error().Int64("total", total).Msg("Dead-lettered events require manual intervention")
			}
		}),
	)
	if err != nil {
		return err
	}

	scheduler.Start()

	// Wait for context cancellation
	<-ctx.Done()

	// Shutdown the scheduler
	return scheduler.Shutdown()
}

func initDatabasesForWorker(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
	// Initialize write database
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}

	// Initialize read-only database
	readOnlyDB, err := gorm.Open(postgres.Open(cfg.DB.ReadOnlyDSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
	}

	// Auto-migrate only the write database
	if cfg.EnableMigrations {
		if err := models.SetupModels(db); err != nil {
			return nil, nil, errors.Wrap(err, "failed to run migrations")
		}
	}

	// Configure connection pools for both databases
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying write DB connection")
	}
	sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	readSqlDB, err := readOnlyDB.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying read-only DB connection")
	}
	readSqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	readSqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	readSqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	return db, readOnlyDB, nil
}
