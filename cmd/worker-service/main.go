package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/notify-dispatch/internal/config"
	"github.com/cuongbtq/notify-dispatch/internal/sink"
	"github.com/cuongbtq/notify-dispatch/internal/storage"
	"github.com/cuongbtq/notify-dispatch/internal/worker"
	"github.com/cuongbtq/notify-dispatch/shared/logger"
	"github.com/cuongbtq/notify-dispatch/shared/postgresql"
	"github.com/cuongbtq/notify-dispatch/shared/rabbitmq"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Canceled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	jobStore := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	if cfg.Database.AutoMigrate {
		if err := jobStore.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(ctx, &cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	deliverySink := initSink(&cfg.Sink, appLogger.Logger)

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:             appLogger.Logger,
		Store:              jobStore,
		Broker:             rabbitClient,
		Sink:               deliverySink,
		WorkerID:           consumerTag(cfg.RabbitMQ.Consumer.TagPrefix),
		Concurrency:        cfg.Worker.Concurrency,
		Prefetch:           cfg.RabbitMQ.Consumer.PrefetchCount,
		DeliveryTimeout:    cfg.Worker.DeliveryTimeout,
		MaxRetries:         cfg.Worker.MaxRetries,
		StoreRetryAttempts: cfg.Worker.StoreRetryAttempts,
		StoreRetryInterval: cfg.Worker.StoreRetryInterval,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return workerInstance.Start(gctx)
	})

	// Broker loss is fatal: the unacked deliveries are already back on
	// the queue and a restart gets a fresh channel
	g.Go(func() error {
		select {
		case <-rabbitClient.Done():
			return fmt.Errorf("rabbitmq connection lost: %w", rabbitClient.Err())
		case <-gctx.Done():
			return nil
		}
	})

	appLogger.Info("Worker service started successfully",
		slog.String("sink", cfg.Sink.Type),
	)

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- g.Wait()
	}()

	<-gctx.Done()
	appLogger.Info("Shutting down worker service...")

	select {
	case err = <-waitErr:
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
		err = errors.New("worker shutdown timed out")
	}

	if err != nil {
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// consumerTag makes the consumer identifiable in the broker's management UI
func consumerTag(prefix string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s-%d", prefix, host, os.Getpid())
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectAttempts: cfg.ConnectAttempts,
		ConnectInterval: cfg.ConnectInterval,
	}

	return postgresql.NewClient(ctx, dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		QueueName:          cfg.Queue.Name,
		RoutingKey:         cfg.RoutingKey,
		DeadLetterExchange: cfg.DeadLetter.Exchange,
		DeadLetterQueue:    cfg.DeadLetter.Queue,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		ConfirmTimeout:     cfg.Publish.ConfirmTimeout,
	}

	return rabbitmq.NewClient(ctx, rabbitConfig, logger)
}

// initSink builds the configured delivery sink
func initSink(cfg *config.SinkConfig, logger *slog.Logger) sink.Sink {
	if cfg.Type == config.SinkWebhook {
		return sink.NewWebhook(sink.WebhookConfig{
			URL:           cfg.Webhook.URL,
			Token:         cfg.Webhook.Token,
			RatePerSecond: cfg.Webhook.RatePerSecond,
			Burst:         cfg.Webhook.Burst,
		}, nil, logger)
	}

	return sink.NewSimulated(sink.SimulatedConfig{
		MinLatency:  cfg.Simulated.MinLatency,
		MaxLatency:  cfg.Simulated.MaxLatency,
		FailureRate: cfg.Simulated.FailureRate,
	}, logger)
}
