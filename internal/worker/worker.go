// Package worker consumes notification jobs from the queue, hands them to a
// delivery sink and settles each message with the broker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/notify-dispatch/internal/domain"
	"github.com/cuongbtq/notify-dispatch/internal/sink"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrStoreUnavailable is fatal: the worker stops without settling the
	// message it was working on.
	ErrStoreUnavailable = errors.New("job store unavailable")

	// ErrDeliveriesClosed is returned when the broker stopped delivering
	// without the worker being asked to stop.
	ErrDeliveriesClosed = errors.New("rabbitmq delivery channel closed")
)

// Store is the part of the job store the worker needs
type Store interface {
	FindByID(ctx context.Context, id string) (*domain.Job, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status, incrementRetry bool, lastError string) (*domain.Job, error)
}

// Broker is the consuming side of the broker connector
type Broker interface {
	Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
	Cancel(consumerTag string) error
}

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	Store    Store
	Broker   Broker
	Sink     sink.Sink
	WorkerID string

	Concurrency int
	Prefetch    int
	// DeliveryTimeout bounds every sink call
	DeliveryTimeout time.Duration
	// MaxRetries caps failed attempts per job; zero retries forever
	MaxRetries int

	StoreRetryAttempts int
	StoreRetryInterval time.Duration

	// Meter defaults to the global OTel meter
	Meter metric.Meter
}

// Worker represents the notification delivery worker
type Worker struct {
	logger          *slog.Logger
	store           Store
	broker          Broker
	sink            sink.Sink
	workerID        string
	concurrency     int
	prefetchCount   int
	deliveryTimeout time.Duration
	maxRetries      int
	storeAttempts   int
	storeInterval   time.Duration
	metrics         *metrics

	jobsChan chan amqp.Delivery
	wg       sync.WaitGroup

	failOnce sync.Once
	failed   chan struct{}
	fatalErr error
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}

	concurrency := max(cfg.Concurrency, 1)
	prefetch := max(cfg.Prefetch, concurrency)

	return &Worker{
		logger:          cfg.Logger,
		store:           cfg.Store,
		broker:          cfg.Broker,
		sink:            cfg.Sink,
		workerID:        workerID,
		concurrency:     concurrency,
		prefetchCount:   prefetch,
		deliveryTimeout: cfg.DeliveryTimeout,
		maxRetries:      cfg.MaxRetries,
		storeAttempts:   max(cfg.StoreRetryAttempts, 1),
		storeInterval:   cfg.StoreRetryInterval,
		metrics:         newMetrics(cfg.Meter, cfg.Logger),
		jobsChan:        make(chan amqp.Delivery),
		failed:          make(chan struct{}),
	}
}

// Start consumes until ctx is canceled, the delivery channel closes or a
// fatal error occurs. On the way out it cancels the consumer and waits
// for in-flight deliveries to be settled. Start can only be called once.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Int("prefetch", w.prefetchCount),
		slog.Duration("delivery_timeout", w.deliveryTimeout),
		slog.Int("max_retries", w.maxRetries),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	// in-flight work outlives ctx; it is bounded by the delivery timeout
	procCtx, cancelProc := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelProc()

	consumeCtx, stopConsuming := context.WithCancel(ctx)
	defer stopConsuming()

	go func() {
		select {
		case <-w.failed:
			stopConsuming()
		case <-consumeCtx.Done():
		}
	}()

	w.spawnWorkerPool(procCtx)

	closed := w.startMessageDispatcher(consumeCtx, deliveries)

	w.logger.Info("Stopping worker, draining in-flight deliveries",
		slog.String("worker_id", w.workerID),
	)

	if err := w.broker.Cancel(w.workerID); err != nil {
		w.logger.Warn("Failed to cancel consumer",
			slog.Any("error", err),
		)
	}

	close(w.jobsChan)
	w.wg.Wait()

	w.logger.Info("Worker stopped",
		slog.String("worker_id", w.workerID),
	)

	if err := w.Err(); err != nil {
		return err
	}
	if closed && ctx.Err() == nil {
		return ErrDeliveriesClosed
	}
	return nil
}

// fail records the first fatal error and stops consumption.
func (w *Worker) fail(err error) {
	w.failOnce.Do(func() {
		w.fatalErr = err
		close(w.failed)
	})
}

// Err returns the fatal error that stopped the worker, if any.
func (w *Worker) Err() error {
	select {
	case <-w.failed:
		return fmt.Errorf("worker %s: %w", w.workerID, w.fatalErr)
	default:
		return nil
	}
}
