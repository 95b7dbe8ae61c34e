package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/notify-dispatch/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery outcomes, used as the metrics "outcome" attribute
const (
	outcomeSent      = "sent"
	outcomeDuplicate = "duplicate"
	outcomeRetry     = "retry"
	outcomeExhausted = "exhausted"
	outcomePoison    = "poison"
	outcomeRejected  = "rejected"
	outcomeFatal     = "fatal"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop processes deliveries until jobsChan is closed
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for delivery := range w.jobsChan {
		w.handleDelivery(ctx, workerName, delivery)
	}

	w.logger.Debug("Worker goroutine stopping - jobsChan closed",
		slog.String("worker_name", workerName),
	)
}

// handleDelivery processes one delivery and settles it with the broker.
// The store write always happens before the ack or nack.
func (w *Worker) handleDelivery(ctx context.Context, workerName string, delivery amqp.Delivery) {
	start := time.Now()
	err := w.processDelivery(ctx, delivery)
	outcome := classify(err)
	w.metrics.record(ctx, outcome, time.Since(start))

	logger := w.logger.With(
		slog.String("worker_name", workerName),
		slog.Uint64("delivery_tag", delivery.DeliveryTag),
		slog.String("outcome", outcome),
	)

	switch outcome {
	case outcomeSent, outcomeDuplicate:
		if ackErr := delivery.Ack(false); ackErr != nil {
			logger.Error("Failed to ACK message",
				slog.Any("error", ackErr),
			)
		}

	case outcomeFatal:
		// leave the message unsettled; the broker redelivers it once our
		// channel is gone
		logger.Error("Job store unavailable, stopping worker",
			slog.Any("error", err),
		)
		w.fail(err)

	default:
		requeue := w.shouldRequeueJob(err)
		if nackErr := delivery.Nack(false, requeue); nackErr != nil {
			logger.Error("Failed to NACK message",
				slog.Any("error", nackErr),
			)
			return
		}
		logger.Info("Message NACKed",
			slog.Bool("requeue", requeue),
			slog.Any("error", err),
		)
	}
}

func classify(err error) string {
	var retryableErr *domain.RetryableError

	switch {
	case err == nil:
		return outcomeSent
	case errors.Is(err, errAlreadySettled):
		return outcomeDuplicate
	case errors.Is(err, ErrStoreUnavailable):
		return outcomeFatal
	case errors.Is(err, domain.ErrPoisonMessage):
		return outcomePoison
	case errors.Is(err, domain.ErrRetriesExhausted):
		return outcomeExhausted
	case errors.As(err, &retryableErr):
		return outcomeRetry
	default:
		return outcomeRejected
	}
}

// shouldRequeueJob determines if a job should be requeued based on the error type
func (w *Worker) shouldRequeueJob(err error) bool {
	// Poison messages go to the dead-letter queue
	if errors.Is(err, domain.ErrPoisonMessage) {
		return false
	}

	// Don't requeue if max retries exceeded
	if errors.Is(err, domain.ErrRetriesExhausted) {
		return false
	}

	// Requeue for transient/retryable errors
	var retryableErr *domain.RetryableError
	if errors.As(err, &retryableErr) {
		return true
	}

	// Default: don't requeue for unknown errors
	return false
}
