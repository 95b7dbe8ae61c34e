package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cuongbtq/notify-dispatch/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// maxStoreBackoff caps the delay between job store retries
const maxStoreBackoff = 10 * time.Second

// errAlreadySettled marks a redelivery of a job that already reached a
// terminal status. The message is acked without calling the sink.
var errAlreadySettled = errors.New("job already in terminal status")

// processDelivery runs one delivery attempt. A nil error means the job is
// SENT in the store and the message can be acked.
func (w *Worker) processDelivery(ctx context.Context, delivery amqp.Delivery) error {
	msg, err := domain.DecodeQueueMessage(delivery.Body)
	if err != nil {
		w.logger.Error("Failed to decode queue message",
			slog.Any("error", err),
			slog.Int("body_size", len(delivery.Body)),
		)
		return err
	}

	var job *domain.Job
	err = w.withStoreRetry(ctx, "find", func(ctx context.Context) error {
		var findErr error
		job, findErr = w.store.FindByID(ctx, msg.JobID)
		return findErr
	})
	if errors.Is(err, domain.ErrJobNotFound) {
		return fmt.Errorf("%w: job %s not in store", domain.ErrPoisonMessage, msg.JobID)
	}
	if err != nil {
		return err
	}

	if job.Status.Terminal() {
		w.logger.Info("Duplicate delivery of settled job, skipping",
			slog.String("job_id", job.ID),
			slog.String("status", job.Status.String()),
		)
		return errAlreadySettled
	}

	if job.Status == domain.StatusFailed {
		job, err = w.updateStatus(ctx, job.ID, domain.StatusPending, false, job.LastError)
		if err != nil {
			return err
		}
	}

	w.logger.Info("Processing job",
		slog.String("job_id", job.ID),
		slog.Int("retry_count", job.RetryCount),
		slog.Bool("redelivered", delivery.Redelivered),
	)

	sinkErr := w.deliver(ctx, job)
	if sinkErr == nil {
		if _, err := w.updateStatus(ctx, job.ID, domain.StatusSent, false, ""); err != nil {
			return err
		}
		w.logger.Info("Job sent",
			slog.String("job_id", job.ID),
		)
		return nil
	}

	w.logger.Warn("Job delivery failed",
		slog.String("job_id", job.ID),
		slog.Any("error", sinkErr),
	)

	if w.maxRetries > 0 && job.RetryCount+1 >= w.maxRetries {
		if _, err := w.updateStatus(ctx, job.ID, domain.StatusFailedTerminal, true, sinkErr.Error()); err != nil {
			return err
		}
		w.logger.Warn("Job exceeded max retries",
			slog.String("job_id", job.ID),
			slog.Int("max_retries", w.maxRetries),
		)
		return fmt.Errorf("%w: %v", domain.ErrRetriesExhausted, sinkErr)
	}

	if _, err := w.updateStatus(ctx, job.ID, domain.StatusFailed, true, sinkErr.Error()); err != nil {
		return err
	}
	return domain.NewRetryableError(fmt.Errorf("job delivery failed: %w", sinkErr))
}

// deliver calls the sink bounded by the delivery timeout.
func (w *Worker) deliver(ctx context.Context, job *domain.Job) error {
	if w.deliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.deliveryTimeout)
		defer cancel()
	}

	if err := w.sink.Deliver(ctx, job.ID, job.Payload); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("delivery timed out after %s: %w", w.deliveryTimeout, err)
		}
		return err
	}
	return nil
}

// updateStatus writes a transition with store retries. A transition the
// store refuses means another delivery of the same job moved it first; the
// message is requeued so the next attempt sees the settled state.
func (w *Worker) updateStatus(ctx context.Context, jobID string, status domain.Status, incrementRetry bool, lastError string) (*domain.Job, error) {
	var job *domain.Job
	err := w.withStoreRetry(ctx, "update "+status.String(), func(ctx context.Context) error {
		var updateErr error
		job, updateErr = w.store.UpdateStatus(ctx, jobID, status, incrementRetry, lastError)
		return updateErr
	})

	switch {
	case err == nil:
		return job, nil
	case errors.Is(err, domain.ErrInvalidTransition):
		w.logger.Warn("Concurrent status change detected",
			slog.String("job_id", jobID),
			slog.String("target_status", status.String()),
			slog.Any("error", err),
		)
		return nil, domain.NewRetryableError(err)
	case errors.Is(err, domain.ErrJobNotFound):
		return nil, fmt.Errorf("%w: job %s vanished from store", domain.ErrPoisonMessage, jobID)
	default:
		return nil, err
	}
}

// withStoreRetry retries fn while it fails with a StoreError, backing off
// exponentially. Exhaustion is reported as ErrStoreUnavailable.
func (w *Worker) withStoreRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= w.storeAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !domain.IsStoreError(err) {
			return err
		}

		w.logger.Warn("Job store operation failed",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", w.storeAttempts),
			slog.Any("error", err),
		)

		if attempt == w.storeAttempts {
			break
		}

		timer := time.NewTimer(storeBackoff(w.storeInterval, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s interrupted: %w", ErrStoreUnavailable, op, err)
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w: %s failed after %d attempts: %w", ErrStoreUnavailable, op, w.storeAttempts, err)
}

// storeBackoff returns interval * 2^(attempt-1), capped at maxStoreBackoff.
func storeBackoff(interval time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(interval) * math.Pow(2, float64(attempt-1)))
	if d > maxStoreBackoff || d < 0 {
		return maxStoreBackoff
	}
	return d
}
