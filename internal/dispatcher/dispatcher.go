// Package dispatcher accepts notification requests, records them in the job
// store and enqueues them for the worker pool.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/notify-dispatch/internal/domain"
	"github.com/cuongbtq/notify-dispatch/shared/rabbitmq"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/cuongbtq/notify-dispatch/internal/dispatcher"

// MaxIdempotencyKeyLength bounds client supplied keys
const MaxIdempotencyKeyLength = 255

// Submission outcomes recorded on notify.dispatcher.submissions
const (
	outcomeAccepted = "accepted"
	outcomeReplayed = "replayed"
	outcomeBusy     = "busy"
	outcomeInvalid  = "invalid"
	outcomeError    = "error"
)

// JobStore is the slice of the job store the dispatcher uses
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	FindByID(ctx context.Context, id string) (*domain.Job, error)
}

// Publisher enqueues an encoded message. Rejections caused by broker
// backpressure must wrap rabbitmq.ErrBackpressure.
type Publisher interface {
	Publish(ctx context.Context, body []byte, contentType string) error
}

// Reservation is the current holder of an idempotency key
type Reservation struct {
	JobID string
	// Committed is false while the holder's publish is still in flight
	Committed bool
}

// IdempotencyStore maps client keys to the job they created. A key is
// reserved before the job is stored and committed once it is enqueued.
type IdempotencyStore interface {
	// Reserve claims key for jobID unless it is already held, in which case
	// it returns the holder and reserved=false.
	Reserve(ctx context.Context, key, jobID string) (holder Reservation, reserved bool, err error)
	// Commit marks jobID's reservation as enqueued.
	Commit(ctx context.Context, key, jobID string) error
	// Release drops jobID's reservation if it is still uncommitted.
	Release(ctx context.Context, key, jobID string) error
}

// Config holds dispatcher dependencies
type Config struct {
	Logger    *slog.Logger
	Store     JobStore
	Publisher Publisher
	// Idempotency is optional; without it keys are ignored
	Idempotency IdempotencyStore
	// Timeout bounds one Submit call end to end; zero means no bound
	Timeout time.Duration
	// Meter defaults to the global OTel meter
	Meter metric.Meter
}

// SubmitRequest is one notification to deliver
type SubmitRequest struct {
	Payload        domain.Payload
	IdempotencyKey string
}

// SubmitResult is returned for accepted submissions
type SubmitResult struct {
	JobID    string
	Accepted bool
	// Replayed is set when the idempotency key matched an earlier submit
	Replayed bool
	Status   domain.Status
}

// Dispatcher persists then publishes notification jobs
type Dispatcher struct {
	logger      *slog.Logger
	store       JobStore
	publisher   Publisher
	idempotency IdempotencyStore
	timeout     time.Duration
	submissions metric.Int64Counter
}

// New creates a Dispatcher
func New(cfg *Config) *Dispatcher {
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	submissions, err := meter.Int64Counter(
		"notify.dispatcher.submissions",
		metric.WithDescription("Notification submissions by outcome"),
		metric.WithUnit("{submission}"),
	)
	if err != nil {
		cfg.Logger.Warn("Failed to create submissions counter",
			slog.Any("error", err),
		)
	}

	return &Dispatcher{
		logger:      cfg.Logger,
		store:       cfg.Store,
		publisher:   cfg.Publisher,
		idempotency: cfg.Idempotency,
		timeout:     cfg.Timeout,
		submissions: submissions,
	}
}

// Submit validates req, stores a PENDING job and publishes it. It returns
// once the broker has confirmed the message, never waiting for delivery.
//
// Errors: domain.ErrInvalidPayload for bad input, domain.ErrBusy when the
// broker pushed back or the idempotency key is held by an unconfirmed
// submit, a domain.StoreError when the job could not be saved.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	result, err := d.submit(ctx, req)
	d.record(ctx, result, err)
	return result, err
}

func (d *Dispatcher) submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := req.Payload.Validate(); err != nil {
		return nil, err
	}
	if len(req.IdempotencyKey) > MaxIdempotencyKeyLength {
		return nil, fmt.Errorf("%w: idempotency key longer than %d", domain.ErrInvalidPayload, MaxIdempotencyKeyLength)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	job := &domain.Job{
		ID:      uuid.New().String(),
		Payload: req.Payload,
	}

	key := req.IdempotencyKey
	if d.idempotency == nil {
		key = ""
	}

	if key != "" {
		holder, reserved, err := d.idempotency.Reserve(ctx, key, job.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if !reserved {
			return d.replay(ctx, holder)
		}
	}

	if err := d.store.Create(ctx, job); err != nil {
		d.logger.Error("Failed to create job",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		d.release(key, job.ID)
		return nil, err
	}

	body, err := domain.NewQueueMessage(job).Encode()
	if err != nil {
		d.release(key, job.ID)
		return nil, err
	}

	// A rejected job stays PENDING: after a confirm timeout the broker may
	// still hold the message and the worker must be able to deliver it.
	if err := d.publisher.Publish(ctx, body, "application/json"); err != nil {
		d.release(key, job.ID)

		if errors.Is(err, rabbitmq.ErrBackpressure) || errors.Is(err, context.DeadlineExceeded) {
			d.logger.Warn("Broker busy, submission rejected",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
			return nil, fmt.Errorf("%w: %v", domain.ErrBusy, err)
		}

		d.logger.Error("Failed to publish job",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("failed to publish job: %w", err)
	}

	d.commit(key, job.ID)

	d.logger.Info("Job accepted",
		slog.String("job_id", job.ID),
	)

	return &SubmitResult{
		JobID:    job.ID,
		Accepted: true,
		Status:   job.Status,
	}, nil
}

// replay answers a repeated idempotency key. A holder whose publish is
// still in flight may yet be rejected, so the caller is told to retry.
func (d *Dispatcher) replay(ctx context.Context, holder Reservation) (*SubmitResult, error) {
	if !holder.Committed {
		d.logger.Info("Idempotency key held by an in-flight submission",
			slog.String("job_id", holder.JobID),
		)
		return nil, fmt.Errorf("%w: submission with this idempotency key in progress", domain.ErrBusy)
	}

	job, err := d.store.FindByID(ctx, holder.JobID)
	if err != nil {
		d.logger.Error("Failed to load replayed job",
			slog.String("job_id", holder.JobID),
			slog.Any("error", err),
		)
		return nil, err
	}

	d.logger.Info("Idempotent replay of submission",
		slog.String("job_id", job.ID),
	)

	return &SubmitResult{
		JobID:    job.ID,
		Accepted: true,
		Replayed: true,
		Status:   job.Status,
	}, nil
}

// commit records that jobID reached the queue. On failure the pending
// reservation expires and a retried request creates a second job.
func (d *Dispatcher) commit(key, jobID string) {
	if key == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := d.idempotency.Commit(ctx, key, jobID); err != nil {
		d.logger.Warn("Failed to commit idempotency key",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

// release frees an idempotency key so a retried request is not answered
// with a job whose publish was rejected.
func (d *Dispatcher) release(key, jobID string) {
	if key == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := d.idempotency.Release(ctx, key, jobID); err != nil {
		d.logger.Warn("Failed to release idempotency key",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

func (d *Dispatcher) record(ctx context.Context, result *SubmitResult, err error) {
	outcome := outcomeAccepted
	switch {
	case err == nil && result != nil && result.Replayed:
		outcome = outcomeReplayed
	case err == nil:
	case errors.Is(err, domain.ErrBusy):
		outcome = outcomeBusy
	case errors.Is(err, domain.ErrInvalidPayload):
		outcome = outcomeInvalid
	default:
		outcome = outcomeError
	}

	d.submissions.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}
