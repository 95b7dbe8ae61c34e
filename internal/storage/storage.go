package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/notify-dispatch/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const jobColumns = `id, payload, status, retry_count, last_error, created_at, updated_at`

// Storage is the PostgreSQL-backed job store. Every write touches a single
// row keyed by job id, so no cross-row transactions are needed.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// Create persists job as PENDING with retry_count 0. An id is allocated
// when job.ID is empty; the caller gets the full record back through job.
func (s *Storage) Create(ctx context.Context, job *domain.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	job.Status = domain.StatusPending
	job.RetryCount = 0
	job.LastError = ""
	job.CreatedAt = now
	job.UpdatedAt = now

	query := `
		INSERT INTO notification_jobs (
			id, payload, status, retry_count, last_error, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.ID,
		job.Payload,
		job.Status,
		job.RetryCount,
		job.LastError,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return domain.NewStoreError("create", err)
	}

	s.logger.Debug("Job created",
		slog.String("job_id", job.ID),
	)

	return nil
}

// FindByID returns the job with the given id or domain.ErrJobNotFound.
func (s *Storage) FindByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM notification_jobs WHERE id = $1`

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, domain.NewStoreError("find", err)
	}

	return &job, nil
}

// UpdateStatus moves a job to status in one guarded statement, optionally
// incrementing retry_count. The row only changes when its current status is
// an allowed predecessor of status. Re-applying a terminal status the job
// already holds is a no-op that returns the stored record.
func (s *Storage) UpdateStatus(ctx context.Context, jobID string, status domain.Status, incrementRetry bool, lastError string) (*domain.Job, error) {
	allowed := domain.AllowedFrom(status)
	if len(allowed) == 0 {
		return nil, fmt.Errorf("%w: no transition into %s", domain.ErrInvalidTransition, status)
	}

	from := make([]string, len(allowed))
	for i, st := range allowed {
		from[i] = string(st)
	}

	query := `
		UPDATE notification_jobs
		SET status = $2,
		    retry_count = retry_count + CASE WHEN $3::boolean THEN 1 ELSE 0 END,
		    last_error = $4,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = ANY($5)
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, jobID, status, incrementRetry, lastError, pq.Array(from))
	if err == nil {
		s.logger.Info("Job status updated",
			slog.String("job_id", jobID),
			slog.String("status", string(status)),
			slog.Int("retry_count", job.RetryCount),
		)
		return &job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewStoreError("update status", err)
	}

	current, err := s.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if current.Status == status && status.Terminal() {
		s.logger.Debug("Job already in terminal status, update skipped",
			slog.String("job_id", jobID),
			slog.String("status", string(status)),
		)
		return current, nil
	}

	return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.Status, status)
}

// Page size bounds for List
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// JobFilter narrows a List call.
type JobFilter struct {
	Status   domain.Status
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is a keyset position in (created_at, id) descending order.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// List returns up to PageSize+1 jobs, newest first. The extra row tells the
// caller whether another page exists.
func (s *Storage) List(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	if filter.PageSize <= 0 || filter.PageSize > MaxPageSize {
		filter.PageSize = DefaultPageSize
	}

	query := `SELECT ` + jobColumns + ` FROM notification_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, domain.NewStoreError("list", err)
	}

	return jobs, nil
}

// Ping checks the store is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return domain.NewStoreError("ping", err)
	}
	return nil
}
