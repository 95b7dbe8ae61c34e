// Package status answers read-only questions about job state.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/notify-dispatch/internal/domain"
	"github.com/cuongbtq/notify-dispatch/internal/storage"
	"github.com/google/uuid"
)

// JobReader is the read side of the job store
type JobReader interface {
	FindByID(ctx context.Context, id string) (*domain.Job, error)
	List(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error)
}

// View is the externally visible state of one job
type View struct {
	JobID      string        `json:"job_id"`
	Status     domain.Status `json:"status"`
	RetryCount int           `json:"retry_count"`
	LastError  string        `json:"last_error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Page is one slice of a listing. Next is nil on the last page.
type Page struct {
	Jobs []View
	Next *storage.JobCursor
}

// Query reads job status straight from the store. It holds no cache, so
// a job is never reported SENT before that write is committed.
type Query struct {
	store JobReader
}

// NewQuery creates a Query
func NewQuery(store JobReader) *Query {
	return &Query{store: store}
}

// GetStatus returns the job's current state or domain.ErrJobNotFound.
// Malformed ids are reported as not found without touching the store.
func (q *Query) GetStatus(ctx context.Context, jobID string) (*View, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}

	job, err := q.store.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	view := viewOf(job)
	return &view, nil
}

// List returns up to filter.PageSize jobs, newest first
func (q *Query) List(ctx context.Context, filter storage.JobFilter) (*Page, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidPayload, filter.Status)
	}
	if filter.PageSize <= 0 {
		filter.PageSize = storage.DefaultPageSize
	}
	if filter.PageSize > storage.MaxPageSize {
		filter.PageSize = storage.MaxPageSize
	}

	jobs, err := q.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	page := &Page{}
	if len(jobs) > filter.PageSize {
		jobs = jobs[:filter.PageSize]
		last := jobs[len(jobs)-1]
		page.Next = &storage.JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID}
	}

	page.Jobs = make([]View, 0, len(jobs))
	for i := range jobs {
		page.Jobs = append(page.Jobs, viewOf(&jobs[i]))
	}
	return page, nil
}

func viewOf(job *domain.Job) View {
	return View{
		JobID:      job.ID,
		Status:     job.Status,
		RetryCount: job.RetryCount,
		LastError:  job.LastError,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
}
