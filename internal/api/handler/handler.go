package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/notify-dispatch/internal/dispatcher"
	"github.com/cuongbtq/notify-dispatch/internal/status"
	"github.com/cuongbtq/notify-dispatch/internal/storage"
)

// Submitter accepts notifications for asynchronous delivery
type Submitter interface {
	Submit(ctx context.Context, req dispatcher.SubmitRequest) (*dispatcher.SubmitResult, error)
}

// StatusReader looks up job state
type StatusReader interface {
	GetStatus(ctx context.Context, jobID string) (*status.View, error)
	List(ctx context.Context, filter storage.JobFilter) (*status.Page, error)
}

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	ServiceName string
	Submitter   Submitter
	Status      StatusReader
	// HealthChecks are run by GET /health, keyed by dependency name
	HealthChecks map[string]HealthCheck
}

// NotificationHandler handles notification HTTP requests
type NotificationHandler struct {
	logger    *slog.Logger
	submitter Submitter
	status    StatusReader
}

// NewNotificationHandler creates a new NotificationHandler instance
func NewNotificationHandler(deps *Dependencies) *NotificationHandler {
	return &NotificationHandler{
		logger:    deps.Logger,
		submitter: deps.Submitter,
		status:    deps.Status,
	}
}
