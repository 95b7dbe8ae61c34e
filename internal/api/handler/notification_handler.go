package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/notify-dispatch/internal/api/dto"
	"github.com/cuongbtq/notify-dispatch/internal/dispatcher"
	"github.com/cuongbtq/notify-dispatch/internal/domain"
	"github.com/cuongbtq/notify-dispatch/internal/status"
	"github.com/cuongbtq/notify-dispatch/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// busyRetryAfter is the Retry-After hint, in seconds, sent with 503
const busyRetryAfter = "5"

// SubmitNotification handles POST /api/v1/notifications
// Persists the notification and enqueues it; delivery happens asynchronously
func (h *NotificationHandler) SubmitNotification(c *gin.Context) {
	var req dto.SubmitNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	result, err := h.submitter.Submit(c.Request.Context(), dispatcher.SubmitRequest{
		Payload:        req.Payload(),
		IdempotencyKey: c.GetHeader(dto.IdempotencyKeyHeader),
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidPayload):
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		case errors.Is(err, domain.ErrBusy):
			c.Header("Retry-After", busyRetryAfter)
			c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "Service busy, retry later"})
		default:
			h.logger.Error("Failed to submit notification", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to submit notification"})
		}
		return
	}

	c.JSON(http.StatusAccepted, dto.SubmitNotificationResponse{
		JobID:    result.JobID,
		Accepted: result.Accepted,
		Status:   string(result.Status),
		Replayed: result.Replayed,
	})
}

// GetNotification handles GET /api/v1/notifications/:job_id
// Returns the job's current delivery state
func (h *NotificationHandler) GetNotification(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID"})
		return
	}

	view, err := h.status.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Notification not found"})
			return
		}
		h.logger.Error("Failed to get job status",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to get notification"})
		return
	}

	c.JSON(http.StatusOK, toStatusDTO(view))
}

// ListNotifications handles GET /api/v1/notifications
// Lists jobs newest first with optional status filter and cursor pagination
func (h *NotificationHandler) ListNotifications(c *gin.Context) {
	var req dto.ListNotificationsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	page, err := h.status.List(c.Request.Context(), storage.JobFilter{
		Status:   domain.Status(req.Status),
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidPayload) {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
			return
		}
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to list notifications"})
		return
	}

	resp := dto.ListNotificationsResponse{
		Jobs: make([]dto.JobStatusDTO, 0, len(page.Jobs)),
	}
	for i := range page.Jobs {
		resp.Jobs = append(resp.Jobs, toStatusDTO(&page.Jobs[i]))
	}
	if page.Next != nil {
		resp.NextCursor = EncodeJobCursor(page.Next)
	}

	c.JSON(http.StatusOK, resp)
}

func toStatusDTO(view *status.View) dto.JobStatusDTO {
	return dto.JobStatusDTO{
		JobID:      view.JobID,
		Status:     string(view.Status),
		RetryCount: view.RetryCount,
		LastError:  view.LastError,
		CreatedAt:  view.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:  view.UpdatedAt.Format(time.RFC3339Nano),
	}
}
