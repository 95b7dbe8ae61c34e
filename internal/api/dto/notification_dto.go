package dto

import "github.com/cuongbtq/notify-dispatch/internal/domain"

// IdempotencyKeyHeader lets clients retry a submission safely
const IdempotencyKeyHeader = "Idempotency-Key"

type SubmitNotificationRequest struct {
	Title       string            `json:"title" binding:"required"`
	Description string            `json:"description" binding:"required"`
	Recipient   string            `json:"recipient"`
	Channel     string            `json:"channel"`
	Metadata    map[string]string `json:"metadata"`
}

// Payload converts the request into the stored notification content
func (r SubmitNotificationRequest) Payload() domain.Payload {
	return domain.Payload{
		Title:       r.Title,
		Description: r.Description,
		Recipient:   r.Recipient,
		Channel:     r.Channel,
		Metadata:    r.Metadata,
	}
}

type SubmitNotificationResponse struct {
	JobID    string `json:"job_id"`
	Accepted bool   `json:"accepted"`
	Status   string `json:"status,omitempty"`
	Replayed bool   `json:"replayed,omitempty"`
}

type ListNotificationsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListNotificationsResponse struct {
	Jobs       []JobStatusDTO `json:"jobs"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type JobStatusDTO struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
