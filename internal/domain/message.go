package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueueMessage is the body published to the notification queue.
// Version guards the wire shape so producer and consumer can evolve apart.
type QueueMessage struct {
	Version   int       `json:"version"`
	JobID     string    `json:"job_id"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// NewQueueMessage builds the current-version message for job.
func NewQueueMessage(job *Job) QueueMessage {
	return QueueMessage{
		Version:   MessageVersion,
		JobID:     job.ID,
		Payload:   job.Payload,
		CreatedAt: job.CreatedAt,
	}
}

// Encode serializes the message as JSON.
func (m QueueMessage) Encode() ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode queue message: %w", err)
	}
	return body, nil
}

// DecodeQueueMessage parses a queue body. Any failure wraps ErrPoisonMessage.
func DecodeQueueMessage(body []byte) (*QueueMessage, error) {
	var msg QueueMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: malformed json: %v", ErrPoisonMessage, err)
	}
	if msg.Version != MessageVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrPoisonMessage, msg.Version)
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return nil, fmt.Errorf("%w: invalid job_id %q", ErrPoisonMessage, msg.JobID)
	}
	return &msg, nil
}
