package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Job is a notification job as recorded in the job store.
type Job struct {
	ID         string    `db:"id" json:"id"`
	Payload    Payload   `db:"payload" json:"payload"`
	Status     Status    `db:"status" json:"status"`
	RetryCount int       `db:"retry_count" json:"retry_count"`
	LastError  string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Payload is the notification content. It is immutable once the job exists.
type Payload struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Recipient   string            `json:"recipient,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate checks the fields a delivery needs.
func (p Payload) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.Description) == "" {
		return fmt.Errorf("%w: description is required", ErrInvalidPayload)
	}
	return nil
}

// Value implements driver.Valuer so the payload is stored as jsonb.
func (p Payload) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner for jsonb payload columns.
func (p *Payload) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	case nil:
		*p = Payload{}
		return nil
	default:
		return fmt.Errorf("unsupported payload column type %T", src)
	}
	return json.Unmarshal(data, p)
}
