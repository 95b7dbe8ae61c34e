// Package sink holds the delivery endpoints a worker hands notifications to.
package sink

import (
	"context"
	"errors"

	"github.com/cuongbtq/notify-dispatch/internal/domain"
)

// ErrDeliveryFailed is returned when the provider rejected the notification.
var ErrDeliveryFailed = errors.New("delivery failed")

// Sink delivers one notification. Implementations must honour ctx
// cancellation; the worker bounds every call with a deadline. The same
// job may be delivered more than once, so jobID is passed through for
// receivers that dedupe.
type Sink interface {
	Deliver(ctx context.Context, jobID string, payload domain.Payload) error
}
