package worker

import (
	"context"
	"testing"

	"github.com/cuongbtq/notify-dispatch/internal/dispatcher"
	"github.com/cuongbtq/notify-dispatch/internal/domain"
	"github.com/cuongbtq/notify-dispatch/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lateConfirmPublisher queues the message but reports the confirm as lost
type lateConfirmPublisher struct {
	ack    amqp.Acknowledger
	queued []amqp.Delivery
}

func (p *lateConfirmPublisher) Publish(_ context.Context, body []byte, contentType string) error {
	p.queued = append(p.queued, amqp.Delivery{
		Acknowledger: p.ack,
		DeliveryTag:  uint64(len(p.queued) + 1),
		ContentType:  contentType,
		Body:         body,
	})
	return rabbitmq.ErrConfirmTimeout
}

func TestBusySubmissionStillDeliveredWhenQueued(t *testing.T) {
	store := newFakeStore()
	ack := newFakeAcknowledger()
	publisher := &lateConfirmPublisher{ack: ack}

	d := dispatcher.New(&dispatcher.Config{
		Logger:    testLogger(),
		Store:     store,
		Publisher: publisher,
	})

	_, err := d.Submit(context.Background(), dispatcher.SubmitRequest{
		Payload: domain.Payload{Title: "Reminder", Description: "Pay invoice #42"},
	})
	require.ErrorIs(t, err, domain.ErrBusy)
	require.Len(t, publisher.queued, 1)

	msg, err := domain.DecodeQueueMessage(publisher.queued[0].Body)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, store.get(msg.JobID).Status, "a busy submission stays PENDING")

	tw := newTestWorker(t, store, nil)
	tw.handleDelivery(context.Background(), "test-worker-0", publisher.queued[0])

	assert.Equal(t, int32(1), tw.sink.calls.Load())
	assert.Equal(t, domain.StatusSent, store.get(msg.JobID).Status)
	require.Len(t, ack.all(), 1)
	assert.Equal(t, settlement{tag: 1, acked: true}, ack.all()[0])
}
