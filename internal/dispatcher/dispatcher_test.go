package dispatcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/notify-dispatch/internal/domain"
	"github.com/cuongbtq/notify-dispatch/shared/rabbitmq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakeStore struct {
	mu        sync.Mutex
	jobs      map[string]*domain.Job
	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*domain.Job)}
}

func (s *fakeStore) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	job.Status = domain.StatusPending
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *fakeStore) FindByID(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *fakeStore) get(id string) *domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type fakePublisher struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, body []byte, contentType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *fakePublisher) published() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bodies
}

type testEnv struct {
	dispatcher *Dispatcher
	store      *fakeStore
	publisher  *fakePublisher
	redis      *miniredis.Miniredis
	reader     *sdkmetric.ManualReader
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	env := &testEnv{
		store:     newFakeStore(),
		publisher: &fakePublisher{},
		redis:     mr,
		reader:    reader,
	}
	env.dispatcher = New(&Config{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:       env.store,
		Publisher:   env.publisher,
		Idempotency: NewRedisIdempotency(rdb, time.Hour),
		Timeout:     time.Second,
		Meter:       mp.Meter("test"),
	})
	return env
}

func (e *testEnv) submissions(t *testing.T) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, e.reader.Collect(context.Background(), &rm))

	counts := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "notify.dispatcher.submissions" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key("outcome"))
				counts[v.AsString()] += dp.Value
			}
		}
	}
	return counts
}

var reminder = domain.Payload{Title: "Reminder", Description: "Pay invoice #42"}

func TestSubmit_Accepted(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.dispatcher.Submit(context.Background(), SubmitRequest{Payload: reminder})
	require.NoError(t, err)

	assert.True(t, result.Accepted)
	assert.False(t, result.Replayed)
	assert.Equal(t, domain.StatusPending, result.Status)

	job := env.store.get(result.JobID)
	require.NotNil(t, job, "job must exist as soon as Submit returns")
	assert.Equal(t, domain.StatusPending, job.Status)
	assert.Equal(t, 0, job.RetryCount)

	bodies := env.publisher.published()
	require.Len(t, bodies, 1)
	msg, err := domain.DecodeQueueMessage(bodies[0])
	require.NoError(t, err)
	assert.Equal(t, domain.MessageVersion, msg.Version)
	assert.Equal(t, result.JobID, msg.JobID)
	assert.Equal(t, reminder.Title, msg.Payload.Title)

	assert.Equal(t, int64(1), env.submissions(t)[outcomeAccepted])
}

func TestSubmit_InvalidPayload(t *testing.T) {
	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{name: "missing title", req: SubmitRequest{Payload: domain.Payload{Description: "x"}}},
		{name: "missing description", req: SubmitRequest{Payload: domain.Payload{Title: "x"}}},
		{
			name: "idempotency key too long",
			req:  SubmitRequest{Payload: reminder, IdempotencyKey: string(make([]byte, MaxIdempotencyKeyLength+1))},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			result, err := env.dispatcher.Submit(context.Background(), tt.req)

			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidPayload)
			assert.Nil(t, result)
			assert.Zero(t, env.store.count())
			assert.Empty(t, env.publisher.published())
			assert.Equal(t, int64(1), env.submissions(t)[outcomeInvalid])
		})
	}
}

func TestSubmit_Busy(t *testing.T) {
	busyErrors := []error{
		rabbitmq.ErrNotConnected,
		rabbitmq.ErrFlowControlled,
		rabbitmq.ErrPublishNacked,
		rabbitmq.ErrConfirmTimeout,
	}

	for _, pubErr := range busyErrors {
		t.Run(pubErr.Error(), func(t *testing.T) {
			env := newTestEnv(t)
			env.publisher.err = pubErr

			result, err := env.dispatcher.Submit(context.Background(), SubmitRequest{Payload: reminder, IdempotencyKey: "k1"})

			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrBusy)
			assert.Nil(t, result, "a busy submission is never reported as accepted")

			// the row stays PENDING; the broker may still hold the message
			require.Equal(t, 1, env.store.count())
			for _, job := range env.store.jobs {
				assert.Equal(t, domain.StatusPending, job.Status)
				assert.Empty(t, job.LastError)
			}

			// key released so the client can retry
			assert.False(t, env.redis.Exists(idempotencyKeyPrefix+"k1"))
			assert.Equal(t, int64(1), env.submissions(t)[outcomeBusy])
		})
	}
}

func TestSubmit_PublishError(t *testing.T) {
	env := newTestEnv(t)
	env.publisher.err = errors.New("encoder exploded")

	_, err := env.dispatcher.Submit(context.Background(), SubmitRequest{Payload: reminder})

	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrBusy)
	assert.Equal(t, int64(1), env.submissions(t)[outcomeError])
}

func TestSubmit_StoreFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.createErr = domain.NewStoreError("create", errors.New("connection refused"))

	result, err := env.dispatcher.Submit(context.Background(), SubmitRequest{Payload: reminder, IdempotencyKey: "k1"})

	require.Error(t, err)
	assert.True(t, domain.IsStoreError(err))
	assert.Nil(t, result)
	assert.Empty(t, env.publisher.published(), "nothing is published without a stored job")
	assert.False(t, env.redis.Exists(idempotencyKeyPrefix+"k1"))
}

func TestSubmit_IdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	req := SubmitRequest{Payload: reminder, IdempotencyKey: "order-42"}

	first, err := env.dispatcher.Submit(context.Background(), req)
	require.NoError(t, err)

	second, err := env.dispatcher.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.JobID, second.JobID)
	assert.True(t, second.Accepted)
	assert.True(t, second.Replayed)
	assert.Equal(t, domain.StatusPending, second.Status)
	assert.Equal(t, 1, env.store.count())
	assert.Len(t, env.publisher.published(), 1)

	counts := env.submissions(t)
	assert.Equal(t, int64(1), counts[outcomeAccepted])
	assert.Equal(t, int64(1), counts[outcomeReplayed])
}

func TestSubmit_IdempotentReplayReportsCurrentStatus(t *testing.T) {
	env := newTestEnv(t)
	req := SubmitRequest{Payload: reminder, IdempotencyKey: "order-44"}

	first, err := env.dispatcher.Submit(context.Background(), req)
	require.NoError(t, err)

	env.store.mu.Lock()
	env.store.jobs[first.JobID].Status = domain.StatusSent
	env.store.mu.Unlock()

	second, err := env.dispatcher.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, second.Status)
}

// gatedPublisher blocks inside Publish until told how to answer
type gatedPublisher struct {
	entered chan struct{}
	answer  chan error
}

func newGatedPublisher() *gatedPublisher {
	return &gatedPublisher{entered: make(chan struct{}, 1), answer: make(chan error, 1)}
}

func (p *gatedPublisher) Publish(ctx context.Context, _ []byte, _ string) error {
	p.entered <- struct{}{}
	select {
	case err := <-p.answer:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSubmit_ReplayWhileFirstInFlight(t *testing.T) {
	tests := []struct {
		name         string
		firstOutcome error
		wantReplay   bool
	}{
		{name: "first publish rejected", firstOutcome: rabbitmq.ErrFlowControlled, wantReplay: false},
		{name: "first publish confirmed", firstOutcome: nil, wantReplay: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			gate := newGatedPublisher()
			env.dispatcher.publisher = gate
			req := SubmitRequest{Payload: reminder, IdempotencyKey: "order-45"}

			type submitted struct {
				result *SubmitResult
				err    error
			}
			firstDone := make(chan submitted, 1)
			go func() {
				result, err := env.dispatcher.Submit(context.Background(), req)
				firstDone <- submitted{result, err}
			}()
			<-gate.entered

			// the first publish has not been confirmed yet
			second, err := env.dispatcher.Submit(context.Background(), req)
			require.ErrorIs(t, err, domain.ErrBusy)
			assert.Nil(t, second)
			assert.Equal(t, 1, env.store.count())

			gate.answer <- tt.firstOutcome
			first := <-firstDone

			env.dispatcher.publisher = env.publisher
			third, err := env.dispatcher.Submit(context.Background(), req)
			require.NoError(t, err)

			if tt.wantReplay {
				require.NoError(t, first.err)
				assert.True(t, third.Replayed)
				assert.Equal(t, first.result.JobID, third.JobID)
				assert.Equal(t, 1, env.store.count())
			} else {
				require.ErrorIs(t, first.err, domain.ErrBusy)
				assert.False(t, third.Replayed, "a rejected submission is never replayed as accepted")
				assert.Equal(t, 2, env.store.count())
				assert.Len(t, env.publisher.published(), 1)
			}
		})
	}
}

func TestSubmit_RetryAfterBusy(t *testing.T) {
	env := newTestEnv(t)
	req := SubmitRequest{Payload: reminder, IdempotencyKey: "order-43"}

	env.publisher.err = rabbitmq.ErrFlowControlled
	_, err := env.dispatcher.Submit(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrBusy)

	env.publisher.err = nil
	result, err := env.dispatcher.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, result.Replayed)
	assert.Equal(t, domain.StatusPending, env.store.get(result.JobID).Status)
}

func TestSubmit_WithoutIdempotencyStore(t *testing.T) {
	store := newFakeStore()
	publisher := &fakePublisher{}
	d := New(&Config{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:     store,
		Publisher: publisher,
	})

	req := SubmitRequest{Payload: reminder, IdempotencyKey: "ignored"}
	first, err := d.Submit(context.Background(), req)
	require.NoError(t, err)
	second, err := d.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.NotEqual(t, first.JobID, second.JobID)
	assert.Equal(t, 2, store.count())
}

func TestRedisIdempotency(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := NewRedisIdempotency(rdb, time.Hour)
	ctx := context.Background()
	redisKey := idempotencyKeyPrefix + "k"

	_, reserved, err := store.Reserve(ctx, "k", "job-1")
	require.NoError(t, err)
	assert.True(t, reserved)

	holder, reserved, err := store.Reserve(ctx, "k", "job-2")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, Reservation{JobID: "job-1"}, holder)

	// another submission cannot release or commit job-1's key
	require.NoError(t, store.Release(ctx, "k", "job-2"))
	require.NoError(t, store.Commit(ctx, "k", "job-2"))
	v, err := mr.Get(redisKey)
	require.NoError(t, err)
	assert.Equal(t, "pending:job-1", v)

	require.NoError(t, store.Commit(ctx, "k", "job-1"))
	holder, _, err = store.Reserve(ctx, "k", "job-3")
	require.NoError(t, err)
	assert.Equal(t, Reservation{JobID: "job-1", Committed: true}, holder)
	assert.Greater(t, mr.TTL(redisKey), DefaultPendingTTL, "committed keys get the full ttl")

	// committed keys survive a release
	require.NoError(t, store.Release(ctx, "k", "job-1"))
	assert.True(t, mr.Exists(redisKey))

	mr.FastForward(2 * time.Hour)
	_, reserved, err = store.Reserve(ctx, "k", "job-4")
	require.NoError(t, err)
	assert.True(t, reserved, "expired keys can be reused")
}

func TestRedisIdempotency_PendingExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := NewRedisIdempotency(rdb, time.Hour)
	ctx := context.Background()

	_, reserved, err := store.Reserve(ctx, "k", "job-1")
	require.NoError(t, err)
	require.True(t, reserved)

	// a submitter that died mid-publish does not block the key for long
	mr.FastForward(DefaultPendingTTL + time.Second)

	_, reserved, err = store.Reserve(ctx, "k", "job-2")
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestRedisIdempotency_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	_, _, err := NewRedisIdempotency(rdb, time.Minute).Reserve(context.Background(), "k", "job-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis setnx")
}
