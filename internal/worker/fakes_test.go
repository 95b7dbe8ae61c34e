package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuongbtq/notify-dispatch/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

type settlement struct {
	tag     uint64
	acked   bool
	requeue bool
}

type fakeAcknowledger struct {
	mu       sync.Mutex
	settled  []settlement
	notifyCh chan settlement
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{notifyCh: make(chan settlement, 64)}
}

func (a *fakeAcknowledger) add(s settlement) error {
	a.mu.Lock()
	a.settled = append(a.settled, s)
	a.mu.Unlock()
	a.notifyCh <- s
	return nil
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	return a.add(settlement{tag: tag, acked: true})
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	return a.add(settlement{tag: tag, requeue: requeue})
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.add(settlement{tag: tag, requeue: requeue})
}

func (a *fakeAcknowledger) all() []settlement {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]settlement(nil), a.settled...)
}

// fakeStore mirrors the PostgreSQL store's transition rules in memory.
type fakeStore struct {
	mu          sync.Mutex
	jobs        map[string]*domain.Job
	history     map[string][]domain.Status
	updateFails int // UpdateStatus calls left to fail with a StoreError; negative fails forever
	findFails   int
}

func newFakeStore(jobs ...*domain.Job) *fakeStore {
	s := &fakeStore{
		jobs:    make(map[string]*domain.Job),
		history: make(map[string][]domain.Status),
	}
	for _, job := range jobs {
		s.jobs[job.ID] = job
	}
	return s
}

func (s *fakeStore) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Status = domain.StatusPending
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *fakeStore) FindByID(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findFails != 0 {
		s.findFails--
		return nil, domain.NewStoreError("find", errors.New("connection refused"))
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, id string, status domain.Status, incrementRetry bool, lastError string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateFails != 0 {
		s.updateFails--
		return nil, domain.NewStoreError("update", errors.New("connection refused"))
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status == status && status.Terminal() {
		cp := *job
		return &cp, nil
	}
	if !domain.CanTransition(job.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, job.Status, status)
	}
	job.Status = status
	if incrementRetry {
		job.RetryCount++
	}
	job.LastError = lastError
	s.history[id] = append(s.history[id], status)
	cp := *job
	return &cp, nil
}

func (s *fakeStore) get(id string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *fakeStore) transitions(id string) []domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Status(nil), s.history[id]...)
}

type fakeSink struct {
	calls   atomic.Int32
	deliver func(ctx context.Context, jobID string) error
}

func (f *fakeSink) Deliver(ctx context.Context, jobID string, _ domain.Payload) error {
	f.calls.Add(1)
	if f.deliver == nil {
		return nil
	}
	return f.deliver(ctx, jobID)
}

type fakeBroker struct {
	deliveries chan amqp.Delivery
	consumeErr error
	closeOnce  sync.Once
	canceled   atomic.Bool
	prefetch   int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{deliveries: make(chan amqp.Delivery, 16)}
}

func (b *fakeBroker) Consume(_ string, prefetch int) (<-chan amqp.Delivery, error) {
	if b.consumeErr != nil {
		return nil, b.consumeErr
	}
	b.prefetch = prefetch
	return b.deliveries, nil
}

func (b *fakeBroker) Cancel(string) error {
	b.canceled.Store(true)
	b.close()
	return nil
}

func (b *fakeBroker) close() {
	b.closeOnce.Do(func() { close(b.deliveries) })
}
