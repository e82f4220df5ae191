package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"photo_pipeline/internal/domain"
	"photo_pipeline/internal/processor"
	"photo_pipeline/internal/worker"
	"photo_pipeline/internal/worker/mocks"
)

type fakeDelivery struct {
	body   []byte
	acked  atomic.Bool
	nacked atomic.Bool
}

func (d *fakeDelivery) Body() []byte      { return d.body }
func (d *fakeDelivery) Redelivered() bool { return false }
func (d *fakeDelivery) Ack() error        { d.acked.Store(true); return nil }
func (d *fakeDelivery) Nack(bool) error   { d.nacked.Store(true); return nil }

type fakeSubscription struct {
	ch        chan worker.Delivery
	once      sync.Once
	cancelled atomic.Bool
	closed    atomic.Bool
}

func newFakeSubscription(ds ...*fakeDelivery) *fakeSubscription {
	sub := &fakeSubscription{ch: make(chan worker.Delivery, len(ds)+1)}
	for _, d := range ds {
		sub.ch <- d
	}
	return sub
}

func (s *fakeSubscription) Deliveries() <-chan worker.Delivery { return s.ch }

func (s *fakeSubscription) Cancel() error {
	s.cancelled.Store(true)
	s.lose()
	return nil
}

func (s *fakeSubscription) Close() error {
	s.closed.Store(true)
	return nil
}

// lose closes the delivery channel the way a dropped connection does.
func (s *fakeSubscription) lose() { s.once.Do(func() { close(s.ch) }) }

// redeliveringSubscription hands a nacked delivery straight back, the way
// the broker returns a requeued message to the head of the queue.
type redeliveringSubscription struct {
	mu     sync.Mutex
	ch     chan worker.Delivery
	closed bool
}

type redelivery struct {
	sub  *redeliveringSubscription
	body []byte
}

func (d *redelivery) Body() []byte      { return d.body }
func (d *redelivery) Redelivered() bool { return true }
func (d *redelivery) Ack() error        { return nil }

func (d *redelivery) Nack(requeue bool) error {
	d.sub.mu.Lock()
	defer d.sub.mu.Unlock()
	if requeue && !d.sub.closed {
		d.sub.ch <- d
	}
	return nil
}

func newRedeliveringSubscription(body []byte) *redeliveringSubscription {
	sub := &redeliveringSubscription{ch: make(chan worker.Delivery, 1)}
	sub.ch <- &redelivery{sub: sub, body: body}
	return sub
}

func (s *redeliveringSubscription) Deliveries() <-chan worker.Delivery { return s.ch }

func (s *redeliveringSubscription) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

func (s *redeliveringSubscription) Close() error { return nil }

type redeliveringSource struct {
	sub *redeliveringSubscription
}

func (f redeliveringSource) Subscribe(context.Context, string) (worker.Subscription, error) {
	return f.sub, nil
}

type fakeSource struct {
	mu    sync.Mutex
	calls int
	subs  []*fakeSubscription
	errs  []error
}

func (f *fakeSource) Subscribe(context.Context, string) (worker.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.subs) {
		return f.subs[i], nil
	}
	return nil, errors.New("broker unavailable")
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type PoolTestSuite struct {
	suite.Suite
	ctrl       *gomock.Controller
	ledger     *mocks.MockLedger
	quarantine *mocks.MockQuarantiner
	logger     *slog.Logger
}

func (s *PoolTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.ledger = mocks.NewMockLedger(s.ctrl)
	s.quarantine = mocks.NewMockQuarantiner(s.ctrl)
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func (s *PoolTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestPoolTestSuite(t *testing.T) {
	suite.Run(t, new(PoolTestSuite))
}

func (s *PoolTestSuite) pool(source worker.Source, cfg worker.PoolConfig) *worker.Pool {
	handler := worker.NewHandler(s.ledger, processor.NewRegistry(), s.quarantine, worker.HandlerConfig{
		APITimeout: time.Second,
		MaxRetries: 1,
	}, s.logger)
	return worker.NewPool(source, handler, cfg, s.logger)
}

func (s *PoolTestSuite) TestRun_HandlesDeliveries() {
	ds := []*fakeDelivery{{body: []byte("x")}, {body: []byte("y")}, {body: []byte("z")}}
	sub := newFakeSubscription(ds...)
	source := &fakeSource{subs: []*fakeSubscription{sub}}

	ctx, cancel := context.WithCancel(context.Background())
	var handled atomic.Int32
	s.quarantine.EXPECT().Quarantine(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, domain.QuarantineRecord) error {
			if handled.Add(1) == int32(len(ds)) {
				cancel()
			}
			return nil
		}).Times(len(ds))

	err := s.pool(source, worker.PoolConfig{Count: 1}).Run(ctx)

	s.NoError(err)
	for _, d := range ds {
		s.True(d.acked.Load())
	}
	s.True(sub.cancelled.Load())
	s.True(sub.closed.Load())
}

func (s *PoolTestSuite) TestRun_ShutdownRequeuesPrefetched() {
	ds := []*fakeDelivery{{body: []byte("a")}, {body: []byte("b")}}
	sub := newFakeSubscription(ds...)
	source := &fakeSource{subs: []*fakeSubscription{sub}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.pool(source, worker.PoolConfig{Count: 1}).Run(ctx)

	s.NoError(err)
	for _, d := range ds {
		s.True(d.nacked.Load())
		s.False(d.acked.Load())
	}
	s.True(sub.closed.Load())
}

func (s *PoolTestSuite) TestRun_ReconnectsAfterLostSubscription() {
	lost := newFakeSubscription()
	lost.lose()
	next := newFakeSubscription(&fakeDelivery{body: []byte("q")})
	source := &fakeSource{
		errs: []error{errors.New("dial tcp: connection refused")},
		subs: []*fakeSubscription{nil, lost, next},
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.quarantine.EXPECT().Quarantine(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, domain.QuarantineRecord) error {
			cancel()
			return nil
		})

	done := make(chan error, 1)
	go func() { done <- s.pool(source, worker.PoolConfig{Count: 1}).Run(ctx) }()

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(10 * time.Second):
		s.FailNow("pool did not stop")
	}
	s.Equal(3, source.Calls())
	s.True(lost.closed.Load())
}

func (s *PoolTestSuite) TestRun_GivesUpWhenBrokerStaysDown() {
	source := &fakeSource{}

	err := s.pool(source, worker.PoolConfig{Count: 2, ReconnectMaxElapsed: 50 * time.Millisecond}).
		Run(context.Background())

	s.Error(err)
	s.Contains(err.Error(), "broker unavailable")
}

func (s *PoolTestSuite) TestRun_PausesWhileStorageIsDown() {
	body, err := json.Marshal(domain.JobMessage{
		TaskID:   uuid.New(),
		TaskType: domain.TaskTypeCaption,
		Payload:  json.RawMessage(`{"photo_id":7,"image_key":"a.jpg"}`),
	})
	s.Require().NoError(err)
	source := redeliveringSource{sub: newRedeliveringSubscription(body)}

	var calls atomic.Int32
	s.ledger.EXPECT().Resolve(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, domain.JobMessage) (*domain.Task, error) {
			calls.Add(1)
			return nil, errors.New("dial tcp 10.0.0.5:5432: connection refused")
		}).AnyTimes()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err = s.pool(source, worker.PoolConfig{
		Count: 1,
		Outage: func() backoff.BackOff {
			return backoff.NewConstantBackOff(50 * time.Millisecond)
		},
	}).Run(ctx)

	s.NoError(err)
	s.GreaterOrEqual(calls.Load(), int32(2))
	s.LessOrEqual(calls.Load(), int32(6))
}

func (s *PoolTestSuite) TestRun_DefaultOutageBackoffIsExponential() {
	body, err := json.Marshal(domain.JobMessage{
		TaskID:   uuid.New(),
		TaskType: domain.TaskTypeCaption,
		Payload:  json.RawMessage(`{"photo_id":7,"image_key":"a.jpg"}`),
	})
	s.Require().NoError(err)
	source := redeliveringSource{sub: newRedeliveringSubscription(body)}

	var calls atomic.Int32
	s.ledger.EXPECT().Resolve(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, domain.JobMessage) (*domain.Task, error) {
			calls.Add(1)
			return nil, errors.New("connection refused")
		}).AnyTimes()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	s.NoError(s.pool(source, worker.PoolConfig{Count: 1}).Run(ctx))
	// The first pause is at least 250ms, longer than the whole run.
	s.Equal(int32(1), calls.Load())
}
