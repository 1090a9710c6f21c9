package task

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/mediagen/internal/events"
	"github.com/phrazzld/mediagen/internal/generation"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// step is one scripted provider response.
type step struct {
	outcome generation.Outcome
	err     error
}

func returns(o generation.Outcome) step { return step{outcome: o} }
func fails(err error) step              { return step{err: err} }

// fakeProvider replays scripted responses. The last step repeats.
type fakeProvider struct {
	mu       sync.Mutex
	name     string
	submits  []step
	polls    []step
	onSubmit func(req generation.Request)
	onPoll   func(handle string)
	panicMsg string

	submitCalls []generation.Request
	pollCalls   []string
	cancelCalls []string
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Submit(ctx context.Context, req generation.Request) (generation.Outcome, error) {
	p.mu.Lock()
	p.submitCalls = append(p.submitCalls, req)
	s := next(&p.submits)
	hook := p.onSubmit
	panicMsg := p.panicMsg
	p.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}
	if hook != nil {
		hook(req)
	}
	return s.outcome, s.err
}

func (p *fakeProvider) Poll(ctx context.Context, handle string) (generation.Outcome, error) {
	p.mu.Lock()
	p.pollCalls = append(p.pollCalls, handle)
	s := next(&p.polls)
	hook := p.onPoll
	p.mu.Unlock()

	if hook != nil {
		hook(handle)
	}
	return s.outcome, s.err
}

func (p *fakeProvider) Cancel(ctx context.Context, handle string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelCalls = append(p.cancelCalls, handle)
	return true, nil
}

func (p *fakeProvider) SubmitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.submitCalls)
}

func (p *fakeProvider) PollCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pollCalls)
}

func (p *fakeProvider) CancelCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cancelCalls...)
}

func next(steps *[]step) step {
	if len(*steps) == 0 {
		return step{outcome: generation.Running()}
	}
	s := (*steps)[0]
	if len(*steps) > 1 {
		*steps = (*steps)[1:]
	}
	return s
}

// recordingSink captures emitted notifications.
type recordingSink struct {
	mu     sync.Mutex
	events []*events.Event
}

func (s *recordingSink) HandleEvent(ctx context.Context, event *events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Events() []*events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*events.Event(nil), s.events...)
}

func (s *recordingSink) ForTask(t *testing.T, id string) []*events.Event {
	var out []*events.Event
	for _, e := range s.Events() {
		var p NotificationPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		if p.TaskID.String() == id {
			out = append(out, e)
		}
	}
	return out
}

func testProfiles() Profiles {
	profiles := DefaultProfiles()
	for typ, p := range profiles {
		p.Backoff = Backoff{Base: time.Second, Max: 10 * time.Second}
		p.Workers = 1
		profiles[typ] = p
	}
	return profiles
}

// testEnv wires the whole core against in-memory infrastructure and a fake clock.
type testEnv struct {
	clock      *fakeClock
	store      *MemoryStore
	broker     *MemoryBroker
	router     *QueueRouter
	providers  Providers
	sink       *recordingSink
	emitter    *events.InMemoryEventEmitter
	reconciler *Reconciler
	executor   *Executor
	gateway    *Gateway
	service    *Service
}

func newTestEnv(t *testing.T, providers Providers) *testEnv {
	t.Helper()
	return newTestEnvWithProfiles(t, providers, testProfiles())
}

func newTestEnvWithProfiles(t *testing.T, providers Providers, profiles Profiles) *testEnv {
	t.Helper()

	logger := testLogger()
	clock := newFakeClock()

	router, err := NewQueueRouter(profiles)
	require.NoError(t, err)

	store := NewMemoryStore()
	broker := NewMemoryBroker(0, logger)
	t.Cleanup(func() { _ = broker.Close() })

	sink := &recordingSink{}
	emitter := events.NewInMemoryEventEmitter(logger)
	emitter.RegisterHandler(sink)
	notifier := NewNotifier(emitter, logger)

	reconcilerConfig := DefaultReconcilerConfig()
	reconcilerConfig.Shards = 2
	reconcilerConfig.DefaultRateLimit = RateLimit{}
	reconciler := NewReconciler(store, store, router, providers, notifier, reconcilerConfig, logger)
	executor := NewExecutor(store, store, router, broker, providers, reconciler, notifier, DefaultExecutorConfig(), logger)
	gateway := NewGateway(store, providers, reconciler, notifier, time.Second, logger)
	service := NewService(store, router, broker, gateway, ServiceConfig{}, logger)

	env := &testEnv{
		clock:      clock,
		store:      store,
		broker:     broker,
		router:     router,
		providers:  providers,
		sink:       sink,
		emitter:    emitter,
		reconciler: reconciler,
		executor:   executor,
		gateway:    gateway,
		service:    service,
	}

	env.setClock(clock.Now)
	return env
}

func (e *testEnv) setClock(now func() time.Time) {
	e.executor.now = now
	e.executor.finisher.now = now
	e.reconciler.now = now
	e.reconciler.finisher.now = now
	e.gateway.finisher.now = now
	e.service.now = now
	e.store.state.now = now
}

// realTime switches the whole core back to the wall clock, for tests that
// run the background loops.
func (e *testEnv) realTime() {
	e.setClock(time.Now)
}

func (e *testEnv) enqueue(t *testing.T, req EnqueueRequest) *GenerationTask {
	t.Helper()
	if req.UserID == "" {
		req.UserID = "user-1"
	}
	created, err := e.service.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return created
}

// run delivers t to the executor as the broker would.
func (e *testEnv) run(t *testing.T, task *GenerationTask) {
	t.Helper()
	require.NoError(t, e.executor.Run(context.Background(), NewMessage(task)))
}

// pollDue advances the clock by d and processes every due poll.
func (e *testEnv) pollDue(d time.Duration) {
	e.clock.Advance(d)
	for _, s := range e.reconciler.shards {
		e.reconciler.processDue(context.Background(), s)
	}
}

func (e *testEnv) get(t *testing.T, task *GenerationTask) *GenerationTask {
	t.Helper()
	got, err := e.store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	return got
}

func intPtr(v int) *int { return &v }
