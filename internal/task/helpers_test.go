package task

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/events"
	"github.com/phrazzld/studio-queue/internal/platform/memory"
	"github.com/stretchr/testify/require"
)

const testType = "quiz"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a manually advanced time source shared by stores and engine.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type topicRequest struct {
	Topic string `json:"topic"`
}

// stubProcessor is a Processor whose behavior is supplied per test.
type stubProcessor struct {
	Defaults
	process func(ctx context.Context, run *Run, req any) (*Result, error)
	calls   atomic.Int32
}

func (p *stubProcessor) ValidateRequest(raw json.RawMessage) (any, error) {
	var req topicRequest
	if len(raw) == 0 {
		return nil, domain.InvalidRequest("request data is required")
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, domain.InvalidRequest("malformed request: %v", err)
	}
	if req.Topic == "" {
		return nil, domain.InvalidRequest("topic is required")
	}
	return req, nil
}

func (p *stubProcessor) Process(ctx context.Context, run *Run, req any) (*Result, error) {
	p.calls.Add(1)
	if p.process != nil {
		return p.process(ctx, run, req)
	}
	if err := run.Progress(ctx, 50, "Halfway"); err != nil {
		return nil, err
	}
	return &Result{URL: "https://cdn.test/" + run.TaskID() + ".json"}, nil
}

func (p *stubProcessor) Calls() int { return int(p.calls.Load()) }

// recorder collects emitted lifecycle events.
type recorder struct {
	mu     sync.Mutex
	events []*events.LifecycleEvent
}

func (r *recorder) HandleEvent(_ context.Context, ev *events.LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Types(taskID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var types []string
	for _, ev := range r.events {
		if ev.TaskID == taskID {
			types = append(types, ev.Type)
		}
	}
	return types
}

type harness struct {
	clock      *fakeClock
	tasks      *memory.TaskStore
	queue      *memory.QueueStore
	registry   *Registry
	dispatcher *Dispatcher
	service    *Service
	proc       *stubProcessor
	events     *recorder
}

// newHarness wires an engine over memory stores with a paused dispatcher so
// tests drive execution through ProcessNext.
func newHarness(t *testing.T, policy domain.Policy, opts ...ServiceOption) *harness {
	t.Helper()
	clock := newFakeClock()
	log := discardLogger()

	tasks := memory.NewTaskStore(log)
	tasks.SetClock(clock.Now)
	queue := memory.NewQueueStore(log)
	queue.SetClock(clock.Now)

	proc := &stubProcessor{}
	registry := NewRegistry()
	require.NoError(t, registry.Register(testType, policy, func() Processor { return proc }))

	rec := &recorder{}
	emitter := events.NewInMemoryEventEmitter(log)
	emitter.RegisterHandler(rec)

	cfg := DefaultDispatcherConfig()
	cfg.CancelPoll = 10 * time.Millisecond
	dispatcher := NewDispatcher(tasks, queue, registry, cfg, log, WithClock(clock.Now), WithEmitter(emitter))
	dispatcher.Pause()
	t.Cleanup(dispatcher.Close)

	opts = append([]ServiceOption{WithServiceClock(clock.Now), WithServiceEmitter(emitter)}, opts...)
	service := NewService(tasks, queue, registry, dispatcher, log, opts...)

	return &harness{
		clock:      clock,
		tasks:      tasks,
		queue:      queue,
		registry:   registry,
		dispatcher: dispatcher,
		service:    service,
		proc:       proc,
		events:     rec,
	}
}

func (h *harness) enqueue(t *testing.T, id string, priority domain.Priority) *domain.Task {
	t.Helper()
	task, err := h.service.Enqueue(context.Background(), EnqueueRequest{
		TaskID:      id,
		OwnerID:     "owner-1",
		AccountID:   "acct-1",
		Type:        testType,
		Priority:    priority,
		RequestData: json.RawMessage(`{"topic":"Trees"}`),
	})
	require.NoError(t, err)
	return task
}

// drain processes entries until none is claimable.
func (h *harness) drain(t *testing.T) int {
	t.Helper()
	n := 0
	for {
		processed, err := h.dispatcher.ProcessNext(context.Background())
		require.NoError(t, err)
		if !processed {
			return n
		}
		n++
	}
}

func (h *harness) task(t *testing.T, id string) *domain.Task {
	t.Helper()
	task, err := h.tasks.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (h *harness) entry(t *testing.T, id string) *domain.QueueEntry {
	t.Helper()
	e, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

func eventStatuses(task *domain.Task) []domain.Status {
	statuses := make([]domain.Status, len(task.Events))
	for i, ev := range task.Events {
		statuses[i] = ev.Status
	}
	return statuses
}

func hasEvent(task *domain.Task, message string) bool {
	for _, ev := range task.Events {
		if ev.Message == message {
			return true
		}
	}
	return false
}

var quizPolicy = domain.Policy{
	MaxAttempts:              2,
	TimeoutMinutes:           10,
	PriorityDefault:          domain.PriorityNormal,
	EstimatedDurationMinutes: 5,
}
