package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/phrazzld/studio-queue/internal/config"
	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/events"
	"github.com/phrazzld/studio-queue/internal/platform/logger"
	"github.com/phrazzld/studio-queue/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/phrazzld/studio-queue/internal/task"

// Restart recovery messages
const (
	restartMaxAttemptsReason = "Server restart during processing - max attempts reached"
	restartCancelledReason   = "Server restart during cancellation"
)

// ErrDispatcherClosed is returned by Start after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// DispatcherConfig holds the timing knobs of the dispatch loop.
type DispatcherConfig struct {
	// IdleInterval is how long the loop sleeps when nothing is claimable.
	IdleInterval time.Duration
	// ErrorBackoff is how long the loop sleeps after a loop-level error.
	ErrorBackoff time.Duration
	// RetryBackoff is multiplied by the attempt count to get the retry delay.
	RetryBackoff time.Duration
	// CancelPoll is the period of the cancellation watcher.
	CancelPoll time.Duration
	// MaxRunTime caps the policy timeout of every execution when positive.
	MaxRunTime time.Duration
}

// DefaultDispatcherConfig returns the production timings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		IdleInterval: 5 * time.Second,
		ErrorBackoff: 10 * time.Second,
		RetryBackoff: 5 * time.Minute,
		CancelPoll:   5 * time.Second,
	}
}

// DispatcherConfigFrom converts the loaded configuration.
func DispatcherConfigFrom(cfg config.DispatcherConfig) DispatcherConfig {
	return DispatcherConfig{
		IdleInterval: cfg.IdleInterval(),
		ErrorBackoff: cfg.ErrorBackoff(),
		RetryBackoff: cfg.RetryBackoff(),
		CancelPoll:   cfg.CancelPoll(),
		MaxRunTime:   cfg.MaxRunTime(),
	}
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithEmitter publishes lifecycle events to emitter.
func WithEmitter(emitter events.EventEmitter) DispatcherOption {
	return func(d *Dispatcher) { d.emitter = emitter }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithTracerProvider replaces the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = tp.Tracer(tracerName) }
}

// Dispatcher is the single in-process driver of the queue. Start and Stop
// are idempotent; Stop waits for the in-flight task to finish.
type Dispatcher struct {
	tasks    store.TaskStore
	queue    store.QueueStore
	registry *Registry
	emitter  events.EventEmitter
	tracer   trace.Tracer
	config   DispatcherConfig
	logger   *slog.Logger
	now      func() time.Time

	// ctx bounds every execution; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	mu      sync.Mutex
	running bool
	paused  bool
	stop    chan struct{}
	done    chan struct{}
	current string
}

// NewDispatcher creates a stopped dispatcher.
func NewDispatcher(
	tasks store.TaskStore,
	queue store.QueueStore,
	registry *Registry,
	cfg DispatcherConfig,
	logger *slog.Logger,
	opts ...DispatcherOption,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		tasks:    tasks,
		queue:    queue,
		registry: registry,
		emitter:  events.NopEmitter{},
		tracer:   otel.Tracer(tracerName),
		config:   cfg,
		logger:   logger.With(slog.String("component", "dispatcher")),
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start recovers entries orphaned by a previous process and launches the
// loop. Starting a running dispatcher is a no-op. Start clears a pause. A
// loop that is still stopping is waited for and replaced.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	for d.running {
		if d.ctx.Err() != nil {
			break
		}
		if !isClosed(d.stop) {
			d.paused = false
			d.mu.Unlock()
			return nil
		}
		done := d.done
		d.mu.Unlock()
		<-done
		d.mu.Lock()
		if d.done == done {
			d.running = false
		}
	}
	if d.ctx.Err() != nil {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.paused = false
	stop, done := make(chan struct{}), make(chan struct{})
	d.running, d.stop, d.done = true, stop, done
	d.mu.Unlock()

	if err := d.recoverOrphans(d.ctx); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		close(done)
		return fmt.Errorf("failed to recover orphaned entries: %w", err)
	}

	go d.loop(stop, done)
	d.logger.Info("dispatcher started")
	return nil
}

// Stop signals the loop and waits until it has unwound. The in-flight task,
// if any, runs to completion first.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	done := d.signalStopLocked()
	d.mu.Unlock()
	d.awaitStop(done)
}

// Pause stops the loop and prevents EnsureRunning from restarting it.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	d.paused = true
	done := d.signalStopLocked()
	d.mu.Unlock()
	d.awaitStop(done)
}

// signalStopLocked closes the stop channel of a running loop and returns its
// done channel, or nil when no loop runs. d.mu must be held.
func (d *Dispatcher) signalStopLocked() chan struct{} {
	if !d.running {
		return nil
	}
	if !isClosed(d.stop) {
		close(d.stop)
	}
	return d.done
}

func (d *Dispatcher) awaitStop(done chan struct{}) {
	if done == nil {
		return
	}
	<-done

	d.mu.Lock()
	if d.done == done {
		d.running = false
	}
	d.mu.Unlock()
	d.logger.Info("dispatcher stopped")
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Resume clears a pause and starts the loop.
func (d *Dispatcher) Resume() error {
	return d.Start()
}

// EnsureRunning starts the loop unless it is running or paused.
func (d *Dispatcher) EnsureRunning() error {
	d.mu.Lock()
	skip := d.running || d.paused
	d.mu.Unlock()
	if skip {
		d.Wake()
		return nil
	}
	return d.Start()
}

// Close aborts any in-flight execution and stops the loop for good. The
// aborted entry stays PROCESSING and is recovered by the next Start.
func (d *Dispatcher) Close() {
	d.cancel()
	d.Stop()
}

// IsRunning reports whether the loop is active.
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// IsPaused reports whether the loop was paused by an administrator.
func (d *Dispatcher) IsPaused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// CurrentTaskID returns the id of the task being executed, or "".
func (d *Dispatcher) CurrentTaskID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Wake interrupts an idle sleep so newly queued work is picked up at once.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) setCurrent(taskID string) {
	d.mu.Lock()
	d.current = taskID
	d.mu.Unlock()
}

func (d *Dispatcher) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		case <-d.ctx.Done():
			return
		default:
		}

		processed, err := d.ProcessNext(d.ctx)
		switch {
		case err != nil:
			if d.ctx.Err() != nil {
				return
			}
			d.logger.Error("dispatch iteration failed", slog.String("error", err.Error()))
			d.sleep(stop, d.config.ErrorBackoff)
		case !processed:
			d.sleep(stop, d.config.IdleInterval)
		}
	}
}

func (d *Dispatcher) sleep(stop <-chan struct{}, dur time.Duration) {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-stop:
	case <-d.ctx.Done():
	case <-d.wake:
	case <-timer.C:
	}
}

// ProcessNext claims and executes at most one entry. It reports whether an
// entry was claimed. Errors are loop-level failures; processor failures are
// recorded on the task and do not surface here.
func (d *Dispatcher) ProcessNext(ctx context.Context) (bool, error) {
	entry, err := d.queue.ClaimNext(ctx)
	if errors.Is(err, store.ErrQueueEmpty) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim next entry: %w", err)
	}

	d.setCurrent(entry.TaskID)
	defer d.setCurrent("")

	return true, d.execute(ctx, entry)
}

func (d *Dispatcher) execute(ctx context.Context, entry *domain.QueueEntry) error {
	log := logger.ForTask(d.logger, entry.TaskID, entry.TaskType)
	ctx = logger.WithLogger(ctx, log)

	ctx, span := d.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task.id", entry.TaskID),
		attribute.String("task.type", entry.TaskType),
		attribute.Int("task.attempt", entry.Attempts+1),
	))
	defer span.End()

	t, err := d.tasks.GetTask(ctx, entry.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("task record missing, failing queue entry")
			return d.queue.MarkFailed(ctx, entry.TaskID, entry.Attempts, "task record not found")
		}
		if rqErr := d.queue.Requeue(ctx, entry.TaskID, entry.Attempts, nil, err.Error()); rqErr != nil {
			log.Error("failed to release entry after load error", slog.String("error", rqErr.Error()))
		}
		return fmt.Errorf("failed to load task %s: %w", entry.TaskID, err)
	}

	if t.Status.IsTerminal() {
		return d.syncTerminal(ctx, entry, t)
	}

	proc, policy, ok := d.registry.Lookup(entry.TaskType)
	if !ok {
		terr := domain.NewTaskError(domain.KindUnsupportedTaskType,
			fmt.Sprintf("unsupported task type: %s", entry.TaskType), ErrUnsupportedTaskType)
		return d.fail(ctx, entry, t, entry.Attempts+1, terr, nil, 0)
	}

	req, err := proc.ValidateRequest(t.RequestData)
	if err != nil {
		var terr *domain.TaskError
		if !errors.As(err, &terr) {
			terr = domain.NewTaskError(domain.KindInvalidRequest, err.Error(), err)
		}
		return d.fail(ctx, entry, t, entry.Attempts+1, terr, nil, 0)
	}

	started := d.now()
	estimate, ok := proc.EstimateCompletion(t.RequestData)
	if !ok {
		estimate = policy.EstimatedDuration()
	}
	eta := started.Add(estimate)
	if err := d.queue.SetEstimatedCompletion(ctx, entry.TaskID, eta); err != nil {
		log.Warn("failed to store estimated completion", slog.String("error", err.Error()))
	}

	attempt := entry.Attempts + 1
	t, err = d.tasks.UpdateTask(ctx, entry.TaskID, store.TaskUpdate{
		Message:             fmt.Sprintf("Task processing started (attempt %d/%d)", attempt, entry.MaxAttempts),
		Details:             map[string]any{"attempt": attempt, "max_attempts": entry.MaxAttempts},
		Status:              domain.StatusProcessing,
		EstimatedCompletion: &eta,
	})
	if err != nil {
		return fmt.Errorf("failed to record processing start: %w", err)
	}

	run := newRun(t, entry, policy, d.tasks, d.queue, log)
	result, err := d.invoke(ctx, proc, run, req, entry, policy)
	elapsed := d.now().Sub(started)

	switch {
	case err == nil && !run.Completed():
		err = run.Complete(ctx, result)
	case err != nil && run.Completed():
		// The task is already terminal; a late hook failure only warrants a log line.
		log.Warn("post-completion step failed", slog.String("error", err.Error()))
		err = nil
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		return d.settledElsewhere(ctx, entry)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
		return d.handleFailure(ctx, entry, t, result, err, elapsed)
	}

	if err := d.queue.MarkCompleted(ctx, entry.TaskID); err != nil {
		return fmt.Errorf("failed to mark entry completed: %w", err)
	}
	d.emit(ctx, events.TypeCompleted, t, attempt, elapsed, nil)
	log.Info("task completed", slog.Duration("duration", elapsed))
	return nil
}

// invoke runs Process and PostProcess under the policy timeout with a
// cancellation watcher attached.
func (d *Dispatcher) invoke(
	ctx context.Context,
	proc Processor,
	run *Run,
	req any,
	entry *domain.QueueEntry,
	policy domain.Policy,
) (*Result, error) {
	timeout := time.Duration(entry.TimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = policy.Timeout()
	}
	if d.config.MaxRunTime > 0 && (timeout <= 0 || timeout > d.config.MaxRunTime) {
		timeout = d.config.MaxRunTime
	}

	runCtx, cancelTimeout := context.WithTimeoutCause(ctx, timeout, ErrRunTimeout)
	defer cancelTimeout()
	runCtx, cancelRun := context.WithCancelCause(runCtx)
	defer cancelRun(nil)

	go d.watchCancellation(runCtx, entry.TaskID, cancelRun)

	result, err := safeProcess(runCtx, proc, run, req)
	if err == nil {
		result, err = proc.PostProcess(runCtx, run, result)
	}
	if err == nil {
		return result, nil
	}

	if domain.KindOf(err) != domain.KindCancelled {
		switch cause := context.Cause(runCtx); {
		case errors.Is(cause, ErrCancelRequested):
			err = domain.NewTaskError(domain.KindCancelled, "cancelled by request", err)
		case errors.Is(cause, ErrRunTimeout):
			err = domain.NewTaskError(domain.KindTimeout,
				fmt.Sprintf("processing exceeded the %s timeout", timeout), err)
		}
	}
	return result, err
}

func safeProcess(ctx context.Context, proc Processor, run *Run, req any) (result *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = domain.Fatal(fmt.Sprintf("processor panic: %v", p), nil)
		}
	}()
	return proc.Process(ctx, run, req)
}

// watchCancellation polls the cancellation flag until ctx ends and cancels
// ctx with ErrCancelRequested once it is set.
func (d *Dispatcher) watchCancellation(ctx context.Context, taskID string, cancel context.CancelCauseFunc) {
	if d.config.CancelPoll <= 0 {
		return
	}
	ticker := time.NewTicker(d.config.CancelPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := d.queue.IsCancelRequested(ctx, taskID)
			if err != nil {
				continue
			}
			if requested {
				cancel(ErrCancelRequested)
				return
			}
		}
	}
}

func (d *Dispatcher) handleFailure(
	ctx context.Context,
	entry *domain.QueueEntry,
	t *domain.Task,
	result *Result,
	err error,
	elapsed time.Duration,
) error {
	log := logger.FromContextOrDefault(ctx, d.logger)

	if ctx.Err() != nil {
		log.Warn("execution aborted by shutdown, entry left for restart recovery",
			slog.String("error", err.Error()))
		return ctx.Err()
	}

	attempts := entry.Attempts + 1
	kind := domain.KindOf(err)
	switch {
	case kind == domain.KindCancelled || d.cancelRequested(ctx, entry.TaskID):
		return d.cancelRun(ctx, entry, t, elapsed)
	case kind.Retryable() && attempts < entry.MaxAttempts:
		return d.retry(ctx, entry, t, attempts, err, elapsed)
	default:
		return d.fail(ctx, entry, t, attempts, err, result, elapsed)
	}
}

// cancelRequested reports whether cancellation was requested for taskID.
// A read failure counts as not requested.
func (d *Dispatcher) cancelRequested(ctx context.Context, taskID string) bool {
	requested, err := d.queue.IsCancelRequested(ctx, taskID)
	if err != nil {
		logger.FromContextOrDefault(ctx, d.logger).Warn("failed to read cancellation flag",
			slog.String("error", err.Error()))
		return false
	}
	return requested
}

func (d *Dispatcher) retry(ctx context.Context, entry *domain.QueueEntry, t *domain.Task, attempts int, cause error, elapsed time.Duration) error {
	log := logger.FromContextOrDefault(ctx, d.logger)
	reason := reasonOf(cause)
	delay := d.config.RetryBackoff * time.Duration(attempts)
	retryAt := d.now().Add(delay)

	details := maps.Clone(domain.DetailsOf(cause))
	if details == nil {
		details = make(map[string]any)
	}
	details["attempts"] = attempts
	details["max_attempts"] = entry.MaxAttempts
	details["retry_after"] = retryAt.Format(time.RFC3339)
	details["error"] = reason
	details["kind"] = string(domain.KindOf(cause))

	if err := d.queue.Requeue(ctx, entry.TaskID, attempts, &retryAt, reason); err != nil {
		// A cancellation landing after the check in handleFailure
		if errors.Is(err, store.ErrInvalidTransition) && d.cancelRequested(ctx, entry.TaskID) {
			return d.cancelRun(ctx, entry, t, elapsed)
		}
		return fmt.Errorf("failed to requeue entry: %w", err)
	}

	message := fmt.Sprintf("Task failed (attempt %d/%d), retrying in %d minutes: %s",
		attempts, entry.MaxAttempts, int(delay/time.Minute), reason)
	if _, err := store.AppendEvent(ctx, d.tasks, entry.TaskID, message, details, domain.StatusRetryScheduled, nil); err != nil {
		log.Error("failed to record retry event", slog.String("error", err.Error()))
	}

	d.emit(ctx, events.TypeRetryScheduled, t, attempts, elapsed, map[string]any{"retry_after": retryAt})
	log.Warn("task failed, retry scheduled",
		slog.Int("attempts", attempts),
		slog.Time("retry_after", retryAt),
		slog.String("error", reason))
	return nil
}

func (d *Dispatcher) fail(
	ctx context.Context,
	entry *domain.QueueEntry,
	t *domain.Task,
	attempts int,
	cause error,
	result *Result,
	elapsed time.Duration,
) error {
	log := logger.FromContextOrDefault(ctx, d.logger)
	reason := reasonOf(cause)

	details := maps.Clone(domain.DetailsOf(cause))
	if details == nil {
		details = make(map[string]any)
	}
	details["attempts"] = min(attempts, entry.MaxAttempts)
	details["max_attempts"] = entry.MaxAttempts
	details["kind"] = string(domain.KindOf(cause))

	var manifest map[string]string
	if result != nil {
		manifest = result.Manifest
	}
	if _, err := store.SetFailed(ctx, d.tasks, entry.TaskID, reason, details, manifest, ""); err != nil {
		log.Error("failed to record task failure", slog.String("error", err.Error()))
	}
	if err := d.queue.MarkFailed(ctx, entry.TaskID, attempts, reason); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return d.settledElsewhere(ctx, entry)
		}
		return fmt.Errorf("failed to mark entry failed: %w", err)
	}

	d.emit(ctx, events.TypeFailed, t, attempts, elapsed, map[string]any{"error": reason})
	log.Error("task failed",
		slog.Int("attempts", attempts),
		slog.String("kind", string(domain.KindOf(cause))),
		slog.String("error", reason))
	return nil
}

func (d *Dispatcher) cancelRun(ctx context.Context, entry *domain.QueueEntry, t *domain.Task, elapsed time.Duration) error {
	log := logger.FromContextOrDefault(ctx, d.logger)

	if _, err := store.SetCancelled(ctx, d.tasks, entry.TaskID, "Cancelled by request", nil, ""); err != nil {
		log.Error("failed to record task cancellation", slog.String("error", err.Error()))
	}
	if err := d.queue.MarkCancelled(ctx, entry.TaskID); err != nil {
		return fmt.Errorf("failed to mark entry cancelled: %w", err)
	}

	d.emit(ctx, events.TypeCancelled, t, entry.Attempts, elapsed, nil)
	log.Info("task cancelled during processing")
	return nil
}

// settledElsewhere handles an execution whose task was made terminal by
// another writer, such as the stuck sweep, while it ran. The run's outcome
// is discarded.
func (d *Dispatcher) settledElsewhere(ctx context.Context, entry *domain.QueueEntry) error {
	logger.FromContextOrDefault(ctx, d.logger).Warn("task settled during execution, discarding outcome")

	current, err := d.queue.Get(ctx, entry.TaskID)
	if err != nil {
		return fmt.Errorf("failed to load queue entry: %w", err)
	}
	if current.Status.IsTerminal() {
		return nil
	}
	t, err := d.tasks.GetTask(ctx, entry.TaskID)
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", entry.TaskID, err)
	}
	return d.syncTerminal(ctx, current, t)
}

// syncTerminal closes an entry whose task already reached a terminal state.
func (d *Dispatcher) syncTerminal(ctx context.Context, entry *domain.QueueEntry, t *domain.Task) error {
	logger.FromContextOrDefault(ctx, d.logger).Warn("claimed entry for terminal task",
		slog.String("task_status", string(t.Status)))

	switch t.Status {
	case domain.StatusCancelled:
		return d.queue.MarkCancelled(ctx, entry.TaskID)
	case domain.StatusFailed:
		return d.queue.MarkFailed(ctx, entry.TaskID, entry.Attempts, t.ErrorMessage)
	default:
		return d.queue.MarkCompleted(ctx, entry.TaskID)
	}
}

// recoverOrphans settles entries left PROCESSING or CANCELLING by a process
// that died mid-execution.
func (d *Dispatcher) recoverOrphans(ctx context.Context) error {
	processing, err := d.queue.ListByStatus(ctx, domain.QueueStatusProcessing)
	if err != nil {
		return err
	}
	cancelling, err := d.queue.ListByStatus(ctx, domain.QueueStatusCancelling)
	if err != nil {
		return err
	}
	if len(processing)+len(cancelling) == 0 {
		return nil
	}

	d.logger.Info("recovering orphaned queue entries",
		slog.Int("processing_count", len(processing)),
		slog.Int("cancelling_count", len(cancelling)))

	for _, e := range cancelling {
		log := logger.ForTask(d.logger, e.TaskID, e.TaskType)
		if err := d.queue.MarkCancelled(ctx, e.TaskID); err != nil {
			log.Error("failed to cancel orphaned entry", slog.String("error", err.Error()))
			continue
		}
		if _, err := store.SetCancelled(ctx, d.tasks, e.TaskID, restartCancelledReason, nil, ""); err != nil {
			log.Error("failed to record cancellation after restart", slog.String("error", err.Error()))
		}
	}

	for _, e := range processing {
		log := logger.ForTask(d.logger, e.TaskID, e.TaskType)

		if e.Attempts >= e.MaxAttempts {
			if err := d.queue.MarkFailed(ctx, e.TaskID, e.Attempts, restartMaxAttemptsReason); err != nil {
				log.Error("failed to fail orphaned entry", slog.String("error", err.Error()))
				continue
			}
			details := map[string]any{"attempts": e.Attempts, "max_attempts": e.MaxAttempts}
			if _, err := store.SetFailed(ctx, d.tasks, e.TaskID, restartMaxAttemptsReason, details, nil, ""); err != nil {
				log.Error("failed to record failure after restart", slog.String("error", err.Error()))
			}
			continue
		}

		attempts := e.Attempts + 1
		if err := d.queue.Requeue(ctx, e.TaskID, attempts, nil, "interrupted by server restart"); err != nil {
			log.Error("failed to requeue orphaned entry", slog.String("error", err.Error()))
			continue
		}
		message := fmt.Sprintf("Task interrupted by server restart, requeued for retry (%d/%d)", attempts, e.MaxAttempts)
		details := map[string]any{"attempts": attempts, "max_attempts": e.MaxAttempts}
		if _, err := store.AppendEvent(ctx, d.tasks, e.TaskID, message, details, domain.StatusQueued, nil); err != nil {
			log.Error("failed to record requeue after restart", slog.String("error", err.Error()))
		}
		log.Info("orphaned entry requeued", slog.Int("attempts", attempts))
	}
	return nil
}

func (d *Dispatcher) emit(ctx context.Context, typ string, t *domain.Task, attempts int, elapsed time.Duration, payload any) {
	emitLifecycle(ctx, d.emitter, d.logger, typ, t, attempts, elapsed, payload)
}

func emitLifecycle(
	ctx context.Context,
	emitter events.EventEmitter,
	log *slog.Logger,
	typ string,
	t *domain.Task,
	attempts int,
	elapsed time.Duration,
	payload any,
) {
	ev, err := events.NewLifecycleEvent(typ, t.ID, t.Type, payload)
	if err != nil {
		log.Error("failed to build lifecycle event", slog.String("error", err.Error()))
		return
	}
	ev.OwnerID = t.OwnerID
	ev.AccountID = t.AccountID
	ev.Attempts = attempts
	ev.Duration = elapsed
	if err := emitter.EmitEvent(ctx, ev); err != nil {
		log.Warn("lifecycle event handlers failed",
			slog.String("event_type", typ),
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()))
	}
}

// reasonOf returns the human readable message of a failure.
func reasonOf(err error) string {
	var te *domain.TaskError
	if errors.As(err, &te) {
		return te.Reason()
	}
	return err.Error()
}
