// Package instance implements the per-account execution unit: FIFO queue,
// bounded concurrent executor and lifecycle poll loop.
package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"muse/internal/domain/task"
	"muse/internal/shared/async"
	"muse/internal/shared/logging"
)

const (
	// acquireInterval bounds each admission wait so the dispatcher can
	// observe shutdown between attempts.
	acquireInterval = 100 * time.Millisecond
	// pollInterval is the executor's progress sampling period.
	pollInterval = time.Second
	// submitGrace gives the upstream time to register the job and the
	// correlating message id before the first progress sample.
	submitGrace = time.Second
)

// ExecuteFn is the deferred upstream call bound to a specific account at
// enqueue time. It asks the upstream to accept the job.
type ExecuteFn func(ctx context.Context) (Message, error)

// Future is the handle of one admitted execution.
type Future struct {
	done chan struct{}
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done is closed when the execution has fully finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the execution finishes or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type queueEntry struct {
	task    *task.Task
	execute ExecuteFn
}

// Runtime owns one account's pending queue, running set and executor pool.
// A task enqueued here is exclusively mutated by this runtime (and by inbound
// upstream events) until it reaches a terminal state.
type Runtime struct {
	account  Account
	client   UpstreamClient
	store    task.Store
	notifier task.Notifier
	logger   logging.Logger

	sem        *Semaphore
	watchdog   time.Duration
	onFinished func(instanceID string, action string, status string, elapsed time.Duration)

	mu      sync.Mutex
	pending []queueEntry
	running map[string]*task.Task
	futures map[string]*Future

	// wake is the level-triggered work-available signal: a buffered 1-slot
	// channel never loses a wake-up under the clear-after-drain pattern.
	wake chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Option configures optional runtime behavior.
type Option func(*Runtime)

// WithWatchdog bounds how long a single execution may stay non-terminal.
// Zero disables the watchdog and a stuck upstream job polls forever.
func WithWatchdog(d time.Duration) Option {
	return func(r *Runtime) { r.watchdog = d }
}

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithFinishObserver installs a callback fired after each execution reaches
// its terminal state, used for metrics.
func WithFinishObserver(fn func(instanceID string, action string, status string, elapsed time.Duration)) Option {
	return func(r *Runtime) { r.onFinished = fn }
}

// NewRuntime creates a stopped runtime for account. Call Start to launch the
// dispatcher and Stop to drain it.
func NewRuntime(account Account, client UpstreamClient, store task.Store, notifier task.Notifier, opts ...Option) *Runtime {
	r := &Runtime{
		account:  account,
		client:   client,
		store:    store,
		notifier: notifier,
		logger:   logging.NewComponentLogger("Instance[" + account.ID + "]"),
		sem:      NewSemaphore(account.EffectiveCoreSize()),
		running:  make(map[string]*task.Task),
		futures:  make(map[string]*Future),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Account returns the owned account configuration.
func (r *Runtime) Account() Account {
	return r.account
}

// ID returns the account (and instance) identifier.
func (r *Runtime) ID() string {
	return r.account.ID
}

// Alive reports whether the account is a selection candidate.
func (r *Runtime) Alive() bool {
	return r.account.Enabled
}

// Start launches the dispatcher worker. Safe to call once.
func (r *Runtime) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		async.Go(r.logger, "instance.dispatch", func() {
			defer r.wg.Done()
			r.dispatchLoop()
		})
		r.logger.Info("instance started: coreSize=%d (effective %d), weight=%d",
			r.account.CoreSize, r.account.EffectiveCoreSize(), r.account.Weight)
	})
}

// Stop shuts the dispatcher down and waits for in-flight executors until ctx
// expires. Queued tasks that never started remain in the queue snapshot.
func (r *Runtime) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopCh) })

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("instance stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("instance %s: drain: %w", r.account.ID, ctx.Err())
	}
}

// Submit persists the task, appends it to the pending queue and wakes the
// dispatcher. The result always carries the discordInstanceId property.
func (r *Runtime) Submit(t *task.Task, execute ExecuteFn) SubmitResult {
	ctx := context.Background()
	t.SetProperty(task.PropertyDiscordInstanceID, r.account.ID)

	if err := r.store.Save(ctx, t); err != nil {
		r.logger.Error("submit: persist task %s: %v", t.ID(), err)
		return SubmitFailure("failed to persist task").
			WithProperty(task.PropertyDiscordInstanceID, r.account.ID)
	}

	result, err := r.enqueue(t, execute)
	if err != nil {
		// Admission is atomic from the caller's view: undo the persist.
		if delErr := r.store.Delete(ctx, t.ID()); delErr != nil {
			r.logger.Warn("submit: compensating delete of task %s: %v", t.ID(), delErr)
		}
		r.logger.Error("submit: enqueue task %s: %v", t.ID(), err)
		return SubmitFailure("failed to enqueue task").
			WithProperty(task.PropertyDiscordInstanceID, r.account.ID)
	}
	return result.WithProperty(task.PropertyDiscordInstanceID, r.account.ID)
}

func (r *Runtime) enqueue(t *task.Task, execute ExecuteFn) (result SubmitResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("enqueue panic: %v", rec)
		}
	}()

	r.mu.Lock()
	select {
	case <-r.stopCh:
		r.mu.Unlock()
		return SubmitResult{}, fmt.Errorf("instance %s is stopped", r.account.ID)
	default:
	}
	ahead := len(r.pending)
	idle := ahead == 0 && len(r.futures) < r.sem.Permits()
	r.pending = append(r.pending, queueEntry{task: t, execute: execute})
	r.mu.Unlock()

	r.signal()

	if idle {
		return SubmitSuccess(t.ID()), nil
	}
	t.SetProperty(task.PropertyNumberOfQueues, ahead)
	return SubmitInQueue(t.ID(), ahead).
		WithProperty(task.PropertyNumberOfQueues, ahead), nil
}

// signal sets the level-triggered work-available flag.
func (r *Runtime) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// ExitTask removes a task from the future map and pending queue, persisting
// and notifying its current (typically terminal) state. It supports
// cancellation of a still-queued task.
func (r *Runtime) ExitTask(t *task.Task) {
	r.mu.Lock()
	delete(r.futures, t.ID())
	if len(r.pending) > 0 {
		kept := r.pending[:0]
		for _, entry := range r.pending {
			if entry.task.ID() != t.ID() {
				kept = append(kept, entry)
			}
		}
		r.pending = kept
	}
	r.mu.Unlock()

	r.persistAndNotify(context.Background(), t)
}

// RunningTasks returns a snapshot of the running set.
func (r *Runtime) RunningTasks() []*task.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	tasks := make([]*task.Task, 0, len(r.running))
	for _, t := range r.running {
		tasks = append(tasks, t)
	}
	return tasks
}

// QueueTasks returns a snapshot of the pending queue in FIFO order.
func (r *Runtime) QueueTasks() []*task.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	tasks := make([]*task.Task, 0, len(r.pending))
	for _, entry := range r.pending {
		tasks = append(tasks, entry.task)
	}
	return tasks
}

// RunningFutures returns a snapshot of the execution handles keyed by task id.
func (r *Runtime) RunningFutures() map[string]*Future {
	r.mu.Lock()
	defer r.mu.Unlock()
	futures := make(map[string]*Future, len(r.futures))
	for id, f := range r.futures {
		futures[id] = f
	}
	return futures
}

// QueueLen returns the pending queue depth.
func (r *Runtime) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// FutureLen returns the number of admitted, unfinished executions.
func (r *Runtime) FutureLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.futures)
}

// FindRunning returns running tasks matching pred.
func (r *Runtime) FindRunning(pred func(*task.Task) bool) []*task.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []*task.Task
	for _, t := range r.running {
		if pred(t) {
			matched = append(matched, t)
		}
	}
	return matched
}

// GetRunningByNonce returns the running task carrying nonce, or nil.
func (r *Runtime) GetRunningByNonce(nonce string) *task.Task {
	if nonce == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.running {
		if t.Nonce() == nonce {
			return t
		}
	}
	return nil
}

// GetRunningByMessageID returns the running task correlated to an upstream
// message id, or nil.
func (r *Runtime) GetRunningByMessageID(messageID string) *task.Task {
	if messageID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.running {
		if t.MessageID() == messageID {
			return t
		}
	}
	return nil
}

// dispatchLoop is the single long-lived worker draining the pending queue.
// A permit is reserved before each dequeue so the observable queue depth
// reflects admission pressure; the permit's ownership passes to the executor,
// which releases it when the execution finishes.
func (r *Runtime) dispatchLoop() {
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.wake:
		}

		for r.QueueLen() > 0 {
			if !r.awaitPermit() {
				return
			}
			entry, ok := r.dequeue()
			if !ok {
				// Queue drained by a concurrent ExitTask.
				r.sem.Release()
				break
			}
			fut := newFuture()
			r.mu.Lock()
			r.futures[entry.task.ID()] = fut
			r.mu.Unlock()

			r.wg.Add(1)
			async.Go(r.logger, "instance.execute", func() {
				defer r.wg.Done()
				r.execute(entry, fut)
			})
		}
	}
}

// awaitPermit blocks until a permit is reserved, polling so shutdown is
// observed between attempts. Returns false when the runtime is stopping.
func (r *Runtime) awaitPermit() bool {
	for {
		select {
		case <-r.stopCh:
			return false
		default:
		}
		if r.sem.TryAcquire(acquireInterval) {
			return true
		}
	}
}

func (r *Runtime) dequeue() (queueEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return queueEntry{}, false
	}
	entry := r.pending[0]
	r.pending = r.pending[1:]
	return entry, true
}

// execute runs one admitted task to a terminal state. The caller has already
// reserved a semaphore permit for it.
func (r *Runtime) execute(entry queueEntry, fut *Future) {
	t := entry.task
	ctx := context.Background()
	started := time.Now()

	r.mu.Lock()
	r.running[t.ID()] = t
	r.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			if err := t.Fail(fmt.Sprintf("[Internal Server Error] %v", rec)); err == nil {
				r.persistAndNotify(ctx, t)
			}
			r.logger.Error("executor panic for task %s: %v", t.ID(), rec)
		}
		r.mu.Lock()
		delete(r.running, t.ID())
		delete(r.futures, t.ID())
		r.mu.Unlock()
		r.sem.Release()
		close(fut.done)
		if r.onFinished != nil {
			r.onFinished(r.account.ID, string(t.Action()), string(t.Status()), time.Since(started))
		}
	}()

	msg, err := entry.execute(ctx)
	if err != nil {
		r.failTask(ctx, t, "[Internal Server Error] "+err.Error())
		return
	}
	if msg.Code != CodeSuccess {
		r.failTask(ctx, t, msg.Description)
		return
	}

	if err := t.SetStatus(task.StatusSubmitted); err != nil {
		// Cancelled while still queued, between dequeue and acceptance.
		r.logger.Warn("task %s not startable: %v", t.ID(), err)
		r.persistAndNotify(ctx, t)
		return
	}
	t.SetProgress("0%")

	if !r.sleep(submitGrace) {
		r.persistAndNotify(ctx, t)
		return
	}
	r.persistAndNotify(ctx, t)

	r.pollUntilTerminal(ctx, t)
}

// pollUntilTerminal samples the task record once per second, persisting and
// notifying each observation. Status mutation happens externally, through
// inbound upstream events; this loop only reports, except for the watchdog.
func (r *Runtime) pollUntilTerminal(ctx context.Context, t *task.Task) {
	started := time.Now()
	for {
		if t.Status().IsTerminal() {
			return
		}
		if !r.sleep(pollInterval) {
			r.persistAndNotify(ctx, t)
			return
		}
		if r.watchdog > 0 && time.Since(started) > r.watchdog && !t.Status().IsTerminal() {
			if err := t.Fail("task timeout"); err == nil {
				r.logger.Warn("task %s exceeded watchdog %s, forcing failure", t.ID(), r.watchdog)
			}
		}
		r.persistAndNotify(ctx, t)
	}
}

func (r *Runtime) failTask(ctx context.Context, t *task.Task, reason string) {
	if err := t.Fail(reason); err != nil {
		r.logger.Warn("task %s: %v", t.ID(), err)
	}
	r.persistAndNotify(ctx, t)
}

// sleep waits for d, returning false when the runtime is stopping.
func (r *Runtime) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.stopCh:
		return false
	}
}

// persistAndNotify writes the task state and emits a change notification, in
// that order: a notification never precedes its persisted state.
func (r *Runtime) persistAndNotify(ctx context.Context, t *task.Task) {
	if err := r.store.Save(ctx, t); err != nil {
		r.logger.Warn("persist task %s: %v", t.ID(), err)
	}
	if r.notifier != nil {
		r.notifier.NotifyTaskChange(ctx, t)
	}
}

// Typed pass-throughs to the upstream protocol client, so submission thunks
// can be constructed uniformly against a chosen instance.

func (r *Runtime) Imagine(ctx context.Context, prompt, nonce string) (Message, error) {
	return r.client.Imagine(ctx, prompt, nonce)
}

func (r *Runtime) Upscale(ctx context.Context, messageID string, index int, messageHash string, flags int, nonce string) (Message, error) {
	return r.client.Upscale(ctx, messageID, index, messageHash, flags, nonce)
}

func (r *Runtime) Variation(ctx context.Context, messageID string, index int, messageHash string, flags int, nonce string) (Message, error) {
	return r.client.Variation(ctx, messageID, index, messageHash, flags, nonce)
}

func (r *Runtime) Reroll(ctx context.Context, messageID, messageHash string, flags int, nonce string) (Message, error) {
	return r.client.Reroll(ctx, messageID, messageHash, flags, nonce)
}

func (r *Runtime) Action(ctx context.Context, messageID, customID string, flags int, nonce string) (Message, error) {
	return r.client.Action(ctx, messageID, customID, flags, nonce)
}

func (r *Runtime) Describe(ctx context.Context, finalFileName, nonce string) (Message, error) {
	return r.client.Describe(ctx, finalFileName, nonce)
}

func (r *Runtime) Blend(ctx context.Context, finalFileNames []string, dimensions BlendDimensions, nonce string) (Message, error) {
	return r.client.Blend(ctx, finalFileNames, dimensions, nonce)
}

func (r *Runtime) Upload(ctx context.Context, fileName, dataURL string) (Message, error) {
	return r.client.Upload(ctx, fileName, dataURL)
}

func (r *Runtime) SendImageMessage(ctx context.Context, content, finalFileName string) (Message, error) {
	return r.client.SendImageMessage(ctx, content, finalFileName)
}
