package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mediaqgo/internal/metrics"
	"mediaqgo/internal/models"
	"mediaqgo/internal/storage"
)

const (
	MinLimit     = 1
	MaxLimit     = 5
	DefaultLimit = 2

	DefaultPollTimeout = time.Second
	DefaultBackoff     = 2 * time.Second

	historyTimeout = 10 * time.Second
)

var (
	ErrInvalidLimit      = errors.New("concurrency limit out of range")
	ErrUnknownKind       = errors.New("unknown task kind")
	ErrNoExecutor        = errors.New("no executor registered for task kind")
	ErrInvalidDescriptor = errors.New("invalid task descriptor")
	ErrNotFound          = errors.New("task not found")
	ErrTaskRunning       = errors.New("task already running")
)

// Executor performs the work of one task. onProgress may be called from any
// goroutine, any number of times, until Execute returns.
type Executor interface {
	Execute(ctx context.Context, d models.Descriptor, onProgress func(models.Progress)) error
}

type ExecutorFunc func(ctx context.Context, d models.Descriptor, onProgress func(models.Progress)) error

func (f ExecutorFunc) Execute(ctx context.Context, d models.Descriptor, onProgress func(models.Progress)) error {
	return f(ctx, d, onProgress)
}

type HistorySink interface {
	Record(ctx context.Context, entry models.HistoryEntry) error
}

// Refresher is told about every state change. Refresh must not block.
type Refresher interface {
	Refresh()
}

type Options struct {
	Limit       int
	PollTimeout time.Duration
	Backoff     time.Duration
	History     HistorySink
}

type Scheduler struct {
	store     *storage.Storage
	executors map[models.Kind]Executor
	history   HistorySink
	refresher atomic.Pointer[Refresher]

	limit       atomic.Int32
	pollTimeout time.Duration
	backoff     time.Duration

	// released gets a token whenever a slot frees up or the limit changes.
	released chan struct{}

	mu       sync.Mutex
	started  bool
	paused   atomic.Bool
	stopLoop context.CancelFunc
	loopDone chan struct{}

	tasks      sync.WaitGroup
	execCtx    context.Context
	execCancel context.CancelFunc

	// launch hands a running task to its executor.
	launch func(task *models.Task, exec Executor)
}

func New(store *storage.Storage, executors map[models.Kind]Executor, opts Options) (*Scheduler, error) {
	if opts.Limit == 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Limit < MinLimit || opts.Limit > MaxLimit {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, opts.Limit)
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}

	execs := make(map[models.Kind]Executor, len(executors))
	for kind, exec := range executors {
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
		}
		if exec != nil {
			execs[kind] = exec
		}
	}

	execCtx, execCancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:       store,
		executors:   execs,
		history:     opts.History,
		pollTimeout: opts.PollTimeout,
		backoff:     opts.Backoff,
		released:    make(chan struct{}, 1),
		execCtx:     execCtx,
		execCancel:  execCancel,
	}
	s.limit.Store(int32(opts.Limit))
	s.launch = s.launchAsync
	metrics.ConcurrencyLimit.Set(float64(opts.Limit))
	return s, nil
}

// SetRefresher installs the component notified on state changes. It may be
// called at any time; nil disables notifications.
func (s *Scheduler) SetRefresher(r Refresher) {
	if r == nil {
		s.refresher.Store(nil)
		return
	}
	s.refresher.Store(&r)
}

func (s *Scheduler) refresh() {
	pending, running := s.store.PendingCount(), s.store.RunningCount()
	metrics.TasksPending.Set(float64(pending))
	metrics.TasksRunning.Set(float64(running))
	if r := s.refresher.Load(); r != nil {
		(*r).Refresh()
	}
}

func (s *Scheduler) release() {
	select {
	case s.released <- struct{}{}:
	default:
	}
}

// Enqueue creates a pending task and returns its id.
func (s *Scheduler) Enqueue(kind models.Kind, d models.Descriptor) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if _, ok := s.executors[kind]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNoExecutor, kind)
	}
	if strings.TrimSpace(d.Source) == "" {
		return "", fmt.Errorf("%w: empty source", ErrInvalidDescriptor)
	}

	task := models.NewTask(kind, d)
	s.store.Enqueue(task)
	metrics.TasksEnqueued.WithLabelValues(string(kind)).Inc()
	slog.Info("Task queued", "id", task.ID, "kind", kind, "name", d.DisplayName())
	s.refresh()
	return task.ID, nil
}

// SetConcurrencyLimit changes the maximum number of running tasks. Running
// tasks are never stopped; the new value applies to the next start decision.
func (s *Scheduler) SetConcurrencyLimit(n int) error {
	if n < MinLimit || n > MaxLimit {
		return fmt.Errorf("%w: %d (allowed %d-%d)", ErrInvalidLimit, n, MinLimit, MaxLimit)
	}
	if old := s.limit.Swap(int32(n)); int(old) != n {
		slog.Info("Concurrency limit changed", "limit", n, "previous", old)
	}
	metrics.ConcurrencyLimit.Set(float64(n))
	s.release()
	s.refresh()
	return nil
}

func (s *Scheduler) Limit() int {
	return int(s.limit.Load())
}

func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

// ClearPending cancels every task that has not started and returns how many
// were removed.
func (s *Scheduler) ClearPending() int {
	cleared := s.store.ClearPending()
	for _, task := range cleared {
		metrics.TasksFinished.WithLabelValues(string(task.Kind), string(models.StateCancelled)).Inc()
	}
	if len(cleared) > 0 {
		slog.Info("Pending tasks cleared", "count", len(cleared))
	}
	s.refresh()
	return len(cleared)
}

// Remove cancels one pending task. Running tasks cannot be removed.
func (s *Scheduler) Remove(id string) error {
	if s.store.RemovePending(id) {
		if task, ok := s.store.Get(id); ok {
			metrics.TasksFinished.WithLabelValues(string(task.Kind), string(models.StateCancelled)).Inc()
		}
		slog.Info("Task removed", "id", id)
		s.refresh()
		return nil
	}
	task, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if task.State() == models.StateRunning {
		return fmt.Errorf("%w: %s", ErrTaskRunning, id)
	}
	return fmt.Errorf("%w: %s is %s", ErrNotFound, id, task.State())
}

func (s *Scheduler) Snapshot() models.Snapshot {
	snap := s.store.Snapshot()
	snap.Limit = s.Limit()
	snap.Paused = s.Paused()
	return snap
}

func (s *Scheduler) Task(id string) (models.TaskView, error) {
	task, ok := s.store.Get(id)
	if !ok {
		return models.TaskView{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return task.View(), nil
}

// Start launches the scheduling loop unless the scheduler is paused.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	if !s.paused.Load() {
		s.startLoopLocked()
	}
}

// Pause stops taking new tasks. Tasks already running finish normally.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused.Swap(true) {
		return
	}
	s.stopLoopLocked()
	slog.Info("Queue paused")
	s.refresh()
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused.Swap(false) {
		return
	}
	if s.started {
		s.startLoopLocked()
	}
	slog.Info("Queue resumed")
	s.refresh()
}

// Shutdown stops the loop for good and waits for running executors. When ctx expires
// first the executors' context is cancelled and Shutdown returns ctx.Err().
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.started = false
	s.stopLoopLocked()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.execCancel()
		return nil
	case <-ctx.Done():
		slog.Warn("Shutdown timed out, cancelling running tasks", "running", s.store.RunningCount())
		s.execCancel()
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) startLoopLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.stopLoop = cancel
	s.loopDone = done
	go s.loop(ctx, done)
}

func (s *Scheduler) stopLoopLocked() {
	if s.stopLoop == nil {
		return
	}
	s.stopLoop()
	<-s.loopDone
	s.stopLoop = nil
	s.loopDone = nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	slog.Debug("Scheduler loop started", "limit", s.Limit())
	for ctx.Err() == nil {
		task, ok := s.store.TryDequeue(ctx, s.pollTimeout)
		if !ok {
			continue
		}
		if ctx.Err() != nil {
			s.store.Requeue(task)
			break
		}
		s.dispatch(ctx, task)
	}
	slog.Debug("Scheduler loop stopped")
}

// dispatch makes one start decision for a claimed task. A panic here fails
// the task instead of killing the loop.
func (s *Scheduler) dispatch(ctx context.Context, task *models.Task) {
	defer func() {
		if r := recover(); r != nil {
			metrics.DispatchPanics.Inc()
			slog.Error("Dispatch panicked", "id", task.ID, "kind", task.Kind, "panic", r)
			if s.store.Fail(task, fmt.Errorf("dispatch failed: %v", r)) {
				metrics.TasksFinished.WithLabelValues(string(task.Kind), string(models.StateFailed)).Inc()
			}
			s.release()
			s.refresh()
		}
	}()

	// A token left over from an earlier release would cut the backoff short.
	select {
	case <-s.released:
	default:
	}

	if s.store.RunningCount() >= s.Limit() {
		if !s.store.Requeue(task) {
			return
		}
		metrics.TasksRequeued.Inc()
		s.waitForSlot(ctx)
		return
	}

	exec, ok := s.executors[task.Kind]
	if !ok {
		if s.store.Fail(task, fmt.Errorf("%w: %s", ErrNoExecutor, task.Kind)) {
			metrics.TasksFinished.WithLabelValues(string(task.Kind), string(models.StateFailed)).Inc()
		}
		s.refresh()
		return
	}

	if !s.store.MarkRunning(task) {
		// cleared while claimed
		return
	}
	if !task.Start() {
		s.store.MarkDone(task.ID)
		return
	}
	metrics.TasksStarted.WithLabelValues(string(task.Kind)).Inc()
	slog.Info("Task started", "id", task.ID, "kind", task.Kind, "running", s.store.RunningCount(), "limit", s.Limit())
	s.refresh()
	s.launch(task, exec)
}

func (s *Scheduler) waitForSlot(ctx context.Context) {
	timer := time.NewTimer(s.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-s.released:
	}
}

func (s *Scheduler) launchAsync(task *models.Task, exec Executor) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		s.run(task, exec)
	}()
}

func (s *Scheduler) run(task *models.Task, exec Executor) {
	start := time.Now()
	err := s.execute(task, exec)
	metrics.TaskDuration.WithLabelValues(string(task.Kind)).Observe(time.Since(start).Seconds())

	task.Finish(err)
	s.store.MarkDone(task.ID)
	s.release()

	state := task.State()
	metrics.TasksFinished.WithLabelValues(string(task.Kind), string(state)).Inc()
	if err != nil {
		slog.Error("Task failed", "id", task.ID, "kind", task.Kind, "error", err)
	} else {
		slog.Info("Task completed", "id", task.ID, "kind", task.Kind, "took", time.Since(start).Round(time.Millisecond))
		s.record(task)
	}
	s.refresh()
}

func (s *Scheduler) execute(task *models.Task, exec Executor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec.Execute(s.execCtx, task.Descriptor, func(p models.Progress) {
		task.ApplyProgress(p)
		s.refresh()
	})
}

func (s *Scheduler) record(task *models.Task) {
	if s.history == nil {
		return
	}
	view := task.View()
	entry := models.HistoryEntry{
		Title:      view.Name,
		Source:     view.Descriptor.Source,
		OutputPath: view.OutputPath,
		Format:     view.Descriptor.Format,
		Quality:    view.Descriptor.Quality,
		CreatedAt:  time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := s.history.Record(ctx, entry); err != nil {
		metrics.HistoryErrors.Inc()
		slog.Warn("Failed to record history", "id", task.ID, "error", err)
	}
}
