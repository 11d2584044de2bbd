package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"mediaqgo/internal/models"
)

const DefaultRecentLimit = 50

// Storage holds the pending sequence and the running set. A task taken by
// TryDequeue stays claimed (and logically pending) until the scheduler either
// marks it running or requeues it.
type Storage struct {
	mu      sync.Mutex
	pending []*models.Task
	claimed map[string]*models.Task
	running map[string]*models.Task
	recent  []*models.Task
	tasks   map[string]*models.Task

	recentLimit int
	// notify carries at most one wake-up for a waiting dequeuer.
	notify chan struct{}
}

func New() *Storage {
	return &Storage{
		claimed:     make(map[string]*models.Task),
		running:     make(map[string]*models.Task),
		tasks:       make(map[string]*models.Task),
		recentLimit: DefaultRecentLimit,
		notify:      make(chan struct{}, 1),
	}
}

func (s *Storage) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Storage) Enqueue(task *models.Task) {
	s.mu.Lock()
	s.pending = append(s.pending, task)
	s.tasks[task.ID] = task
	s.mu.Unlock()
	s.signal()
}

func (s *Storage) popHead() (*models.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, false
	}
	task := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	s.claimed[task.ID] = task
	if len(s.pending) > 0 {
		s.signal()
	}
	return task, true
}

// TryDequeue claims the head of the pending sequence, waiting at most wait
// for one to arrive.
func (s *Storage) TryDequeue(ctx context.Context, wait time.Duration) (*models.Task, bool) {
	if task, ok := s.popHead(); ok {
		return task, true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
			return s.popHead()
		case <-s.notify:
			if task, ok := s.popHead(); ok {
				return task, true
			}
		}
	}
}

// Requeue puts a claimed task back at the head of the pending sequence. It
// returns false when the task was cleared while claimed.
func (s *Storage) Requeue(task *models.Task) bool {
	s.mu.Lock()
	if _, ok := s.claimed[task.ID]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.claimed, task.ID)
	s.pending = slices.Insert(s.pending, 0, task)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *Storage) MarkRunning(task *models.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claimed[task.ID]; !ok {
		return false
	}
	delete(s.claimed, task.ID)
	s.running[task.ID] = task
	return true
}

// MarkDone drops a task from the running set. Unknown ids are ignored.
func (s *Storage) MarkDone(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.running[id]
	if !ok {
		return
	}
	delete(s.running, id)
	s.remember(task)
}

// Fail terminates a claimed task that could not be dispatched. Tasks the
// store no longer holds, such as ones cleared meanwhile, are left alone and
// Fail returns false.
func (s *Storage) Fail(task *models.Task, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, claimed := s.claimed[task.ID]
	_, running := s.running[task.ID]
	queued := slices.ContainsFunc(s.pending, func(t *models.Task) bool { return t.ID == task.ID })
	if !claimed && !running && !queued {
		return false
	}
	delete(s.claimed, task.ID)
	delete(s.running, task.ID)
	if queued {
		s.pending = slices.DeleteFunc(s.pending, func(t *models.Task) bool { return t.ID == task.ID })
	}
	if task.Start() || task.State() == models.StateRunning {
		task.Finish(err)
	}
	s.remember(task)
	return true
}

func (s *Storage) remember(task *models.Task) {
	s.recent = append(s.recent, task)
	if over := len(s.recent) - s.recentLimit; over > 0 {
		for _, old := range s.recent[:over] {
			delete(s.tasks, old.ID)
		}
		s.recent = slices.Clone(s.recent[over:])
	}
}

// ClearPending drains every task that has not started yet and returns them.
func (s *Storage) ClearPending() []*models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := make([]*models.Task, 0, len(s.claimed)+len(s.pending))
	for _, task := range s.claimed {
		cleared = append(cleared, task)
	}
	cleared = append(cleared, s.pending...)
	clear(s.claimed)
	s.pending = nil

	for _, task := range cleared {
		task.Cancel()
		s.remember(task)
	}
	return cleared
}

func (s *Storage) RemovePending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task, ok := s.claimed[id]; ok {
		delete(s.claimed, id)
		task.Cancel()
		s.remember(task)
		return true
	}
	for i, task := range s.pending {
		if task.ID == id {
			s.pending = slices.Delete(s.pending, i, i+1)
			task.Cancel()
			s.remember(task)
			return true
		}
	}
	return false
}

func (s *Storage) Get(id string) (*models.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	return task, ok
}

func (s *Storage) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// PendingCount includes claimed tasks.
func (s *Storage) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) + len(s.claimed)
}

// Snapshot returns copies of the queue state: running tasks ordered by start
// time, pending tasks in processing order and the recently finished ones.
func (s *Storage) Snapshot() models.Snapshot {
	s.mu.Lock()
	running := make([]*models.Task, 0, len(s.running))
	for _, task := range s.running {
		running = append(running, task)
	}
	pending := make([]*models.Task, 0, len(s.claimed)+len(s.pending))
	for _, task := range s.claimed {
		pending = append(pending, task)
	}
	pending = append(pending, s.pending...)
	recent := slices.Clone(s.recent)
	s.mu.Unlock()

	snap := models.Snapshot{
		Running:  make([]models.TaskView, 0, len(running)),
		Pending:  make([]models.TaskView, 0, len(pending)),
		Finished: make([]models.TaskView, 0, len(recent)),
	}
	for _, task := range running {
		snap.Running = append(snap.Running, task.View())
	}
	slices.SortStableFunc(snap.Running, func(a, b models.TaskView) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	for _, task := range pending {
		snap.Pending = append(snap.Pending, task.View())
	}
	for i := len(recent) - 1; i >= 0; i-- {
		snap.Finished = append(snap.Finished, recent[i].View())
	}
	return snap
}
