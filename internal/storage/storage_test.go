package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaqgo/internal/models"
)

func newTask(name string) *models.Task {
	return models.NewTask(models.KindVideoDownload, models.Descriptor{
		Source:    "https://example.com/" + name,
		Name:      name,
		Format:    "mp4",
		OutputDir: "/tmp",
	})
}

func ids(views []models.TaskView) []string {
	out := make([]string, 0, len(views))
	for _, v := range views {
		out = append(out, v.ID)
	}
	return out
}

func TestTryDequeueFIFO(t *testing.T) {
	s := New()
	a, b, c := newTask("a"), newTask("b"), newTask("c")
	s.Enqueue(a)
	s.Enqueue(b)
	s.Enqueue(c)

	for _, want := range []*models.Task{a, b, c} {
		got, ok := s.TryDequeue(context.Background(), 10*time.Millisecond)
		require.True(t, ok)
		assert.Equal(t, want.ID, got.ID)
		require.True(t, s.MarkRunning(got))
	}
	assert.Equal(t, 3, s.RunningCount())
	assert.Equal(t, 0, s.PendingCount())
}

func TestTryDequeueTimesOut(t *testing.T) {
	s := New()
	start := time.Now()
	task, ok := s.TryDequeue(context.Background(), 20*time.Millisecond)
	assert.False(t, ok)
	assert.Nil(t, task)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestTryDequeueWakesOnEnqueue(t *testing.T) {
	s := New()
	task := newTask("late")
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Enqueue(task)
	}()

	got, ok := s.TryDequeue(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, task.ID, got.ID)
}

func TestTryDequeueStopsOnCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := s.TryDequeue(ctx, time.Second)
	assert.False(t, ok)
}

func TestClaimedTaskCountsAsPending(t *testing.T) {
	s := New()
	task := newTask("claimed")
	s.Enqueue(task)

	got, ok := s.TryDequeue(context.Background(), 0)
	require.True(t, ok)
	assert.Equal(t, 1, s.PendingCount())
	assert.Equal(t, 0, s.RunningCount())

	snap := s.Snapshot()
	assert.Equal(t, []string{got.ID}, ids(snap.Pending))
	assert.Empty(t, snap.Running)
}

func TestRequeueGoesToHead(t *testing.T) {
	s := New()
	a, b := newTask("a"), newTask("b")
	s.Enqueue(a)
	s.Enqueue(b)

	got, ok := s.TryDequeue(context.Background(), 0)
	require.True(t, ok)
	require.True(t, s.Requeue(got))

	snap := s.Snapshot()
	assert.Equal(t, []string{a.ID, b.ID}, ids(snap.Pending))

	again, ok := s.TryDequeue(context.Background(), 0)
	require.True(t, ok)
	assert.Equal(t, a.ID, again.ID)
}

func TestTaskIsInExactlyOneCollection(t *testing.T) {
	s := New()
	task := newTask("one")
	s.Enqueue(task)

	check := func(wantPending, wantRunning, wantFinished int) {
		t.Helper()
		snap := s.Snapshot()
		assert.Len(t, snap.Pending, wantPending)
		assert.Len(t, snap.Running, wantRunning)
		assert.Len(t, snap.Finished, wantFinished)
	}

	check(1, 0, 0)
	got, _ := s.TryDequeue(context.Background(), 0)
	check(1, 0, 0)
	require.True(t, s.MarkRunning(got))
	require.True(t, got.Start())
	check(0, 1, 0)
	got.Finish(nil)
	s.MarkDone(got.ID)
	check(0, 0, 1)
}

func TestMarkDoneIsIdempotent(t *testing.T) {
	s := New()
	task := newTask("done")
	s.Enqueue(task)
	got, _ := s.TryDequeue(context.Background(), 0)
	require.True(t, s.MarkRunning(got))

	s.MarkDone(got.ID)
	s.MarkDone(got.ID)
	s.MarkDone("task-unknown")

	assert.Equal(t, 0, s.RunningCount())
	assert.Len(t, s.Snapshot().Finished, 1)
}

func TestClearPendingCancelsClaimedAndQueued(t *testing.T) {
	s := New()
	a, b, c := newTask("a"), newTask("b"), newTask("c")
	s.Enqueue(a)
	s.Enqueue(b)
	s.Enqueue(c)

	claimed, ok := s.TryDequeue(context.Background(), 0)
	require.True(t, ok)

	cleared := s.ClearPending()
	assert.Len(t, cleared, 3)
	assert.Equal(t, 0, s.PendingCount())
	for _, task := range []*models.Task{a, b, c} {
		assert.Equal(t, models.StateCancelled, task.State())
	}

	assert.False(t, s.MarkRunning(claimed), "cleared task must not start")
	assert.False(t, s.Requeue(claimed), "cleared task must not come back")
	assert.Equal(t, 0, s.PendingCount())
}

func TestClearPendingLeavesRunning(t *testing.T) {
	s := New()
	running, waiting := newTask("running"), newTask("waiting")
	s.Enqueue(running)
	s.Enqueue(waiting)
	got, _ := s.TryDequeue(context.Background(), 0)
	require.True(t, s.MarkRunning(got))
	require.True(t, got.Start())

	cleared := s.ClearPending()
	require.Len(t, cleared, 1)
	assert.Equal(t, waiting.ID, cleared[0].ID)
	assert.Equal(t, 1, s.RunningCount())
	assert.Equal(t, models.StateRunning, running.State())
}

func TestRemovePending(t *testing.T) {
	s := New()
	a, b := newTask("a"), newTask("b")
	s.Enqueue(a)
	s.Enqueue(b)

	assert.True(t, s.RemovePending(b.ID))
	assert.False(t, s.RemovePending(b.ID))
	assert.Equal(t, models.StateCancelled, b.State())
	assert.Equal(t, []string{a.ID}, ids(s.Snapshot().Pending))

	got, _ := s.TryDequeue(context.Background(), 0)
	require.True(t, s.MarkRunning(got))
	assert.False(t, s.RemovePending(a.ID), "running tasks are not pending")
}

func TestFailRecordsError(t *testing.T) {
	s := New()
	task := newTask("broken")
	s.Enqueue(task)
	got, _ := s.TryDequeue(context.Background(), 0)

	assert.True(t, s.Fail(got, errors.New("dispatch failed: boom")))

	assert.Equal(t, models.StateFailed, task.State())
	assert.Equal(t, "dispatch failed: boom", task.View().LastError)
	assert.Equal(t, 0, s.PendingCount())
	assert.Equal(t, 0, s.RunningCount())
	assert.Len(t, s.Snapshot().Finished, 1)
}

func TestFailIgnoresClearedTask(t *testing.T) {
	s := New()
	task := newTask("cleared")
	s.Enqueue(task)
	got, ok := s.TryDequeue(context.Background(), 0)
	require.True(t, ok)

	s.ClearPending()
	assert.False(t, s.Fail(got, errors.New("dispatch failed: boom")))

	assert.Equal(t, models.StateCancelled, task.State())
	assert.Equal(t, []string{task.ID}, ids(s.Snapshot().Finished))
}

func TestRecentIsBounded(t *testing.T) {
	s := New()
	s.recentLimit = 2

	var tasks []*models.Task
	for _, name := range []string{"a", "b", "c"} {
		task := newTask(name)
		tasks = append(tasks, task)
		s.Enqueue(task)
		got, _ := s.TryDequeue(context.Background(), 0)
		require.True(t, s.MarkRunning(got))
		got.Start()
		got.Finish(nil)
		s.MarkDone(got.ID)
	}

	snap := s.Snapshot()
	assert.Equal(t, []string{tasks[2].ID, tasks[1].ID}, ids(snap.Finished))

	_, ok := s.Get(tasks[0].ID)
	assert.False(t, ok, "evicted task should be forgotten")
	_, ok = s.Get(tasks[2].ID)
	assert.True(t, ok)
}

func TestSnapshotOrdersRunningByStart(t *testing.T) {
	s := New()
	a, b := newTask("a"), newTask("b")
	s.Enqueue(a)
	s.Enqueue(b)

	for range 2 {
		got, _ := s.TryDequeue(context.Background(), 0)
		require.True(t, s.MarkRunning(got))
		got.Start()
		time.Sleep(2 * time.Millisecond)
	}

	assert.Equal(t, []string{a.ID, b.ID}, ids(s.Snapshot().Running))
}
