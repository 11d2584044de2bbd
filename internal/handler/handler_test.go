package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaqgo/internal/models"
	"mediaqgo/internal/report"
	"mediaqgo/internal/scheduler"
	"mediaqgo/internal/storage"
)

type fakeHistory struct {
	entries []models.HistoryEntry
	err     error
}

func (f *fakeHistory) List(_ context.Context, limit int) ([]models.HistoryEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && limit < len(f.entries) {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

func (f *fakeHistory) Clear(context.Context) (int64, error) {
	n := int64(len(f.entries))
	f.entries = nil
	return n, f.err
}

type fakeResolver struct {
	calls int
}

func (f *fakeResolver) TitleOrPlaceholder(context.Context, string) string {
	f.calls++
	return "Resolved Title"
}

type testEnv struct {
	router   http.Handler
	sched    *scheduler.Scheduler
	history  *fakeHistory
	resolver *fakeResolver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	noop := scheduler.ExecutorFunc(func(ctx context.Context, d models.Descriptor, onProgress func(models.Progress)) error {
		return nil
	})
	executors := make(map[models.Kind]scheduler.Executor)
	for _, kind := range models.Kinds {
		executors[kind] = noop
	}
	sched, err := scheduler.New(storage.New(), executors, scheduler.Options{})
	require.NoError(t, err)

	env := &testEnv{
		sched:    sched,
		history:  &fakeHistory{entries: []models.HistoryEntry{{Title: "a"}, {Title: "b"}}},
		resolver: &fakeResolver{},
	}
	env.router = NewRouter(Deps{
		Queue:       sched,
		History:     env.history,
		Reports:     report.New(sched, nil, report.Options{}),
		Resolver:    env.resolver,
		DownloadDir: "/downloads",
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestAddToQueue_Download(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/queue", map[string]any{
		"kind":          "video-download",
		"source":        "https://www.youtube.com/watch?v=dQw4w9WgXcQ&list=PL1",
		"quality":       "1080",
		"format":        "MP4",
		"resolve_title": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[map[string]string](t, w)["id"]
	require.True(t, strings.HasPrefix(id, models.TaskIDPrefix))

	view, err := env.sched.Task(id)
	require.NoError(t, err)
	assert.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", view.Descriptor.Source)
	assert.Equal(t, "/downloads", view.Descriptor.OutputDir)
	assert.Equal(t, "mp4", view.Descriptor.Format)
	assert.Equal(t, "Resolved Title", view.Name)
	assert.Equal(t, 1, env.resolver.calls)
}

func TestBatchEnqueue(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/queue/batch", map[string]any{
		"kind":   "audio-download",
		"format": "mp3",
		"urls": "# morning mix\n" +
			"https://www.youtube.com/watch?v=dQw4w9WgXcQ&list=PL1\n" +
			"\n" +
			"not a url\n" +
			"https://vimeo.com/111\n",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[BatchResponse](t, w)

	require.Len(t, resp.Queued, 2)
	assert.Equal(t, 2, resp.Queued[0].Line)
	assert.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", resp.Queued[0].URL)
	assert.Equal(t, 5, resp.Queued[1].Line)

	require.Len(t, resp.Rejected, 1)
	assert.Equal(t, 4, resp.Rejected[0].Line)
	assert.Equal(t, "not a url", resp.Rejected[0].URL)

	snap := env.sched.Snapshot()
	require.Len(t, snap.Pending, 2)
	for _, view := range snap.Pending {
		assert.Equal(t, models.KindAudioDownload, view.Kind)
		assert.Equal(t, "/downloads", view.Descriptor.OutputDir)
	}
}

func TestBatchEnqueue_NothingValid(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/queue/batch", map[string]any{
		"kind":   "video-download",
		"format": "mp4",
		"urls":   "# nothing\nftp://example.com/file\n",
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	resp := decode[BatchResponse](t, w)
	assert.Empty(t, resp.Queued)
	assert.Len(t, resp.Rejected, 1)

	w = env.do(t, http.MethodPost, "/queue/batch", map[string]any{
		"kind":   "audio-conversion",
		"format": "mp3",
		"urls":   "https://vimeo.com/1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, env.sched.Snapshot().Pending)
}

func TestAddToQueue_ConversionDefaultsToInputDir(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/queue", map[string]any{
		"kind":          "audio-extraction",
		"source":        "/media/clips/talk.mkv",
		"quality":       "192",
		"format":        "mp3",
		"resolve_title": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[map[string]string](t, w)["id"]

	view, err := env.sched.Task(id)
	require.NoError(t, err)
	assert.Equal(t, "/media/clips", view.Descriptor.OutputDir)
	assert.Equal(t, "talk", view.Name)
	assert.Equal(t, "/media/clips/talk.mp3", view.OutputPath)
	assert.Zero(t, env.resolver.calls)
}

func TestAddToQueue_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"unknown kind", map[string]any{"kind": "karaoke", "source": "https://x.y", "format": "mp4"}},
		{"missing source", map[string]any{"kind": "video-download", "format": "mp4"}},
		{"missing format", map[string]any{"kind": "video-download", "source": "https://x.y"}},
		{"bad format", map[string]any{"kind": "video-download", "source": "https://x.y", "format": "../mp4"}},
		{"download needs url", map[string]any{"kind": "audio-download", "source": "/local/file", "format": "mp3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/queue", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, decode[map[string]string](t, w), "error")
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/queue", strings.NewReader("{"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueueSnapshotAndReport(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/queue/report", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rep := decode[report.Report](t, w)
	assert.Equal(t, report.EmptyPlaceholder, rep.Placeholder)

	_, err := env.sched.Enqueue(models.KindAudioConversion, models.Descriptor{Source: "/a.wav", Format: "mp3", OutputDir: "/out"})
	require.NoError(t, err)

	w = env.do(t, http.MethodGet, "/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[models.Snapshot](t, w)
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, 2, snap.Limit)

	w = env.do(t, http.MethodGet, "/queue/report", nil)
	rep = decode[report.Report](t, w)
	assert.Empty(t, rep.Placeholder)
	require.Len(t, rep.Rows, 1)
	assert.Equal(t, "Waiting", rep.Rows[0].Status)
}

func TestGetAndDeleteTask(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.sched.Enqueue(models.KindVideoDownload, models.Descriptor{Source: "https://x.y/v", Format: "mp4", OutputDir: "/d"})
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/queue/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatePending, decode[models.TaskView](t, w).State)

	w = env.do(t, http.MethodDelete, "/queue/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, "/queue/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/queue/task-unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClearPending(t *testing.T) {
	env := newTestEnv(t)
	for range 3 {
		_, err := env.sched.Enqueue(models.KindVideoDownload, models.Descriptor{Source: "https://x.y/v", Format: "mp4"})
		require.NoError(t, err)
	}

	w := env.do(t, http.MethodDelete, "/queue/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, decode[map[string]int](t, w)["cleared"])
	assert.Empty(t, env.sched.Snapshot().Pending)
}

func TestSetLimit(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPut, "/queue/limit", map[string]int{"limit": 4})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 4, env.sched.Limit())

	for _, bad := range []int{0, 6} {
		w = env.do(t, http.MethodPut, "/queue/limit", map[string]int{"limit": bad})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}
	assert.Equal(t, 4, env.sched.Limit())
}

func TestPauseResume(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/queue/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.sched.Paused())

	w = env.do(t, http.MethodPost, "/queue/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.sched.Paused())
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/history?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.HistoryEntry](t, w), 1)

	w = env.do(t, http.MethodGet, "/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodDelete, "/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), decode[map[string]int64](t, w)["cleared"])

	env.history.err = errors.New("db locked")
	w = env.do(t, http.MethodGet, "/history", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mediaq_concurrency_limit")
}
