package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"mediaqgo/internal/metadata"
	"mediaqgo/internal/models"
	"mediaqgo/internal/report"
	"mediaqgo/internal/scheduler"
)

type Queue interface {
	Enqueue(kind models.Kind, d models.Descriptor) (string, error)
	SetConcurrencyLimit(n int) error
	Pause()
	Resume()
	ClearPending() int
	Remove(id string) error
	Snapshot() models.Snapshot
	Task(id string) (models.TaskView, error)
}

type History interface {
	List(ctx context.Context, limit int) ([]models.HistoryEntry, error)
	Clear(ctx context.Context) (int64, error)
}

type Reports interface {
	Current() report.Report
}

type TitleResolver interface {
	TitleOrPlaceholder(ctx context.Context, pageURL string) string
}

type EnqueueRequest struct {
	Kind         string `json:"kind" validate:"required,oneof=video-download audio-download video-conversion audio-extraction audio-conversion"`
	Source       string `json:"source" validate:"required,max=2048"`
	Quality      string `json:"quality" validate:"max=32"`
	Format       string `json:"format" validate:"required,alphanum,max=8"`
	OutputDir    string `json:"output_dir"`
	OutputFile   string `json:"output_file"`
	Name         string `json:"name" validate:"max=255"`
	ResolveTitle bool   `json:"resolve_title"`
}

// BatchRequest enqueues one download per line of URLs. Blank lines and lines
// starting with # are skipped.
type BatchRequest struct {
	Kind      string `json:"kind" validate:"required,oneof=video-download audio-download"`
	URLs      string `json:"urls" validate:"required,max=1048576"`
	Quality   string `json:"quality" validate:"max=32"`
	Format    string `json:"format" validate:"required,alphanum,max=8"`
	OutputDir string `json:"output_dir"`
}

type BatchQueued struct {
	metadata.ListEntry
	ID string `json:"id"`
}

type BatchRejected struct {
	metadata.ListEntry
	Error string `json:"error"`
}

type BatchResponse struct {
	Queued   []BatchQueued   `json:"queued"`
	Rejected []BatchRejected `json:"rejected"`
}

type LimitRequest struct {
	Limit int `json:"limit" validate:"min=1,max=5"`
}

var validate = validator.New()

func GetQueueHandler(queue Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, queue.Snapshot())
	}
}

func GetTaskHandler(queue Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := queue.Task(chi.URLParam(r, "id"))
		if err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// AddToQueueHandler validates the request, fills in defaults and enqueues.
func AddToQueueHandler(queue Queue, resolver TitleResolver, downloadDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		kind := models.Kind(req.Kind)
		desc := models.Descriptor{
			Source:     strings.TrimSpace(req.Source),
			Quality:    strings.TrimSpace(req.Quality),
			Format:     strings.ToLower(req.Format),
			OutputDir:  req.OutputDir,
			OutputFile: req.OutputFile,
			Name:       strings.TrimSpace(req.Name),
		}

		if kind.IsDownload() {
			if err := validate.Var(desc.Source, "http_url"); err != nil {
				writeError(w, http.StatusBadRequest, "source must be an http(s) URL")
				return
			}
			desc.Source = metadata.CleanYouTubeURL(desc.Source)
			if desc.OutputDir == "" {
				desc.OutputDir = downloadDir
			}
			if desc.Name == "" && req.ResolveTitle && resolver != nil {
				desc.Name = resolver.TitleOrPlaceholder(r.Context(), desc.Source)
			}
		} else if desc.OutputDir == "" {
			desc.OutputDir = filepath.Dir(desc.Source)
		}

		id, err := queue.Enqueue(kind, desc)
		if err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

// BatchEnqueueHandler queues every valid URL of a pasted list and reports the
// rest with their line numbers.
func BatchEnqueueHandler(queue Queue, downloadDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		outputDir := req.OutputDir
		if outputDir == "" {
			outputDir = downloadDir
		}
		resp := BatchResponse{Queued: []BatchQueued{}, Rejected: []BatchRejected{}}
		for _, entry := range metadata.SplitURLList(req.URLs) {
			if err := validate.Var(entry.URL, "http_url"); err != nil {
				resp.Rejected = append(resp.Rejected, BatchRejected{ListEntry: entry, Error: "not an http(s) URL"})
				continue
			}
			id, err := queue.Enqueue(models.Kind(req.Kind), models.Descriptor{
				Source:    entry.URL,
				Quality:   strings.TrimSpace(req.Quality),
				Format:    strings.ToLower(req.Format),
				OutputDir: outputDir,
			})
			if err != nil {
				resp.Rejected = append(resp.Rejected, BatchRejected{ListEntry: entry, Error: err.Error()})
				continue
			}
			resp.Queued = append(resp.Queued, BatchQueued{ListEntry: entry, ID: id})
		}

		slog.Info("Batch enqueued", "kind", req.Kind, "queued", len(resp.Queued), "rejected", len(resp.Rejected))
		status := http.StatusCreated
		if len(resp.Queued) == 0 {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, resp)
	}
}

func ClearPendingHandler(queue Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"cleared": queue.ClearPending()})
	}
}

func DeleteQueueItemHandler(queue Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}
		if err := queue.Remove(id); err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	}
}

func SetLimitHandler(queue Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LimitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 5")
			return
		}
		if err := queue.SetConcurrencyLimit(req.Limit); err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"limit": req.Limit})
	}
}

func PauseHandler(queue Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queue.Pause()
		writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
	}
}

func ResumeHandler(queue Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queue.Resume()
		writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
	}
}

func GetReportHandler(reports Reports) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, reports.Current())
	}
}

func GetHistoryHandler(history History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = n
		}
		entries, err := history.List(r.Context(), limit)
		if err != nil {
			slog.Error("Failed to list history", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to read history")
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func ClearHistoryHandler(history History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := history.Clear(r.Context())
		if err != nil {
			slog.Error("Failed to clear history", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to clear history")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrTaskRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrInvalidLimit),
		errors.Is(err, scheduler.ErrUnknownKind),
		errors.Is(err, scheduler.ErrNoExecutor),
		errors.Is(err, scheduler.ErrInvalidDescriptor):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("Queue operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
