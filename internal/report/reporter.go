package report

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"mediaqgo/internal/metrics"
	"mediaqgo/internal/models"
)

const (
	DefaultDebounce  = 100 * time.Millisecond
	DefaultInterval  = 2 * time.Second
	DefaultNameWidth = 50

	EmptyPlaceholder = "No tasks in the queue"
	UnknownETA       = "—"
)

type Source interface {
	Snapshot() models.Snapshot
}

// Sink receives every rendered report. Publish must not block.
type Sink interface {
	Publish(Report)
}

type Summary struct {
	Running  int  `json:"running"`
	Pending  int  `json:"pending"`
	Finished int  `json:"finished"`
	Limit    int  `json:"limit"`
	Paused   bool `json:"paused"`
}

type Row struct {
	ID      string       `json:"id"`
	Kind    models.Kind  `json:"kind"`
	State   models.State `json:"state"`
	Name    string       `json:"name"`
	Status  string       `json:"status"`
	Percent float64      `json:"percent"`
	Speed   string       `json:"speed"`
	ETA     string       `json:"eta"`
	Output  string       `json:"output"`
}

// Report is one rendered view of the queue. When nothing is running or
// pending it carries only the Placeholder and no rows.
type Report struct {
	Summary     Summary   `json:"summary"`
	Placeholder string    `json:"placeholder,omitempty"`
	Rows        []Row     `json:"rows"`
	GeneratedAt time.Time `json:"generatedAt"`
}

type Options struct {
	Debounce  time.Duration
	Interval  time.Duration
	NameWidth int
}

type Reporter struct {
	source Source
	sink   Sink
	opts   Options

	mu        sync.Mutex
	scheduled bool
	timer     *time.Timer

	// renderMu keeps published reports in snapshot order.
	renderMu sync.Mutex
}

func New(source Source, sink Sink, opts Options) *Reporter {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.NameWidth <= 0 {
		opts.NameWidth = DefaultNameWidth
	}
	return &Reporter{source: source, sink: sink, opts: opts}
}

// Refresh schedules a render after the debounce window. Calls made while one
// is already scheduled are folded into it.
func (r *Reporter) Refresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduled {
		return
	}
	r.scheduled = true
	r.timer = time.AfterFunc(r.opts.Debounce, r.flush)
}

func (r *Reporter) flush() {
	r.mu.Lock()
	r.scheduled = false
	r.timer = nil
	r.mu.Unlock()
	r.publish()
}

// Run re-renders on a fixed interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			if r.timer != nil {
				r.timer.Stop()
				r.timer = nil
				r.scheduled = false
			}
			r.mu.Unlock()
			return nil
		case <-ticker.C:
			r.publish()
		}
	}
}

// Current renders the queue as it is now without publishing.
func (r *Reporter) Current() Report {
	return Render(r.source.Snapshot(), r.opts.NameWidth)
}

func (r *Reporter) publish() {
	r.renderMu.Lock()
	defer r.renderMu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Report render panicked", "panic", rec)
		}
	}()
	report := r.Current()
	metrics.ReportsRendered.Inc()
	r.sink.Publish(report)
}

func Render(snap models.Snapshot, width int) Report {
	rep := Report{
		Summary: Summary{
			Running:  len(snap.Running),
			Pending:  len(snap.Pending),
			Finished: len(snap.Finished),
			Limit:    snap.Limit,
			Paused:   snap.Paused,
		},
		Rows:        make([]Row, 0, len(snap.Running)+len(snap.Pending)+len(snap.Finished)),
		GeneratedAt: time.Now(),
	}
	if snap.Empty() {
		rep.Placeholder = EmptyPlaceholder
		return rep
	}
	for _, group := range [][]models.TaskView{snap.Running, snap.Pending, snap.Finished} {
		for _, view := range group {
			rep.Rows = append(rep.Rows, renderRow(view, width))
		}
	}
	return rep
}

func renderRow(view models.TaskView, width int) Row {
	return Row{
		ID:      view.ID,
		Kind:    view.Kind,
		State:   view.State,
		Name:    Truncate(view.Name, width),
		Status:  StatusText(view),
		Percent: view.Percent,
		Speed:   view.Speed,
		ETA:     FormatETA(view.ETASec),
		Output:  Truncate(filepath.Base(view.OutputPath), width),
	}
}

// Truncate shortens s to width runes and marks the cut with "...".
func Truncate(s string, width int) string {
	runes := []rune(s)
	if width <= 0 || len(runes) <= width {
		return s
	}
	return string(runes[:width]) + "..."
}

// FormatETA renders seconds as mm:ss or hh:mm:ss.
func FormatETA(sec int) string {
	if sec <= 0 {
		return UnknownETA
	}
	hours := sec / 3600
	minutes := (sec % 3600) / 60
	seconds := sec % 60
	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

func StatusText(view models.TaskView) string {
	switch view.State {
	case models.StatePending:
		return "Waiting"
	case models.StateRunning:
		switch view.Kind {
		case models.KindVideoDownload, models.KindAudioDownload:
			return "Downloading"
		case models.KindAudioExtraction:
			return "Extracting audio"
		default:
			return "Converting"
		}
	case models.StateCompleted:
		return "Done"
	case models.StateFailed:
		return "Error: " + view.LastError
	case models.StateCancelled:
		return "Cancelled"
	}
	return string(view.State)
}
