package models

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindVideoDownload   Kind = "video-download"
	KindAudioDownload   Kind = "audio-download"
	KindVideoConversion Kind = "video-conversion"
	KindAudioExtraction Kind = "audio-extraction"
	KindAudioConversion Kind = "audio-conversion"
)

var Kinds = []Kind{
	KindVideoDownload,
	KindAudioDownload,
	KindVideoConversion,
	KindAudioExtraction,
	KindAudioConversion,
}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsDownload reports whether the task fetches remote media rather than
// transcoding a local file.
func (k Kind) IsDownload() bool {
	return k == KindVideoDownload || k == KindAudioDownload
}

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ETAUnknown marks a progress update without a usable time estimate.
const ETAUnknown = -1

// Descriptor is the immutable description of one unit of work.
type Descriptor struct {
	Source     string `json:"source"`
	Quality    string `json:"quality"`
	Format     string `json:"format"`
	OutputDir  string `json:"outputDir"`
	OutputFile string `json:"outputFile,omitempty"`
	Name       string `json:"name,omitempty"`
}

var youtubeIDPattern = regexp.MustCompile(`(?:youtube\.com/watch\?v=|youtu\.be/|youtube\.com/shorts/)([a-zA-Z0-9_-]+)`)

// DisplayName returns the caller supplied name or a placeholder derived from
// the source.
func (d Descriptor) DisplayName() string {
	if name := strings.TrimSpace(d.Name); name != "" {
		return name
	}
	return Placeholder(d.Source)
}

// UnknownName is the placeholder for sources that say nothing about their
// content. Tasks carrying it get a per-task suffix so outputs never collide.
const UnknownName = "Unknown video"

func Placeholder(source string) string {
	if m := youtubeIDPattern.FindStringSubmatch(source); m != nil {
		id := m[1]
		if len(id) > 8 {
			id = id[:8]
		}
		return fmt.Sprintf("YouTube Video (%s...)", id)
	}
	if source != "" && !strings.Contains(source, "://") {
		base := filepath.Base(source)
		if ext := filepath.Ext(base); ext != "" && len(base) > len(ext) {
			base = strings.TrimSuffix(base, ext)
		}
		if base != "." && base != string(filepath.Separator) {
			return base
		}
	}
	return UnknownName
}

var unsafeNameChars = regexp.MustCompile(`[^\p{L}\p{N}\-_. ()\[\]]`)

func SanitizeName(name string) string {
	clean := strings.TrimSpace(unsafeNameChars.ReplaceAllString(name, ""))
	if clean == "" {
		return "output"
	}
	return clean
}

// OutputPath is where the finished file is expected to land.
func (d Descriptor) OutputPath() string {
	if d.OutputFile != "" {
		return d.OutputFile
	}
	file := SanitizeName(d.DisplayName())
	if ext := strings.TrimPrefix(d.Format, "."); ext != "" {
		file += "." + ext
	}
	return filepath.Join(d.OutputDir, file)
}

// Progress is one report from an executor.
type Progress struct {
	Percent float64
	Speed   string
	ETASec  int
	// Restart is set when the executor starts over with a fallback parameter
	// set; it allows the percentage to drop back.
	Restart bool
}

// Task is one queued unit of work. Kind, Descriptor and identity never change
// after creation; the live status is guarded by mu.
type Task struct {
	ID         string
	Kind       Kind
	Descriptor Descriptor
	CreatedAt  time.Time

	mu         sync.RWMutex
	state      State
	percent    float64
	speed      string
	etaSec     int
	lastError  string
	startedAt  time.Time
	finishedAt time.Time
}

func NewTask(kind Kind, d Descriptor) *Task {
	id := NewTaskID()
	if d.OutputFile == "" && d.DisplayName() == UnknownName {
		d.Name = fmt.Sprintf("%s (%s)", UnknownName, id[len(id)-8:])
	}
	return &Task{
		ID:         id,
		Kind:       kind,
		Descriptor: d,
		CreatedAt:  time.Now(),
		state:      StatePending,
		etaSec:     ETAUnknown,
	}
}

const TaskIDPrefix = "task-"

// NewTaskID returns a time ordered id that is never reused within a process.
func NewTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return TaskIDPrefix + uuid.NewString()
	}
	return TaskIDPrefix + id.String()
}

func (t *Task) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Start moves a pending task to running. It returns false for any other state.
func (t *Task) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePending {
		return false
	}
	t.state = StateRunning
	t.startedAt = time.Now()
	t.percent = 0
	return true
}

// Finish records the terminal outcome of a running task. A nil err completes
// the task; otherwise the error text is kept verbatim.
func (t *Task) Finish(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.IsTerminal() {
		return false
	}
	t.finishedAt = time.Now()
	t.speed = ""
	t.etaSec = ETAUnknown
	if err != nil {
		t.state = StateFailed
		t.lastError = err.Error()
		return true
	}
	t.state = StateCompleted
	t.percent = 100
	return true
}

// Cancel terminates a task that never started.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePending {
		return false
	}
	t.state = StateCancelled
	t.finishedAt = time.Now()
	return true
}

// ApplyProgress updates the live status of a running task. The percentage
// only moves forward unless p.Restart is set.
func (t *Task) ApplyProgress(p Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRunning {
		return
	}
	percent := min(max(p.Percent, 0), 100)
	if p.Restart || percent > t.percent {
		t.percent = percent
	}
	if p.Speed != "" {
		t.speed = p.Speed
	}
	t.etaSec = p.ETASec
}

// TaskView is a point-in-time copy of a task, safe to hand to readers.
type TaskView struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	Descriptor Descriptor `json:"descriptor"`
	Name       string     `json:"name"`
	OutputPath string     `json:"outputPath"`
	State      State      `json:"state"`
	Percent    float64    `json:"percent"`
	Speed      string     `json:"speed"`
	ETASec     int        `json:"etaSec"`
	LastError  string     `json:"lastError,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  time.Time  `json:"startedAt,omitzero"`
	FinishedAt time.Time  `json:"finishedAt,omitzero"`
}

func (t *Task) View() TaskView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TaskView{
		ID:         t.ID,
		Kind:       t.Kind,
		Descriptor: t.Descriptor,
		Name:       t.Descriptor.DisplayName(),
		OutputPath: t.Descriptor.OutputPath(),
		State:      t.state,
		Percent:    t.percent,
		Speed:      t.speed,
		ETASec:     t.etaSec,
		LastError:  t.lastError,
		CreatedAt:  t.CreatedAt,
		StartedAt:  t.startedAt,
		FinishedAt: t.finishedAt,
	}
}

type Snapshot struct {
	Running  []TaskView `json:"running"`
	Pending  []TaskView `json:"pending"`
	Finished []TaskView `json:"finished"`
	Limit    int        `json:"limit"`
	Paused   bool       `json:"paused"`
}

func (s Snapshot) Empty() bool {
	return len(s.Running) == 0 && len(s.Pending) == 0
}

// HistoryEntry is what gets recorded after a successful task.
type HistoryEntry struct {
	Title      string    `json:"title"`
	Source     string    `json:"source"`
	OutputPath string    `json:"outputPath"`
	Format     string    `json:"format"`
	Quality    string    `json:"quality"`
	CreatedAt  time.Time `json:"createdAt"`
}
