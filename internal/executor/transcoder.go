package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"mediaqgo/internal/models"
)

const (
	VideoCodec    = "libx264"
	VideoPreset   = "medium"
	VideoCRF      = "23"
	AudioCodec    = "aac"
	AudioBitrate  = "128k"
	FastStartFlag = "+faststart"

	ProgressPipeTarget = "pipe:2"
	progressTimePrefix = "out_time_us="
	progressSpeedKey   = "speed="
	progressMarkerKey  = "progress="

	stderrTailLines = 5
	maxStderrLine   = 1024 * 1024
)

// audioCodecs maps an output extension to the ffmpeg audio encoder.
var audioCodecs = map[string]string{
	"mp3":  "libmp3lame",
	"aac":  "aac",
	"m4a":  "aac",
	"flac": "flac",
	"wav":  "pcm_s16le",
	"ogg":  "libvorbis",
}

func AudioCodecFor(format string) string {
	if codec, ok := audioCodecs[strings.ToLower(strings.TrimPrefix(format, "."))]; ok {
		return codec
	}
	return "libmp3lame"
}

// Transcoder runs ffmpeg on a local file for the conversion kinds.
type Transcoder struct {
	kind        models.Kind
	ffmpegPath  string
	ffprobePath string

	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func NewTranscoder(kind models.Kind, ffmpegPath, ffprobePath string) (*Transcoder, error) {
	if !kind.Valid() || kind.IsDownload() {
		return nil, fmt.Errorf("transcoder cannot handle %q", kind)
	}
	if ffmpegPath == "" {
		return nil, fmt.Errorf("%w: ffmpeg", ErrBinaryNotFound)
	}
	return &Transcoder{
		kind:        kind,
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		command:     exec.CommandContext,
	}, nil
}

func (t *Transcoder) Execute(ctx context.Context, d models.Descriptor, onProgress func(models.Progress)) error {
	input := d.Source
	if _, err := os.Stat(input); err != nil {
		return fmt.Errorf("input file: %w", err)
	}
	output := d.OutputPath()
	if samePath(input, output) {
		return fmt.Errorf("output %s would overwrite the input", output)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	duration, err := t.probeDuration(ctx, input)
	if err != nil {
		slog.Warn("Could not probe duration, progress will be unknown", "input", input, "error", err)
	}

	cmd := t.command(ctx, t.ffmpegPath, t.BuildArgs(input, output, d.Format, d.Quality)...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	tail := t.monitor(stderr, duration, onProgress)
	if err := cmd.Wait(); err != nil {
		os.Remove(output)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if len(tail) > 0 {
			return fmt.Errorf("ffmpeg: %w: %s", err, tail[len(tail)-1])
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// BuildArgs returns the ffmpeg arguments for this transcoder's kind.
func (t *Transcoder) BuildArgs(input, output, format, quality string) []string {
	args := []string{"-y", "-i", input}

	if t.kind == models.KindVideoConversion {
		args = append(args,
			"-c:v", VideoCodec,
			"-preset", VideoPreset,
			"-crf", VideoCRF,
			"-c:a", AudioCodec,
			"-b:a", AudioBitrate,
		)
		switch strings.ToLower(strings.TrimPrefix(format, ".")) {
		case "mp4", "mov", "m4v":
			args = append(args, "-movflags", FastStartFlag)
		}
	} else {
		codec := AudioCodecFor(format)
		args = append(args, "-vn", "-c:a", codec)
		if codec == "libmp3lame" {
			if kbps := leadingNumber(quality); kbps > 0 {
				args = append(args, "-b:a", strconv.Itoa(kbps)+"k")
			}
		}
	}

	return append(args, "-progress", ProgressPipeTarget, "-nostats", output)
}

func (t *Transcoder) probeDuration(ctx context.Context, input string) (float64, error) {
	if t.ffprobePath == "" {
		return 0, fmt.Errorf("%w: ffprobe", ErrBinaryNotFound)
	}
	out, err := t.command(ctx, t.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		input,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration: %w", err)
	}
	return duration, nil
}

// monitor forwards progress blocks and returns the last lines that were not
// progress keys, which carry ffmpeg's error text.
func (t *Transcoder) monitor(stderr io.Reader, duration float64, onProgress func(models.Progress)) []string {
	parser := &progressParser{duration: duration}
	var tail []string

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStderrLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if p, ok := parser.feed(line); ok {
			onProgress(p)
			continue
		}
		if line != "" && !strings.Contains(line, "=") {
			tail = append(tail, line)
			if len(tail) > stderrTailLines {
				tail = tail[1:]
			}
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("Stopped reading ffmpeg output", "error", err)
	}
	// ffmpeg blocks on a full pipe, so whatever is left must still be read.
	io.Copy(io.Discard, stderr)
	return tail
}

// progressParser turns ffmpeg -progress key=value blocks into updates. One
// update is produced per block, at its progress= line.
type progressParser struct {
	duration float64
	outTime  float64
	speed    float64
}

func (p *progressParser) feed(line string) (models.Progress, bool) {
	switch {
	case strings.HasPrefix(line, progressTimePrefix):
		if us, err := strconv.ParseInt(strings.TrimPrefix(line, progressTimePrefix), 10, 64); err == nil && us >= 0 {
			p.outTime = float64(us) / 1e6
		}
	case strings.HasPrefix(line, progressSpeedKey):
		value := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(line, progressSpeedKey), "x"))
		if speed, err := strconv.ParseFloat(value, 64); err == nil {
			p.speed = speed
		}
	case strings.HasPrefix(line, progressMarkerKey):
		return p.current(strings.TrimPrefix(line, progressMarkerKey) == "end"), true
	}
	return models.Progress{}, false
}

func (p *progressParser) current(done bool) models.Progress {
	progress := models.Progress{ETASec: models.ETAUnknown}
	if p.speed > 0 {
		progress.Speed = fmt.Sprintf("%.1fx", p.speed)
	}
	if p.duration > 0 {
		progress.Percent = min(p.outTime/p.duration*100, 100)
		if p.speed > 0 {
			progress.ETASec = int(max(p.duration-p.outTime, 0) / p.speed)
		}
	}
	if done {
		progress.Percent = 100
		progress.ETASec = 0
	}
	return progress
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errors.Join(errA, errB) != nil {
		return a == b
	}
	return absA == absB
}
