package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lrstanley/go-ytdlp"

	"mediaqgo/internal/models"
)

const (
	DefaultProgressInterval = 500 * time.Millisecond

	formatUnavailableText = "Requested format is not available"
	fallbackVideoFormat   = "best"
	fallbackAudioFormat   = "bestaudio"
)

var ErrFormatUnavailable = errors.New("requested format is not available")

// fetchRequest is everything one yt-dlp invocation needs.
type fetchRequest struct {
	URL          string
	Output       string
	Format       string
	MergeFormat  string
	ExtractAudio bool
	AudioFormat  string
	AudioQuality string
}

type DownloaderOptions struct {
	// Executable overrides the yt-dlp binary. Empty means PATH lookup.
	Executable       string
	FFmpegPath       string
	ProgressInterval time.Duration
}

// Downloader fetches remote media with yt-dlp for the download kinds.
type Downloader struct {
	audio bool
	opts  DownloaderOptions

	run func(ctx context.Context, req fetchRequest, onUpdate func(ytdlp.ProgressUpdate)) error
}

func NewDownloader(kind models.Kind, opts DownloaderOptions) (*Downloader, error) {
	if !kind.IsDownload() {
		return nil, fmt.Errorf("downloader cannot handle %q", kind)
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	d := &Downloader{
		audio: kind == models.KindAudioDownload,
		opts:  opts,
	}
	d.run = d.runYtdlp
	return d, nil
}

func (d *Downloader) Execute(ctx context.Context, desc models.Descriptor, onProgress func(models.Progress)) error {
	if err := os.MkdirAll(filepath.Dir(desc.OutputPath()), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	req := d.request(desc)
	onUpdate := func(update ytdlp.ProgressUpdate) {
		onProgress(progressFromUpdate(update))
	}

	err := d.run(ctx, req, onUpdate)
	if errors.Is(err, ErrFormatUnavailable) {
		fallback := d.fallbackFormat()
		slog.Warn("Format not available, retrying with fallback", "source", desc.Source, "format", req.Format, "fallback", fallback)
		onProgress(models.Progress{ETASec: models.ETAUnknown, Restart: true})
		req.Format = fallback
		err = d.run(ctx, req, onUpdate)
	}
	return err
}

func (d *Downloader) request(desc models.Descriptor) fetchRequest {
	output := desc.OutputPath()
	req := fetchRequest{
		URL:    desc.Source,
		Output: strings.TrimSuffix(output, filepath.Ext(output)) + ".%(ext)s",
	}
	format := strings.ToLower(strings.TrimPrefix(desc.Format, "."))
	if d.audio {
		req.Format = AudioFormatSelector(desc.Quality)
		req.ExtractAudio = true
		req.AudioFormat = audioCodecName(format)
		if kbps := leadingNumber(desc.Quality); kbps > 0 {
			req.AudioQuality = strconv.Itoa(kbps) + "K"
		}
		return req
	}
	req.Format = VideoFormatSelector(desc.Quality)
	req.MergeFormat = format
	return req
}

func (d *Downloader) fallbackFormat() string {
	if d.audio {
		return fallbackAudioFormat
	}
	return fallbackVideoFormat
}

func (d *Downloader) runYtdlp(ctx context.Context, req fetchRequest, onUpdate func(ytdlp.ProgressUpdate)) error {
	cmd := ytdlp.New().
		NoPlaylist().
		NoPart().
		ForceOverwrites().
		Format(req.Format).
		Output(req.Output).
		ProgressFunc(d.opts.ProgressInterval, onUpdate)

	if d.opts.Executable != "" {
		cmd.SetExecutable(d.opts.Executable)
	}
	if d.opts.FFmpegPath != "" {
		cmd.FFmpegLocation(d.opts.FFmpegPath)
	}
	if req.MergeFormat != "" {
		cmd.MergeOutputFormat(req.MergeFormat)
	}
	if req.ExtractAudio {
		cmd.ExtractAudio()
		if req.AudioFormat != "" {
			cmd.AudioFormat(req.AudioFormat)
		}
		if req.AudioQuality != "" {
			cmd.AudioQuality(req.AudioQuality)
		}
	}

	res, err := cmd.Run(ctx, req.URL)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var stderr string
	if res != nil {
		stderr = res.Stderr
	}
	if strings.Contains(stderr, formatUnavailableText) || strings.Contains(err.Error(), formatUnavailableText) {
		return fmt.Errorf("%w: %s", ErrFormatUnavailable, req.Format)
	}
	if line := lastErrorLine(stderr); line != "" {
		return errors.New(line)
	}
	return fmt.Errorf("yt-dlp: %w", err)
}

func progressFromUpdate(update ytdlp.ProgressUpdate) models.Progress {
	p := models.Progress{ETASec: models.ETAUnknown}
	if update.TotalBytes > 0 {
		p.Percent = float64(update.DownloadedBytes) / float64(update.TotalBytes) * 100
	}
	if !update.Started.IsZero() {
		if elapsed := time.Since(update.Started).Seconds(); elapsed > 0 {
			p.Speed = FormatSpeed(float64(update.DownloadedBytes) / elapsed)
		}
	}
	if eta := update.ETA(); eta > 0 {
		p.ETASec = int(eta.Seconds())
	}
	return p
}

// FormatSpeed renders a byte rate like "1.2 MB/s".
func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 {
		return ""
	}
	return humanize.Bytes(uint64(bytesPerSecond)) + "/s"
}

// VideoFormatSelector caps the video height at the first number in quality.
func VideoFormatSelector(quality string) string {
	if height := leadingNumber(quality); height > 0 {
		return fmt.Sprintf("bestvideo[height<=%d]+bestaudio", height)
	}
	return "bestvideo+bestaudio"
}

// AudioFormatSelector caps the audio bitrate at the first number in quality.
func AudioFormatSelector(quality string) string {
	if abr := leadingNumber(quality); abr > 0 {
		return fmt.Sprintf("bestaudio[abr<=%d]/bestaudio", abr)
	}
	return "bestaudio"
}

func audioCodecName(format string) string {
	switch format {
	case "":
		return "mp3"
	case "ogg":
		return "vorbis"
	default:
		return format
	}
}

var numberPattern = regexp.MustCompile(`\d+`)

func leadingNumber(s string) int {
	match := numberPattern.FindString(s)
	if match == "" {
		return 0
	}
	n, err := strconv.Atoi(match)
	if err != nil {
		return 0
	}
	return n
}

func lastErrorLine(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); strings.HasPrefix(line, "ERROR:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		}
	}
	return ""
}
