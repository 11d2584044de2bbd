package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"INFO"`
	DataDir     string `envconfig:"DATA_DIR" default:"./data"`
	DownloadDir string `envconfig:"DOWNLOAD_DIR" default:"./downloads"`

	MaxConcurrent   int           `envconfig:"MAX_CONCURRENT" default:"2"`
	PollTimeout     time.Duration `envconfig:"POLL_TIMEOUT" default:"1s"`
	Backoff         time.Duration `envconfig:"BACKOFF" default:"2s"`
	Debounce        time.Duration `envconfig:"DEBOUNCE" default:"100ms"`
	RefreshInterval time.Duration `envconfig:"REFRESH_INTERVAL" default:"2s"`
	NameWidth       int           `envconfig:"NAME_WIDTH" default:"50"`

	YtdlpPath   string `envconfig:"YTDLP_PATH"`
	FFmpegPath  string `envconfig:"FFMPEG_PATH"`
	FFprobePath string `envconfig:"FFPROBE_PATH"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// LoadConfig reads the environment, after applying envFile when it exists.
// Variables already set in the environment take precedence over the file.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port cannot be empty")
	}
	if _, ok := parseLevel(c.LogLevel); !ok {
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if c.MaxConcurrent < 1 || c.MaxConcurrent > 5 {
		return fmt.Errorf("max concurrent must be between 1 and 5: %d", c.MaxConcurrent)
	}
	if c.PollTimeout <= 0 || c.Backoff <= 0 || c.Debounce <= 0 || c.RefreshInterval <= 0 {
		return errors.New("poll timeout, backoff, debounce and refresh interval must be positive")
	}
	if c.NameWidth <= 0 {
		return fmt.Errorf("name width must be positive: %d", c.NameWidth)
	}
	if c.DataDir == "" || c.DownloadDir == "" {
		return errors.New("data and download directories cannot be empty")
	}
	return nil
}

func (c *Config) Level() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

// EnsureDirs creates the data and download directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.DownloadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "", "INFO":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}
