package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
	DefaultFileName   = "wsvisor.log"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"

	FormatText = "text"
	FormatJSON = "json"
)

// Config is the supervisor's own logging setup. Backend output never goes
// through here; it is appended straight to the workspace log file.
type Config struct {
	Slog SlogConfig `mapstructure:"slog" json:"slog"`
	File FileConfig `mapstructure:"file" json:"file"`
}

type SlogConfig struct {
	Level      string `mapstructure:"level" json:"level"`
	Format     string `mapstructure:"format" json:"format"`
	Color      bool   `mapstructure:"color" json:"color"`
	TimeStamps bool   `mapstructure:"timestamps" json:"timestamps"`
	Source     bool   `mapstructure:"source" json:"source"`
}

// FileConfig enables a rotated copy of the log. Path wins over Dir; with only
// Dir set the file is Dir/wsvisor.log. Rotation follows lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir" json:"dir"`
	Path       string `mapstructure:"path" json:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days"`
	Compress   bool   `mapstructure:"compress" json:"compress"`
}

func DefaultConfig() Config {
	return Config{
		Slog: SlogConfig{Level: LevelInfo, Format: FormatText, TimeStamps: true},
	}
}

// FilePath is the resolved log file, or "" when file logging is off.
func (c Config) FilePath() string {
	if c.File.Path != "" {
		return c.File.Path
	}
	if c.File.Dir != "" {
		return filepath.Join(c.File.Dir, DefaultFileName)
	}
	return ""
}

// FileWriter returns the rotating writer, or nil when file logging is off.
func (c Config) FileWriter() io.WriteCloser {
	p := c.FilePath()
	if p == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   p,
		MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.File.Compress,
	}
}

// NewSlogger builds a logger writing to stderr and, if configured, to the
// rotating file. The returned closer releases the file; it is never nil.
func (c Config) NewSlogger() (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if fw := c.FileWriter(); fw != nil {
		w = io.MultiWriter(os.Stderr, fw)
		closer = fw
	}
	return slog.New(c.Handler(w)), closer
}

// Handler builds the slog handler for w according to c.Slog.
func (c Config) Handler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(c.Slog.Level),
		AddSource: c.Slog.Source,
	}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	if strings.EqualFold(c.Slog.Format, FormatJSON) {
		return slog.NewJSONHandler(w, opts)
	}
	if c.Slog.Color {
		return NewColorTextHandler(w, opts, c.Slog.TimeStamps)
	}
	return slog.NewTextHandler(w, opts)
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
