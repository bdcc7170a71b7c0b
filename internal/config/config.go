// Package config loads the supervisor configuration from a TOML file with
// WSVISOR_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/loykin/wsvisor/internal/control"
	"github.com/loykin/wsvisor/internal/logger"
	"github.com/loykin/wsvisor/internal/supervisor"
	"github.com/loykin/wsvisor/internal/workspace"
)

const (
	EnvPrefix         = "WSVISOR"
	DefaultRootName   = ".openakita"
	DefaultListen     = "127.0.0.1:18990"
	DefaultBasePath   = "/api"
	DefaultConfigName = "wsvisor.toml"
)

// Config represents the top-level TOML structure.
//
//	root = "~/.openakita"
//	default_port = 18900
//	env = ["HTTP_PROXY=http://proxy:3128"]
//
//	[service]
//	executable = "venv/bin/python"
//	args = ["-m", "openakita.main", "serve"]
//
//	[timing]
//	grace_window = "500ms"
//
//	[history]
//	enabled = true
//	dsns = ["sqlite:///var/lib/wsvisor/history.db"]
type Config struct {
	Root        string `mapstructure:"root"`
	Prefix      string `mapstructure:"prefix"`
	LogName     string `mapstructure:"log_name"`
	DefaultPort int    `mapstructure:"default_port"`
	HealthProbe bool   `mapstructure:"health_probe"`

	// Child environment base: OS env (when UseOSEnv), then EnvFiles in order,
	// then Env entries.
	UseOSEnv bool     `mapstructure:"use_os_env"`
	EnvFiles []string `mapstructure:"env_files"`
	Env      []string `mapstructure:"env"`

	Service supervisor.Service       `mapstructure:"service"`
	Timing  supervisor.Timing        `mapstructure:"timing"`
	Orphans supervisor.OrphanMatcher `mapstructure:"orphans"`
	Control control.Config           `mapstructure:"control"`
	Server  ServerConfig             `mapstructure:"server"`
	Metrics MetricsConfig            `mapstructure:"metrics"`
	History HistoryConfig            `mapstructure:"history"`
	Log     logger.Config            `mapstructure:"log"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Resources adds per-backend CPU and memory gauges.
	Resources bool `mapstructure:"resources"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSNs    []string `mapstructure:"dsns"`
}

// DefaultRoot is ~/.openakita, or .openakita in the working directory when
// the home directory is unknown.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return DefaultRootName
	}
	return filepath.Join(home, DefaultRootName)
}

func setDefaults(v *viper.Viper) {
	svc := supervisor.DefaultService()
	tm := supervisor.DefaultTiming()
	orph := supervisor.DefaultOrphanMatcher()
	ctl := control.DefaultConfig()
	lg := logger.DefaultConfig()

	v.SetDefault("root", DefaultRoot())
	v.SetDefault("prefix", workspace.DefaultPrefix)
	v.SetDefault("log_name", workspace.DefaultLogName)
	v.SetDefault("default_port", workspace.DefaultPort)
	v.SetDefault("health_probe", false)
	v.SetDefault("use_os_env", true)
	v.SetDefault("env_files", []string{})
	v.SetDefault("env", []string{})

	v.SetDefault("service.executable", svc.Executable)
	v.SetDefault("service.args", svc.Args)
	v.SetDefault("service.env", svc.Env)

	v.SetDefault("timing.grace_window", tm.GraceWindow)
	v.SetDefault("timing.poll_interval", tm.PollInterval)
	v.SetDefault("timing.graceful_wait", tm.GracefulWait)
	v.SetDefault("timing.kill_wait", tm.KillWait)
	v.SetDefault("timing.identity_tolerance", tm.IdentityTolerance)
	v.SetDefault("timing.immediate_exit_tail", tm.ImmediateExitTail)
	v.SetDefault("timing.log_tail_default", tm.LogTailDefault)
	v.SetDefault("timing.log_tail_max", tm.LogTailMax)

	v.SetDefault("orphans.name_contains", orph.NameContains)
	v.SetDefault("orphans.cmdline_contains", orph.CmdlineContains)

	v.SetDefault("control.host", ctl.Host)
	v.SetDefault("control.shutdown_path", ctl.ShutdownPath)
	v.SetDefault("control.health_path", ctl.HealthPath)
	v.SetDefault("control.shutdown_timeout", ctl.ShutdownTimeout)
	v.SetDefault("control.health_timeout", ctl.HealthTimeout)

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", DefaultBasePath)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.resources", false)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsns", []string{})

	v.SetDefault("log.slog.level", lg.Slog.Level)
	v.SetDefault("log.slog.format", lg.Slog.Format)
	v.SetDefault("log.slog.color", lg.Slog.Color)
	v.SetDefault("log.slog.timestamps", lg.Slog.TimeStamps)
	v.SetDefault("log.slog.source", lg.Slog.Source)
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
}

// Default returns the configuration used when no file is given and no
// WSVISOR_* variables are set.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	// defaults always decode
	_ = v.Unmarshal(&c)
	c.Root = ExpandHome(c.Root)
	return &c
}

// Load reads path (TOML) when non-empty, then applies WSVISOR_* overrides,
// e.g. WSVISOR_ROOT or WSVISOR_TIMING_GRACE_WINDOW=1s.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.Root = ExpandHome(c.Root)
	if c.Log.File.Dir != "" {
		c.Log.File.Dir = ExpandHome(c.Log.File.Dir)
	}
	if c.Log.File.Path != "" {
		c.Log.File.Path = ExpandHome(c.Log.File.Path)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Root) == "" {
		errs = append(errs, errors.New("root must not be empty"))
	}
	if c.DefaultPort <= 0 || c.DefaultPort > 65535 {
		errs = append(errs, fmt.Errorf("default_port %d out of range", c.DefaultPort))
	}
	if strings.ContainsAny(c.Prefix, `/\`) {
		errs = append(errs, fmt.Errorf("prefix %q must not contain path separators", c.Prefix))
	}
	if c.Timing.LogTailMax < 0 || c.Timing.LogTailDefault < 0 {
		errs = append(errs, errors.New("log tail sizes must not be negative"))
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		errs = append(errs, errors.New("history enabled without dsns"))
	}
	return errors.Join(errs...)
}

// Layout returns the on-disk layout under Root.
func (c *Config) Layout() workspace.Layout {
	l := workspace.NewLayout(c.Root)
	if c.Prefix != "" {
		l.Prefix = c.Prefix
	}
	if c.LogName != "" {
		l.LogName = c.LogName
	}
	return l
}

// BaseEnv composes the base child environment. nil means "inherit the OS
// environment unchanged" and is returned when nothing is configured.
func (c *Config) BaseEnv() ([]string, error) {
	if c.UseOSEnv && len(c.EnvFiles) == 0 && len(c.Env) == 0 {
		return nil, nil
	}
	m := make(map[string]string)
	if c.UseOSEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
				m[k] = v
			}
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := gotenv.Read(ExpandHome(p))
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") && !strings.HasPrefix(p, `~\`) {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}
