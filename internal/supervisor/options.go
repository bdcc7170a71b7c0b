package supervisor

import (
	"context"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/loykin/wsvisor/internal/detector"
	"github.com/loykin/wsvisor/internal/history"
	"github.com/loykin/wsvisor/internal/inspector"
	"github.com/loykin/wsvisor/internal/workspace"
)

const (
	DefaultGraceWindow       = 500 * time.Millisecond
	DefaultPollInterval      = 200 * time.Millisecond
	DefaultGracefulWait      = 5 * time.Second
	DefaultKillWait          = 2 * time.Second
	DefaultImmediateExitTail = 6000
	DefaultLogTail           = 40000
	MaxLogTail               = 400000

	// WorkspaceDirPlaceholder is replaced by the workspace directory in
	// Service.Env values.
	WorkspaceDirPlaceholder = "{workspace_dir}"
)

// Controller is the loopback control channel of a running backend.
type Controller interface {
	Shutdown(ctx context.Context, port int) error
	Healthy(ctx context.Context, port int) bool
}

// Timing holds every wait budget used by Start and Stop.
type Timing struct {
	GraceWindow       time.Duration `mapstructure:"grace_window" json:"grace_window"`
	PollInterval      time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
	GracefulWait      time.Duration `mapstructure:"graceful_wait" json:"graceful_wait"`
	KillWait          time.Duration `mapstructure:"kill_wait" json:"kill_wait"`
	IdentityTolerance time.Duration `mapstructure:"identity_tolerance" json:"identity_tolerance"`
	ImmediateExitTail int64         `mapstructure:"immediate_exit_tail" json:"immediate_exit_tail"`
	LogTailDefault    int64         `mapstructure:"log_tail_default" json:"log_tail_default"`
	LogTailMax        int64         `mapstructure:"log_tail_max" json:"log_tail_max"`
}

func DefaultTiming() Timing {
	return Timing{
		GraceWindow:       DefaultGraceWindow,
		PollInterval:      DefaultPollInterval,
		GracefulWait:      DefaultGracefulWait,
		KillWait:          DefaultKillWait,
		IdentityTolerance: detector.DefaultTolerance,
		ImmediateExitTail: DefaultImmediateExitTail,
		LogTailDefault:    DefaultLogTail,
		LogTailMax:        MaxLogTail,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.GraceWindow <= 0 {
		t.GraceWindow = d.GraceWindow
	}
	if t.PollInterval <= 0 {
		t.PollInterval = d.PollInterval
	}
	if t.GracefulWait <= 0 {
		t.GracefulWait = d.GracefulWait
	}
	if t.KillWait <= 0 {
		t.KillWait = d.KillWait
	}
	if t.IdentityTolerance <= 0 {
		t.IdentityTolerance = d.IdentityTolerance
	}
	if t.ImmediateExitTail <= 0 {
		t.ImmediateExitTail = d.ImmediateExitTail
	}
	if t.LogTailMax <= 0 {
		t.LogTailMax = d.LogTailMax
	}
	if t.LogTailDefault <= 0 {
		t.LogTailDefault = d.LogTailDefault
	}
	if t.LogTailDefault > t.LogTailMax {
		t.LogTailDefault = t.LogTailMax
	}
	return t
}

// Service describes the backend command launched for every workspace.
type Service struct {
	// Executable is resolved against the supervisor root when relative.
	// Empty selects the bundled virtualenv interpreter.
	Executable string   `mapstructure:"executable" json:"executable"`
	Args       []string `mapstructure:"args" json:"args"`
	// Env entries ("K=V") are forced over the OS and workspace environment.
	Env []string `mapstructure:"env" json:"env"`
}

func DefaultService() Service {
	return Service{
		Args: []string{"-m", "openakita.main", "serve"},
		Env: []string{
			"PYTHONUTF8=1",
			"PYTHONIOENCODING=utf-8",
			"PYTHONUNBUFFERED=1",
			"NO_COLOR=1",
			"LLM_ENDPOINTS_CONFIG=" + WorkspaceDirPlaceholder + "/data/llm_endpoints.json",
		},
	}
}

// ExecutablePath returns the interpreter path for root.
func (s Service) ExecutablePath(root string) string {
	if s.Executable != "" {
		if filepath.IsAbs(s.Executable) {
			return s.Executable
		}
		return filepath.Join(root, s.Executable)
	}
	if runtime.GOOS == "windows" {
		return filepath.Join(root, "venv", "Scripts", "python.exe")
	}
	return filepath.Join(root, "venv", "bin", "python")
}

// OrphanMatcher recognizes backend processes in the OS process table.
type OrphanMatcher struct {
	// NameContains is matched case-insensitively against the process name.
	NameContains string `mapstructure:"name_contains" json:"name_contains"`
	// CmdlineContains must all occur in the command line.
	CmdlineContains []string `mapstructure:"cmdline_contains" json:"cmdline_contains"`
}

func DefaultOrphanMatcher() OrphanMatcher {
	return OrphanMatcher{NameContains: "python", CmdlineContains: []string{"openakita.main", "serve"}}
}

func (m OrphanMatcher) Match(p inspector.Proc) bool {
	if m.NameContains == "" && len(m.CmdlineContains) == 0 {
		return false
	}
	if m.NameContains != "" && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(m.NameContains)) {
		return false
	}
	for _, s := range m.CmdlineContains {
		if !strings.Contains(p.Cmdline, s) {
			return false
		}
	}
	return true
}

// Options configures a Supervisor. Zero fields take defaults in New.
type Options struct {
	Layout     workspace.Layout
	Inspector  inspector.Inspector
	Controller Controller
	Service    Service
	Timing     Timing
	Orphans    OrphanMatcher
	// DefaultPort is used when the workspace .env has no API_PORT.
	DefaultPort int
	// HealthProbe makes Start treat an answering health endpoint as a
	// running backend and skip spawning.
	HealthProbe bool
	// BaseEnv replaces the OS environment as the base of child environments.
	BaseEnv  []string
	Recorder *history.Recorder
	Logger   *slog.Logger
}
