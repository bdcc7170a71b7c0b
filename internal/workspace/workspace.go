package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/subosito/gotenv"
)

const (
	DefaultPort    = 18900
	PortKey        = "API_PORT"
	DefaultPrefix  = "openakita-"
	DefaultLogName = "openakita-serve.log"
)

var ErrInvalidID = errors.New("invalid workspace id")

// Layout resolves every on-disk location derived from the supervisor root.
//
//	<Root>/run/<Prefix><id>.pid
//	<Root>/run/<Prefix><id>.lock
//	<Root>/workspaces/<id>/.env
//	<Root>/workspaces/<id>/logs/<LogName>
type Layout struct {
	Root    string
	Prefix  string
	LogName string
}

func NewLayout(root string) Layout {
	return Layout{Root: root, Prefix: DefaultPrefix, LogName: DefaultLogName}
}

func (l Layout) RunDir() string { return filepath.Join(l.Root, "run") }

func (l Layout) WorkspacesDir() string { return filepath.Join(l.Root, "workspaces") }

func (l Layout) Dir(id string) string { return filepath.Join(l.WorkspacesDir(), id) }

func (l Layout) EnvPath(id string) string { return filepath.Join(l.Dir(id), ".env") }

func (l Layout) LogPath(id string) string {
	name := l.LogName
	if name == "" {
		name = DefaultLogName
	}
	return filepath.Join(l.Dir(id), "logs", name)
}

// Exists reports whether the workspace directory is present.
func (l Layout) Exists(id string) bool {
	fi, err := os.Stat(l.Dir(id))
	return err == nil && fi.IsDir()
}

// Env returns the workspace .env entries. A missing file yields an empty map.
func (l Layout) Env(id string) (map[string]string, error) {
	m, err := gotenv.Read(l.EnvPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", l.EnvPath(id), err)
	}
	return m, nil
}

// Port returns API_PORT from the workspace .env, or def when absent or malformed.
func (l Layout) Port(id string, def int) int {
	if def <= 0 {
		def = DefaultPort
	}
	m, err := l.Env(id)
	if err != nil {
		return def
	}
	return ParsePort(m[PortKey], def)
}

func ParsePort(s string, def int) int {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p <= 0 || p > 65535 {
		return def
	}
	return p
}

// ValidID checks that a workspace id is usable as a single path component.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func ValidID(id string) error {
	if id == "" || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
