// Package registry persists one ServiceRecord per workspace so that any
// launcher, including a restarted one, can find the backend it started.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/wsvisor/internal/workspace"
)

const pidSuffix = ".pid"

// StartedBy records which launcher created a record.
type StartedBy string

const (
	Self     StartedBy = "self"
	External StartedBy = "external"
)

// UnmarshalJSON maps anything other than "external" to Self. Older desktop
// builds wrote "tauri" here.
func (s *StartedBy) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if StartedBy(v) == External {
		*s = External
	} else {
		*s = Self
	}
	return nil
}

// Record is the persisted ServiceRecord. StartedAt is epoch seconds; 0 means
// unknown and disables identity verification.
type Record struct {
	WorkspaceID string    `json:"-"`
	PID         int       `json:"pid"`
	StartedBy   StartedBy `json:"started_by"`
	StartedAt   int64     `json:"started_at"`
}

// Registry stores records as <dir>/<prefix><workspace>.pid.
type Registry struct {
	dir    string
	prefix string
	now    func() time.Time
}

func New(dir, prefix string) *Registry {
	return &Registry{dir: dir, prefix: prefix, now: time.Now}
}

func (r *Registry) Dir() string { return r.dir }

func (r *Registry) Path(ws string) string {
	return filepath.Join(r.dir, r.prefix+ws+pidSuffix)
}

// Write records pid for ws with started_at set to now.
func (r *Registry) Write(ws string, pid int, by StartedBy) (Record, error) {
	rec := Record{WorkspaceID: ws, PID: pid, StartedBy: by, StartedAt: r.now().Unix()}
	return rec, r.Put(rec)
}

// Put replaces the record file atomically: the data goes to a temp file in the
// same directory which is then renamed over the target.
func (r *Registry) Put(rec Record) error {
	if err := workspace.ValidID(rec.WorkspaceID); err != nil {
		return err
	}
	if rec.PID <= 0 {
		return fmt.Errorf("registry put %s: invalid pid %d", rec.WorkspaceID, rec.PID)
	}
	if rec.StartedBy == "" {
		rec.StartedBy = Self
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		return fmt.Errorf("registry mkdir %s: %w", r.dir, err)
	}
	path := r.Path(rec.WorkspaceID)
	tmp, err := os.CreateTemp(r.dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("registry temp %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("registry write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("registry sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("registry close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("registry rename %s: %w", path, err)
	}
	return nil
}

// Read returns the record for ws. Missing, empty or malformed files and
// non-positive pids all read as "no record".
func (r *Registry) Read(ws string) (Record, bool) {
	if workspace.ValidID(ws) != nil {
		return Record{}, false
	}
	b, err := os.ReadFile(r.Path(ws))
	if err != nil {
		return Record{}, false
	}
	rec, ok := Parse(b)
	if !ok {
		return Record{}, false
	}
	rec.WorkspaceID = ws
	return rec, true
}

// Remove deletes the record for ws. A missing record is not an error.
func (r *Registry) Remove(ws string) error {
	if err := workspace.ValidID(ws); err != nil {
		return err
	}
	err := os.Remove(r.Path(ws))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ListAll returns every readable record sorted by workspace id. A missing
// directory yields an empty result.
func (r *Registry) ListAll() ([]Record, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Record
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ws, ok := r.workspaceOf(e.Name())
		if !ok {
			continue
		}
		if rec, ok := r.Read(ws); ok {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkspaceID < out[j].WorkspaceID })
	return out, nil
}

func (r *Registry) workspaceOf(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, r.prefix)
	if !ok {
		return "", false
	}
	ws, ok := strings.CutSuffix(rest, pidSuffix)
	if !ok || workspace.ValidID(ws) != nil {
		return "", false
	}
	return ws, true
}

// Parse decodes record file content: either the JSON record or the legacy
// bare integer, which reads as started_by=self, started_at=0.
func Parse(b []byte) (Record, bool) {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return Record{}, false
	}
	if strings.HasPrefix(s, "{") {
		var rec Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil || rec.PID <= 0 {
			return Record{}, false
		}
		if rec.StartedBy == "" {
			rec.StartedBy = Self
		}
		if rec.StartedAt < 0 {
			rec.StartedAt = 0
		}
		return rec, true
	}
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return Record{}, false
	}
	return Record{PID: pid, StartedBy: Self}, true
}
