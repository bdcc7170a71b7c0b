package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes a child process environment from layers applied in order:
// OS environment, global variables (Var), then per-launch overrides.
type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() *Env {
	e.env = Parse(os.Environ())
	return e
}

// FromSlice uses kvs ("K=V") as the base instead of the OS environment.
func (e *Env) FromSlice(kvs []string) *Env {
	e.env = Parse(kvs)
	return e
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetAll sets every entry of m.
func (e *Env) SetAll(m map[string]string) {
	for k, v := range m {
		if k != "" {
			e.Set(k, v)
		}
	}
}

// WithSet returns a copy of e with K=V set.
func (e *Env) WithSet(k, v string) *Env {
	c := &Env{Var: make(Var, len(e.Var)+1), env: e.env}
	for kk, vv := range e.Var {
		c.Var[kk] = vv
	}
	c.Var[k] = v
	return c
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Merge returns the final sorted "K=V" list: base, then e.Var, then overrides.
// ${VAR} references are expanded against the composed map, one level deep.
func (e *Env) Merge(overrides []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(overrides))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range Parse(overrides) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// Parse converts "K=V" entries into a map, skipping malformed entries and empty keys.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// Slice renders m as sorted "K=V" entries.
func (m Var) Slice() []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		key := s[i+2 : i+2+j]
		if v, ok := m[key]; ok {
			b.WriteString(v)
		} else {
			// unknown keys stay literal
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
