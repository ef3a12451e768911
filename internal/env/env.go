package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env is a snapshot of the environment taken once at startup plus global
// overrides. Methods never mutate the receiver; WithSet returns a copy so a
// snapshot handed to other goroutines stays stable for the whole run.
type Env struct {
	base Var // captured OS environment (or an injected map in tests)
	vars Var // global overrides applied on top of base
}

// FromOS captures the current process environment.
func FromOS() *Env {
	return FromList(os.Environ())
}

// FromList builds an Env from "K=V" entries. Entries without '=' or with an
// empty key are skipped.
func FromList(kvs []string) *Env {
	base := make(Var, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			base[k] = v
		}
	}
	return &Env{base: base, vars: make(Var)}
}

// FromMap builds an Env from a map; the map is copied.
func FromMap(m map[string]string) *Env {
	base := make(Var, len(m))
	for k, v := range m {
		if k == "" {
			continue
		}
		base[k] = v
	}
	return &Env{base: base, vars: make(Var)}
}

// WithSet returns a copy with the global variable k set to v.
func (e *Env) WithSet(k, v string) *Env {
	if k == "" {
		return e
	}
	n := e.clone()
	n.vars[k] = v
	return n
}

// WithList returns a copy with every "K=V" entry applied as a global override.
func (e *Env) WithList(kvs []string) *Env {
	n := e.clone()
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			n.vars[k] = v
		}
	}
	return n
}

// WithMap returns a copy with every entry of m applied as a global override.
func (e *Env) WithMap(m map[string]string) *Env {
	n := e.clone()
	for k, v := range m {
		if k == "" {
			continue
		}
		n.vars[k] = v
	}
	return n
}

// Lookup reports the value of key, globals first.
func (e *Env) Lookup(key string) (string, bool) {
	if v, ok := e.vars[key]; ok {
		return v, true
	}
	v, ok := e.base[key]
	return v, ok
}

// Get returns the value of key or "" when unset.
func (e *Env) Get(key string) string {
	v, _ := e.Lookup(key)
	return v
}

// Map returns the composed view (base overlaid by globals) as a fresh map.
func (e *Env) Map() map[string]string {
	m := make(map[string]string, len(e.base)+len(e.vars))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	return m
}

// Merge composes the final environment list applying order:
// base, then global overrides, then perProc ("K=V") overrides.
// ${VAR} references are expanded against the composed map; chains resolve
// transitively, while unknown keys and cycles are left as written.
// The result is sorted by key and holds each key once.
func (e *Env) Merge(perProc []string) []string {
	m := e.Map()
	for _, kv := range perProc {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	expanded := expandAll(m, keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expanded[k])
	}
	return out
}

func (e *Env) clone() *Env {
	vars := make(Var, len(e.vars)+1)
	for k, v := range e.vars {
		vars[k] = v
	}
	return &Env{base: e.base, vars: vars}
}

func split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

// expandAll resolves every value of m, visiting keys in the given order so
// the outcome of a cycle does not depend on map iteration.
func expandAll(m Var, keys []string) Var {
	const (
		visiting = 1
		done     = 2
	)
	out := make(Var, len(m))
	state := make(map[string]int, len(m))
	var resolve func(k string) (string, bool)
	resolve = func(k string) (string, bool) {
		switch state[k] {
		case done:
			return out[k], true
		case visiting:
			return "", false
		}
		raw, ok := m[k]
		if !ok {
			return "", false
		}
		state[k] = visiting
		v := expand(raw, resolve)
		out[k] = v
		state[k] = done
		return v, true
	}
	for _, k := range keys {
		resolve(k)
	}
	return out
}

// expand replaces each ${NAME} in s with lookup(NAME) in a single pass.
// References lookup cannot resolve stay verbatim.
func expand(s string, lookup func(string) (string, bool)) string {
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
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := lookup(name); ok && name != "" {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
