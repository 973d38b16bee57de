package codegen

import (
	"fmt"
	"strings"
)

// Allocator hands out collision-free, Python-safe variable names within one
// naming scope. A root lowering pass owns one allocator; every subsystem
// gets a child allocator whose names carry the subsystem's own allocated
// name as a prefix, so nested names cannot collide across scopes.
//
// Allocation is deterministic: the same sequence of Claim calls always
// yields the same names. Live-mutation patches are textually matched
// against these names, so determinism is load-bearing, not cosmetic.
type Allocator struct {
	prefix   string
	used     map[string]bool
	counters map[string]int
}

// NewAllocator creates a root-scope allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		used:     make(map[string]bool),
		counters: make(map[string]int),
	}
}

// Child creates an allocator for a nested scope. Names it allocates are
// prefixed with the parent-allocated subsystem name.
func (a *Allocator) Child(subsystemVar string) *Allocator {
	child := NewAllocator()
	child.prefix = subsystemVar + "_"
	return child
}

// Claim returns a unique identifier for the proposed human name. When the
// sanitized proposal is empty or already taken in this scope, a synthetic
// scope-sequential name of the given kind is used instead ("block",
// "event", "subsystem", "conn").
func (a *Allocator) Claim(proposed, kind string) string {
	name := Sanitize(proposed)
	if name == "" || a.used[a.prefix+name] {
		name = a.nextSynthetic(kind)
	}
	full := a.prefix + name
	a.used[full] = true
	return full
}

// Reserve marks a fully-qualified name as taken without allocating it.
// The mutation layer seeds an allocator with every name from the last
// lowering pass before handing out names for live additions.
func (a *Allocator) Reserve(name string) {
	a.used[name] = true
}

// Dynamic returns a name for an entity added after lowering (a live
// mutation). These use a distinct suffix so they can never collide with
// names allocated during the original pass.
func (a *Allocator) Dynamic() string {
	a.counters["dyn"]++
	full := fmt.Sprintf("%sblock_dyn_%d", a.prefix, a.counters["dyn"])
	for a.used[full] {
		a.counters["dyn"]++
		full = fmt.Sprintf("%sblock_dyn_%d", a.prefix, a.counters["dyn"])
	}
	a.used[full] = true
	return full
}

func (a *Allocator) nextSynthetic(kind string) string {
	for {
		a.counters[kind]++
		candidate := fmt.Sprintf("%s_%d", kind, a.counters[kind])
		if !a.used[a.prefix+candidate] {
			return candidate
		}
	}
}

// Sanitize reduces an arbitrary display name to a syntactically valid
// Python identifier fragment: characters outside [A-Za-z0-9_ ] are
// stripped, spaces map to underscores, the result is lowercased, and a
// leading digit gains an "n_" prefix. An unusable name returns "".
func Sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	s := strings.ToLower(b.String())
	if s == "" {
		return ""
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "n_" + s
	}
	return s
}
