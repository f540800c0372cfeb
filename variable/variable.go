// Package variable implements the named, typed, concurrency-safe variable
// store (spec §3.1 "Variable", §4.2). Values are addressable by dotted paths
// ("a.b.c"); writers serialize under a short lock; readers get immutable
// copies. Reserved names (leading "_") carry runtime output such as
// _progress and _artifacts.
package variable

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// WriteMode controls how Set combines a new value with an existing one.
type WriteMode int

const (
	// Overwrite replaces the value at path.
	Overwrite WriteMode = iota
	// Append adds the value to an existing list (or creates a one-element
	// list if the path is unset); an existing non-list value becomes the
	// first element of a two-element list.
	Append
)

// Pool is a concurrency-safe, dotted-path-addressable variable store.
type Pool struct {
	mu   sync.RWMutex
	vars map[string]any

	subMu sync.Mutex
	subs  map[string][]chan any
}

// New constructs an empty Pool.
func New() *Pool {
	return &Pool{vars: make(map[string]any), subs: make(map[string][]chan any)}
}

// IsReserved reports whether name is a runtime-reserved identifier (spec
// §3.1: "Variables whose name begins with _ are reserved for runtime
// output").
func IsReserved(name string) bool {
	return strings.HasPrefix(name, "_")
}

// Set writes value at the dotted path, creating intermediate maps as needed.
// Overwrite replaces the target; Append adds onto a list (see Append).
func (p *Pool) Set(path string, value any, mode WriteMode) error {
	if path == "" {
		return fmt.Errorf("variable: path must not be empty")
	}
	segs := splitPath(path)
	p.mu.Lock()
	root := segs[0]
	cur := p.vars[root]
	next, err := setAtPath(cur, segs[1:], value, mode)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.vars[root] = next
	p.mu.Unlock()
	p.notify(root)
	return nil
}

// Get reads the value at the dotted path. ok is false when the path does not
// resolve to a value. The returned value is a read-only snapshot for
// composite types (maps/lists are deep-copied) so callers cannot mutate pool
// state through the returned reference.
func (p *Pool) Get(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	segs := splitPath(path)
	p.mu.RLock()
	defer p.mu.RUnlock()
	cur, ok := p.vars[segs[0]]
	if !ok {
		return nil, false
	}
	v, ok := getAtPath(cur, segs[1:])
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

// Delete removes the value at path. It is a no-op if the path is unset.
func (p *Pool) Delete(path string) error {
	if path == "" {
		return fmt.Errorf("variable: path must not be empty")
	}
	segs := splitPath(path)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(segs) == 1 {
		delete(p.vars, segs[0])
		return nil
	}
	root, ok := p.vars[segs[0]]
	if !ok {
		return nil
	}
	deleteAtPath(root, segs[1:])
	return nil
}

// Snapshot returns a deep copy of the entire variable pool, suitable for
// embedding in a ContextSnapshot (spec §3.1 "ContextSnapshot").
func (p *Pool) Snapshot() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]any, len(p.vars))
	for k, v := range p.vars {
		out[k] = deepCopy(v)
	}
	return out
}

// Restore replaces the pool contents with a deep copy of snapshot.
func (p *Pool) Restore(snapshot map[string]any) {
	p.mu.Lock()
	p.vars = make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		p.vars[k] = deepCopy(v)
	}
	p.mu.Unlock()
}

// StreamSubscribe returns a channel that receives the new value every time
// the top-level variable `name` is set. Callers must drain the channel;
// Unsubscribe stops delivery and closes the channel.
func (p *Pool) StreamSubscribe(name string) (ch <-chan any, unsubscribe func()) {
	c := make(chan any, 16)
	p.subMu.Lock()
	p.subs[name] = append(p.subs[name], c)
	p.subMu.Unlock()
	return c, func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		list := p.subs[name]
		for i, existing := range list {
			if existing == c {
				p.subs[name] = append(list[:i], list[i+1:]...)
				close(c)
				return
			}
		}
	}
}

func (p *Pool) notify(name string) {
	v, _ := p.Get(name)
	p.subMu.Lock()
	subs := append([]chan any{}, p.subs[name]...)
	p.subMu.Unlock()
	for _, c := range subs {
		select {
		case c <- v:
		default:
		}
	}
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// setAtPath returns the updated value of cur after writing value at segs
// (relative to cur). cur may be any JSON-compatible composite.
func setAtPath(cur any, segs []string, value any, mode WriteMode) (any, error) {
	if len(segs) == 0 {
		return combine(cur, value, mode), nil
	}
	m, ok := cur.(map[string]any)
	if !ok {
		m = make(map[string]any)
	}
	child := m[segs[0]]
	updated, err := setAtPath(child, segs[1:], value, mode)
	if err != nil {
		return nil, err
	}
	m[segs[0]] = updated
	return m, nil
}

func combine(cur, value any, mode WriteMode) any {
	if mode == Overwrite {
		return value
	}
	switch existing := cur.(type) {
	case nil:
		return []any{value}
	case []any:
		return append(append([]any{}, existing...), value)
	default:
		return append([]any{existing}, value)
	}
}

func getAtPath(cur any, segs []string) (any, bool) {
	if len(segs) == 0 {
		return cur, true
	}
	m, ok := cur.(map[string]any)
	if !ok {
		return nil, false
	}
	child, ok := m[segs[0]]
	if !ok {
		return nil, false
	}
	return getAtPath(child, segs[1:])
}

func deleteAtPath(cur any, segs []string) {
	m, ok := cur.(map[string]any)
	if !ok {
		return
	}
	if len(segs) == 1 {
		delete(m, segs[0])
		return
	}
	if child, ok := m[segs[0]]; ok {
		deleteAtPath(child, segs[1:])
	}
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = deepCopy(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = deepCopy(vv)
		}
		return out
	default:
		return v
	}
}

// ParsePathIndex is a small helper for DSL expressions that index lists by
// numeric path segment (e.g. "items.0.name").
func ParsePathIndex(seg string) (int, bool) {
	n, err := strconv.Atoi(seg)
	if err != nil {
		return 0, false
	}
	return n, true
}
