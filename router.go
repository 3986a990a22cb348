package procwire

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Record maps path segments to procedures or nested routers.
type Record map[string]any

// Router is a namespace of procedures, flattened at construction into a
// table from dot-separated path to procedure. A Router is read-only after
// construction and safe for concurrent use.
type Router struct {
	procedures map[string]*Procedure
}

// NewRouter builds a router from rec. Each value must be a *Procedure or a
// *Router. It reports an error if a segment is empty or contains a dot
// collision, or if two procedures end up with the same path.
func NewRouter(rec Record) (*Router, error) {
	r := &Router{procedures: make(map[string]*Procedure)}
	if err := r.flatten("", rec); err != nil {
		return nil, err
	}
	return r, nil
}

// MustRouter is like NewRouter but panics on error. It is meant for
// package-level router declarations.
func MustRouter(rec Record) *Router {
	r, err := NewRouter(rec)
	if err != nil {
		panic(err)
	}
	return r
}

// MergeRouters combines routers at the root level. Duplicate paths are an
// error.
func MergeRouters(routers ...*Router) (*Router, error) {
	out := &Router{procedures: make(map[string]*Procedure)}
	for _, r := range routers {
		for _, path := range r.Paths() {
			if err := out.add(path, r.procedures[path]); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (r *Router) flatten(prefix string, rec Record) error {
	for _, name := range slices.Sorted(maps.Keys(rec)) {
		if name == "" {
			return fmt.Errorf("router: empty path segment under %q", prefix)
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		switch v := rec[name].(type) {
		case *Procedure:
			if v == nil {
				return fmt.Errorf("router: nil procedure at %q", path)
			}
			if err := r.add(path, v); err != nil {
				return err
			}
		case *Router:
			if v == nil {
				return fmt.Errorf("router: nil router at %q", path)
			}
			for _, sub := range v.Paths() {
				if err := r.add(path+"."+sub, v.procedures[sub]); err != nil {
					return err
				}
			}
		case Record:
			if err := r.flatten(path, v); err != nil {
				return err
			}
		default:
			return fmt.Errorf("router: unsupported value %T at %q", v, path)
		}
	}
	return nil
}

func (r *Router) add(path string, p *Procedure) error {
	if strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") || strings.Contains(path, "..") {
		return fmt.Errorf("router: invalid path %q", path)
	}
	if prev, ok := r.procedures[path]; ok && prev != p {
		return fmt.Errorf("router: duplicate procedure at %q", path)
	}
	r.procedures[path] = p
	return nil
}

// Lookup returns the procedure registered at path.
func (r *Router) Lookup(path string) (*Procedure, bool) {
	p, ok := r.procedures[path]
	return p, ok
}

// Paths returns all registered paths in sorted order.
func (r *Router) Paths() []string {
	return slices.Sorted(maps.Keys(r.procedures))
}
