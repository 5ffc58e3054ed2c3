package terminal

import (
	"sort"
	"sync"
)

// Registry maps session keys to live sessions. It is the only state shared
// between callers of different keys.
type Registry struct {
	sessions sync.Map // string -> *session
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) loadOrStore(key string, s *session) (*session, bool) {
	actual, loaded := r.sessions.LoadOrStore(key, s)
	return actual.(*session), loaded
}

func (r *Registry) load(key string) (*session, bool) {
	v, ok := r.sessions.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*session), true
}

func (r *Registry) loadAndDelete(key string) (*session, bool) {
	v, ok := r.sessions.LoadAndDelete(key)
	if !ok {
		return nil, false
	}
	return v.(*session), true
}

// compareAndDelete removes key only while it still maps to s, so a monitor
// of a superseded session never unregisters its successor.
func (r *Registry) compareAndDelete(key string, s *session) bool {
	return r.sessions.CompareAndDelete(key, s)
}

// Keys returns the keys of all registered sessions, sorted.
func (r *Registry) Keys() []string {
	var keys []string
	r.sessions.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

func (r *Registry) Len() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
