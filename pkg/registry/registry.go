// Package registry implements the handler registry: an O(1)
// method-to-handler map with disposable registrations and a derived
// prefix index for administrative grouping. The registry is deliberately
// protocol-agnostic about handler payloads — it stores interface{} and
// leaves interpretation to the dispatcher.
package registry

import (
	"strings"
	"sync"
)

// Kind distinguishes a request handler (must produce a response) from a
// notification handler (never does).
type Kind int

const (
	KindRequest Kind = iota
	KindNotification
)

// Disposable removes whatever it was returned from.
type Disposable interface {
	Dispose()
}

type disposeFunc func()

func (f disposeFunc) Dispose() { f() }

type entry struct {
	kind    Kind
	handler interface{}
	gen     uint64
}

// Registry maps method names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*entry
	gen      uint64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]*entry)}
}

// Register installs handler for method, replacing any prior registration
// for the same method (last write wins). It returns a Disposable whose
// Dispose removes the entry — but only if the same registration is still
// current, so disposing a stale handle after a later Register for the
// same method is a safe no-op.
func (r *Registry) Register(method string, kind Kind, handler interface{}) Disposable {
	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.handlers[method] = &entry{kind: kind, handler: handler, gen: gen}
	r.mu.Unlock()

	return disposeFunc(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.handlers[method]; ok && cur.gen == gen {
			delete(r.handlers, method)
		}
	})
}

// Lookup returns the handler registered for method, its kind, and whether
// one exists.
func (r *Registry) Lookup(method string) (handler interface{}, kind Kind, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, found := r.handlers[method]
	if !found {
		return nil, 0, false
	}
	return e.handler, e.kind, true
}

// Has reports whether method has a registered handler.
func (r *Registry) Has(method string) bool {
	_, _, ok := r.Lookup(method)
	return ok
}

// Prefix returns the portion of method before the first "/", the
// categorization unit administrative tooling groups by (e.g.
// "textDocument", "workspace", "$").
func Prefix(method string) string {
	if idx := strings.Index(method, "/"); idx >= 0 {
		return method[:idx]
	}
	return method
}

// ByPrefix returns every registered method sharing the given prefix.
func (r *Registry) ByPrefix(prefix string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var methods []string
	for method := range r.handlers {
		if Prefix(method) == prefix {
			methods = append(methods, method)
		}
	}
	return methods
}

// Methods returns every currently registered method name.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]string, 0, len(r.handlers))
	for method := range r.handlers {
		methods = append(methods, method)
	}
	return methods
}
