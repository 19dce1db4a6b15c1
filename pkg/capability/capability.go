// Package capability implements the capability model: a per-session
// pair of declared capabilities and dynamic registrations, gating which
// methods are callable.
package capability

import (
	"sync"

	"github.com/gopherlsp/lsprpc/pkg/wire"
)

// DeclaredClientCapability reports whether the client declared
// dynamicRegistration:true for a given capability path (e.g.
// "textDocument.definition"). Implementations read this from
// wire.ClientCapabilities; it is a function rather than a concrete type so
// the capability package doesn't need to know every LSP capability path.
type DeclaredClientCapability func(path string) (dynamicRegistration bool, declared bool)

// MethodCapabilityPath maps a method name to the capability path that
// gates it. Lifecycle methods and anything absent from this map are
// always-on. Supplied by the out-of-scope method registry; the core only
// consumes it.
type MethodCapabilityPath func(method string) (path string, alwaysOn bool)

// State holds one session's declared server capabilities and dynamic
// registrations.
type State struct {
	mu            sync.RWMutex
	declared      map[string]interface{}
	registrations map[string]wire.Registration // keyed by registration id
	byMethod      map[string][]string          // method -> registration ids

	strict     bool
	clientDecl DeclaredClientCapability
	methodPath MethodCapabilityPath
}

// New returns an empty State. strict enables rejection of registrations
// on a capability the client never declared dynamicRegistration for;
// clientDecl is consulted only when strict is true (it may be nil
// otherwise). methodPath is used by both the strict check and Allowed;
// a nil methodPath leaves every method allowed.
func New(strict bool, clientDecl DeclaredClientCapability, methodPath MethodCapabilityPath) *State {
	return &State{
		declared:      make(map[string]interface{}),
		registrations: make(map[string]wire.Registration),
		byMethod:      make(map[string][]string),
		strict:        strict,
		clientDecl:    clientDecl,
		methodPath:    methodPath,
	}
}

// SetDeclared replaces the declared server capability object.
func (s *State) SetDeclared(declared map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declared = declared
}

// Declared returns the current declared capability object.
func (s *State) Declared() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.declared))
	for k, v := range s.declared {
		out[k] = v
	}
	return out
}

// MergeDeclared merges key/value into the declared capability object,
// the behavior behind a chainable RegisterCapability(key, value) helper.
func (s *State) MergeDeclared(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.declared == nil {
		s.declared = make(map[string]interface{})
	}
	s.declared[key] = value
}

// Register adds a dynamic registration. It enforces id uniqueness and,
// in strict mode, that the client declared dynamicRegistration:true for
// the registration's method. On any violation it returns the
// *wire.ResponseError the caller should send back verbatim (always
// InvalidParams, -32602).
func (s *State) Register(reg wire.Registration) *wire.ResponseError {
	if reg.ID == "" || reg.Method == "" {
		return wire.NewError(wire.InvalidParams, "registration requires id and method", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.registrations[reg.ID]; exists {
		return wire.NewError(wire.InvalidParams, "registration id already in use: "+reg.ID, nil)
	}

	if s.strict {
		if err := s.checkStrict(reg.Method); err != nil {
			return err
		}
	}

	s.registrations[reg.ID] = reg
	s.byMethod[reg.Method] = append(s.byMethod[reg.Method], reg.ID)
	return nil
}

func (s *State) checkStrict(method string) *wire.ResponseError {
	if s.methodPath == nil {
		return nil
	}
	path, alwaysOn := s.methodPath(method)
	if alwaysOn || path == "" {
		return nil
	}
	if s.clientDecl == nil {
		return wire.NewError(wire.InvalidParams, "dynamic registration not declared for "+method, nil)
	}
	dynamicReg, declared := s.clientDecl(path)
	if !declared || !dynamicReg {
		return wire.NewError(wire.InvalidParams, "dynamic registration not declared for "+method, nil)
	}
	return nil
}

// Unregister removes a dynamic registration by id. Unknown id is
// InvalidParams.
func (s *State) Unregister(id string) *wire.ResponseError {
	if id == "" {
		return wire.NewError(wire.InvalidParams, "unregistration requires id", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reg, exists := s.registrations[id]
	if !exists {
		return wire.NewError(wire.InvalidParams, "no registration with id: "+id, nil)
	}

	delete(s.registrations, id)
	ids := s.byMethod[reg.Method]
	for i, rid := range ids {
		if rid == id {
			s.byMethod[reg.Method] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// HasDynamicRegistration reports whether method has at least one active
// dynamic registration.
func (s *State) HasDynamicRegistration(method string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byMethod[method]) > 0
}

// Allowed decides whether method is callable: always-on, declared truthy
// in the capability object, or covered by a dynamic registration. With
// no methodPath there is nothing to gate on, so every method is allowed.
func (s *State) Allowed(method string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.methodPath == nil {
		return true
	}
	if s.methodPath != nil {
		if path, alwaysOn := s.methodPath(method); alwaysOn {
			return true
		} else if path != "" {
			if v, ok := lookupPath(s.declared, path); ok && truthy(v) {
				return true
			}
		}
	}
	return len(s.byMethod[method]) > 0
}

func truthy(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case nil:
		return false
	default:
		return true
	}
}

// lookupPath resolves a dotted path like "textDocument.hover" against a
// nested map[string]interface{} capability object.
func lookupPath(m map[string]interface{}, path string) (interface{}, bool) {
	cur := interface{}(m)
	for _, part := range splitDot(path) {
		asMap, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := asMap[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func splitDot(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}
