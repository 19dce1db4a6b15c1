// Package validate implements per-method parameter validation:
// lifecycle methods are validated by default, unknown methods are not,
// and the set is configurable per method. Validation itself is
// struct-tag based, via go-playground/validator/v10, against the
// decoded LSP param types pkg/wire already tags for initialize,
// capability registration, and progress.
package validate

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/gopherlsp/lsprpc/pkg/wire"
)

// decoder produces a fresh, taggable zero value for a method's params.
type decoder func() interface{}

// defaultDecoders maps the methods the core itself understands to the
// wire type whose validate tags describe their shape. A method with no
// registered decoder is gated purely by Enabled/Disabled — there is
// nothing to structurally check.
var defaultDecoders = map[string]decoder{
	"initialize":                  func() interface{} { return &wire.InitializeParams{} },
	"client/registerCapability":   func() interface{} { return &wire.RegistrationParams{} },
	"client/unregisterCapability": func() interface{} { return &wire.UnregistrationParams{} },
	"$/progress":                  func() interface{} { return &wire.ProgressParams{} },
}

// lifecycleMethods are validated by default, since lifecycle methods
// are always registrable and worth checking regardless of opt-in state.
var lifecycleMethods = map[string]bool{
	"initialize":                  true,
	"initialized":                 true,
	"shutdown":                    true,
	"exit":                        true,
	"client/registerCapability":   true,
	"client/unregisterCapability": true,
}

// Validator gates and validates inbound params by method.
type Validator struct {
	v *validator.Validate

	mu        sync.RWMutex
	decoders  map[string]decoder
	forcedOn  map[string]bool
	forcedOff map[string]bool
}

// New returns a Validator with the core's built-in decoders registered.
func New() *Validator {
	return &Validator{
		v:         validator.New(),
		decoders:  cloneDecoders(defaultDecoders),
		forcedOn:  make(map[string]bool),
		forcedOff: make(map[string]bool),
	}
}

func cloneDecoders(src map[string]decoder) map[string]decoder {
	dst := make(map[string]decoder, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// RegisterDecoder associates method with a struct factory whose
// validate-tagged fields describe its params shape. Registering a
// decoder does not itself enable validation for method — see EnableFor.
func (val *Validator) RegisterDecoder(method string, newParams func() interface{}) {
	val.mu.Lock()
	defer val.mu.Unlock()
	val.decoders[method] = newParams
}

// EnableFor forces validation on for method regardless of the lifecycle
// default.
func (val *Validator) EnableFor(method string) {
	val.mu.Lock()
	defer val.mu.Unlock()
	val.forcedOn[method] = true
	delete(val.forcedOff, method)
}

// DisableFor forces validation off for method regardless of the
// lifecycle default.
func (val *Validator) DisableFor(method string) {
	val.mu.Lock()
	defer val.mu.Unlock()
	val.forcedOff[method] = true
	delete(val.forcedOn, method)
}

// Enabled reports whether method is currently validated: forced settings
// win, otherwise lifecycle methods default on and everything else
// defaults off.
func (val *Validator) Enabled(method string) bool {
	val.mu.RLock()
	defer val.mu.RUnlock()
	if val.forcedOff[method] {
		return false
	}
	if val.forcedOn[method] {
		return true
	}
	return lifecycleMethods[method]
}

// Validate decodes params against method's registered shape and runs
// struct-tag validation, when both validation is enabled for method and a
// decoder is registered. It is a no-op otherwise — an unknown method
// passes through untouched.
func (val *Validator) Validate(method string, params json.RawMessage) error {
	if !val.Enabled(method) {
		return nil
	}

	val.mu.RLock()
	newParams, ok := val.decoders[method]
	val.mu.RUnlock()
	if !ok {
		return nil
	}

	target := newParams()
	if len(params) > 0 {
		if err := json.Unmarshal(params, target); err != nil {
			return fmt.Errorf("validate: decode %s params: %w", method, err)
		}
	}

	if err := val.v.Struct(target); err != nil {
		return fmt.Errorf("validate: %s params: %w", method, err)
	}
	return nil
}
