// Package progress implements $/progress dispatch, work-done progress
// value constructors, and partial-result collectors.
package progress

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Token identifies a progress stream. The wire type is string|integer;
// TokenKey renders either into a comparable map key.
type Token interface{}

// TokenKey normalizes a Token to a string suitable as a map key. Uniqueness
// is the caller's responsibility — this package does not generate tokens.
func TokenKey(t Token) string {
	switch v := t.(type) {
	case string:
		return "s:" + v
	case json.Number:
		return "n:" + v.String()
	default:
		return fmt.Sprintf("v:%v", v)
	}
}

// WorkDoneProgressKind is the tagged `kind` of a work-done progress value.
type WorkDoneProgressKind string

const (
	KindBegin  WorkDoneProgressKind = "begin"
	KindReport WorkDoneProgressKind = "report"
	KindEnd    WorkDoneProgressKind = "end"
)

// WorkDoneProgress is the `value` of a $/progress notification for the
// work-done usage pattern. Message, Percentage and Cancellable are
// pointers so an explicitly-set zero value (an empty message, 0%, or
// Cancellable=false) survives marshaling distinctly from "unset" — the
// constructors below only set what the caller passed.
type WorkDoneProgress struct {
	Kind        WorkDoneProgressKind `json:"kind"`
	Title       string               `json:"title,omitempty"`
	Cancellable *bool                `json:"cancellable,omitempty"`
	Message     *string              `json:"message,omitempty"`
	Percentage  *int                 `json:"percentage,omitempty"`
}

// NewBegin constructs a `begin` progress value. title is required by LSP;
// message, cancellable and percentage are optional and omitted from the
// wire form unless explicitly supplied here.
func NewBegin(title string, opts ...Option) WorkDoneProgress {
	v := WorkDoneProgress{Kind: KindBegin, Title: title}
	for _, o := range opts {
		o(&v)
	}
	return v
}

// NewReport constructs a `report` progress value.
func NewReport(opts ...Option) WorkDoneProgress {
	v := WorkDoneProgress{Kind: KindReport}
	for _, o := range opts {
		o(&v)
	}
	return v
}

// NewEnd constructs an `end` progress value.
func NewEnd(opts ...Option) WorkDoneProgress {
	v := WorkDoneProgress{Kind: KindEnd}
	for _, o := range opts {
		o(&v)
	}
	return v
}

// Option mutates a WorkDoneProgress under construction. WithMessage
// stores a pointer to msg, so an explicitly empty message is still
// present in the wire form while an unset one is omitted.
type Option func(*WorkDoneProgress)

func WithMessage(msg string) Option {
	return func(v *WorkDoneProgress) { v.Message = &msg }
}

func WithCancellable(cancellable bool) Option {
	return func(v *WorkDoneProgress) { v.Cancellable = &cancellable }
}

func WithPercentage(pct int) Option {
	return func(v *WorkDoneProgress) { v.Percentage = &pct }
}

// Handler processes one $/progress notification's value for a token.
type Handler func(value json.RawMessage)

// Manager dispatches $/progress notifications to registered handlers by
// token.
type Manager struct {
	mu       sync.Mutex
	handlers map[string]Handler
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{handlers: make(map[string]Handler)}
}

// Subscribe registers handler for token, replacing any prior subscription.
// It returns a function that unsubscribes.
func (m *Manager) Subscribe(token Token, handler Handler) func() {
	key := TokenKey(token)
	m.mu.Lock()
	m.handlers[key] = handler
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers, key)
	}
}

// Dispatch routes value to the handler subscribed for token, if any. It
// reports whether a handler was found — an unsubscribed token is ignored.
func (m *Manager) Dispatch(token Token, value json.RawMessage) bool {
	key := TokenKey(token)
	m.mu.Lock()
	handler, ok := m.handlers[key]
	m.mu.Unlock()

	if !ok {
		return false
	}
	handler(value)
	return true
}
