// Package middleware implements an ordered interceptor chain. Each
// Middleware wraps every message traversing a session in both
// directions; it may short-circuit, observe, or annotate metadata for
// downstream middleware. Scoping uses glob-pattern matching
// (bmatcuk/doublestar) applied to method names.
package middleware

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gopherlsp/lsprpc/pkg/wire"
)

// Direction is the flow of a message through a session.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) String() string {
	if d == ClientToServer {
		return "clientToServer"
	}
	return "serverToClient"
}

// MessageType classifies the traversing message for filter matching.
type MessageType int

const (
	TypeRequest MessageType = iota
	TypeResponse
	TypeNotification
	TypeError
)

// Context is what each middleware receives. Metadata is mutable and
// visible to every downstream middleware in the same pass; Message must
// not have its ID changed — the pipeline asserts this after each step.
type Context struct {
	Direction   Direction
	MessageType MessageType
	Method      string
	Message     *wire.Message
	Metadata    map[string]interface{}
	Transport   interface{}
}

// Result is what a middleware may return to short-circuit the chain.
type Result struct {
	ShortCircuit bool
	Response     *wire.Message
	Err          error
}

// Next continues the pipeline; calling it is how a middleware delegates
// to the rest of the chain (and, ultimately, the terminal handler).
type Next func(ctx context.Context, mctx *Context) (Result, error)

// Middleware wraps a message's traversal of the pipeline.
type Middleware func(ctx context.Context, mctx *Context, next Next) (Result, error)

// Filter scopes a middleware to a subset of traffic. A nil or empty
// Methods list matches every method. Direction and MessageType constrain
// the match only when HasDirection and HasType, respectively, are true.
type Filter struct {
	Methods      []string // glob patterns, e.g. "textDocument/*"
	HasDirection bool
	Direction    Direction
	HasType      bool
	MessageType  MessageType
}

func (f Filter) matches(mctx *Context) bool {
	if f.HasDirection && f.Direction != mctx.Direction {
		return false
	}
	if f.HasType && f.MessageType != mctx.MessageType {
		return false
	}
	if len(f.Methods) == 0 {
		return true
	}
	for _, pattern := range f.Methods {
		if pattern == mctx.Method {
			return true
		}
		if ok, _ := doublestar.Match(pattern, mctx.Method); ok {
			return true
		}
	}
	return false
}

// entry pairs a middleware with its (possibly empty) scope.
type entry struct {
	mw     Middleware
	filter *Filter
}

// Pipeline is the ordered chain. With no middleware registered, Run is a
// direct call to the terminal handler.
type Pipeline struct {
	entries []entry
}

// New returns an empty Pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

// Use appends a global middleware, run for every message.
func (p *Pipeline) Use(mw Middleware) {
	p.entries = append(p.entries, entry{mw: mw})
}

// UseScoped appends a middleware that only runs when filter matches the
// traversing message.
func (p *Pipeline) UseScoped(filter Filter, mw Middleware) {
	p.entries = append(p.entries, entry{mw: mw, filter: &filter})
}

// ErrIDMutated is returned when a middleware changes the message's
// JSON-RPC id; the pipeline fails the whole chain rather than let the
// mutation propagate.
type ErrIDMutated struct {
	Before, After string
}

func (e *ErrIDMutated) Error() string {
	return fmt.Sprintf("middleware: id mutated from %s to %s", e.Before, e.After)
}

// terminal is the handler at the end of the chain, invoked once every
// applicable middleware has run.
type terminal func(ctx context.Context, mctx *Context) (Result, error)

// Run drives mctx through every middleware whose filter matches, in
// registration order, then the terminal handler. Each step's Next is
// built to invoke the next matching entry, asserting the id is unchanged
// after it returns.
func (p *Pipeline) Run(ctx context.Context, mctx *Context, term terminal) (Result, error) {
	originalID := string(mctx.Message.ID)

	var step func(i int) Next
	step = func(i int) Next {
		return func(ctx context.Context, mctx *Context) (Result, error) {
			for i < len(p.entries) {
				e := p.entries[i]
				i++
				if e.filter != nil && !e.filter.matches(mctx) {
					continue
				}
				before := string(mctx.Message.ID)
				res, err := e.mw(ctx, mctx, step(i))
				after := string(mctx.Message.ID)
				if before != after {
					return Result{}, &ErrIDMutated{Before: before, After: after}
				}
				return res, err
			}
			return term(ctx, mctx)
		}
	}

	res, err := step(0)(ctx, mctx)
	if err == nil && string(mctx.Message.ID) != originalID {
		return Result{}, &ErrIDMutated{Before: originalID, After: string(mctx.Message.ID)}
	}
	return res, err
}
