package middleware

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/gopherlsp/lsprpc/pkg/wire"
)

func newCtx(method string) *Context {
	return &Context{
		Method:   method,
		Message:  &wire.Message{JSONRPC: wire.Version, ID: json.RawMessage("1"), Method: method},
		Metadata: map[string]interface{}{},
	}
}

func terminalOK(_ context.Context, mctx *Context) (Result, error) {
	msg, _ := wire.NewSuccess(mctx.Message.ID, "ok")
	return Result{Response: msg}, nil
}

func TestEmptyPipelineCallsTerminalDirectly(t *testing.T) {
	p := New()
	res, err := p.Run(context.Background(), newCtx("initialize"), terminalOK)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Response == nil {
		t.Fatalf("expected terminal response")
	}
}

func TestMiddlewareRunsBeforeAndAfterNext(t *testing.T) {
	p := New()
	var order []string
	p.Use(func(ctx context.Context, mctx *Context, next Next) (Result, error) {
		order = append(order, "before")
		res, err := next(ctx, mctx)
		order = append(order, "after")
		return res, err
	})

	_, err := p.Run(context.Background(), newCtx("initialize"), terminalOK)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(order) != 2 || order[0] != "before" || order[1] != "after" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestMiddlewareShortCircuits(t *testing.T) {
	p := New()
	p.Use(func(ctx context.Context, mctx *Context, next Next) (Result, error) {
		return Result{ShortCircuit: true}, nil
	})

	called := false
	term := func(ctx context.Context, mctx *Context) (Result, error) {
		called = true
		return Result{}, nil
	}

	res, err := p.Run(context.Background(), newCtx("initialize"), term)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if !res.ShortCircuit || called {
		t.Fatalf("expected short circuit without reaching terminal")
	}
}

func TestScopedMiddlewareGlobFilter(t *testing.T) {
	p := New()
	var hits int
	p.UseScoped(Filter{Methods: []string{"textDocument/*"}}, func(ctx context.Context, mctx *Context, next Next) (Result, error) {
		hits++
		return next(ctx, mctx)
	})

	p.Run(context.Background(), newCtx("textDocument/hover"), terminalOK)
	p.Run(context.Background(), newCtx("workspace/symbol"), terminalOK)

	if hits != 1 {
		t.Fatalf("expected scoped middleware to fire once, got %d", hits)
	}
}

func TestIDMutationFailsThePipeline(t *testing.T) {
	p := New()
	p.Use(func(ctx context.Context, mctx *Context, next Next) (Result, error) {
		mctx.Message.ID = json.RawMessage("999")
		return next(ctx, mctx)
	})

	_, err := p.Run(context.Background(), newCtx("initialize"), terminalOK)
	if err == nil {
		t.Fatalf("expected id-mutation error")
	}
	if _, ok := err.(*ErrIDMutated); !ok {
		t.Fatalf("expected *ErrIDMutated, got %T", err)
	}
}
