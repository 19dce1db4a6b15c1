package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gopherlsp/lsprpc/pkg/cancel"
	"github.com/gopherlsp/lsprpc/pkg/pending"
	"github.com/gopherlsp/lsprpc/pkg/progress"
	"github.com/gopherlsp/lsprpc/pkg/registry"
	"github.com/gopherlsp/lsprpc/pkg/telemetry"
	"github.com/gopherlsp/lsprpc/pkg/validate"
	"github.com/gopherlsp/lsprpc/pkg/wire"
)

type recordingSender struct {
	sent []*wire.Message
}

func (s *recordingSender) Send(msg *wire.Message) error {
	s.sent = append(s.sent, msg)
	return nil
}

func newDispatcher() (*Dispatcher, *registry.Registry, *pending.Tracker, *recordingSender) {
	reg := registry.New()
	tr := pending.New(nil)
	sender := &recordingSender{}
	return New(reg, tr, progress.NewManager(), sender, nil), reg, tr, sender
}

func TestRequestWithUnknownMethodGetsMethodNotFound(t *testing.T) {
	d, _, _, sender := newDispatcher()

	d.Dispatch(context.Background(), &wire.Message{JSONRPC: wire.Version, ID: json.RawMessage("1"), Method: "bogus/method"})

	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one response, got %d", len(sender.sent))
	}
	if sender.sent[0].Error == nil || sender.sent[0].Error.Code != wire.MethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", sender.sent[0].Error)
	}
}

func TestRequestHandlerResultIsNormalizedToNullOnNilResult(t *testing.T) {
	d, reg, _, sender := newDispatcher()
	reg.Register("noop", registry.KindRequest, RequestHandler(func(ctx context.Context, token *cancel.Token, params json.RawMessage) (interface{}, error) {
		return nil, nil
	}))

	d.Dispatch(context.Background(), &wire.Message{JSONRPC: wire.Version, ID: json.RawMessage("1"), Method: "noop"})

	if len(sender.sent) != 1 {
		t.Fatalf("expected one response, got %d", len(sender.sent))
	}
	if string(sender.sent[0].Result) != "null" {
		t.Fatalf("expected result null, got %s", sender.sent[0].Result)
	}
}

func TestRequestHandlerResponseErrorPropagatesVerbatim(t *testing.T) {
	d, reg, _, sender := newDispatcher()
	wanted := wire.NewError(wire.InvalidParams, "bad params", nil)
	reg.Register("fails", registry.KindRequest, RequestHandler(func(ctx context.Context, token *cancel.Token, params json.RawMessage) (interface{}, error) {
		return nil, wanted
	}))

	d.Dispatch(context.Background(), &wire.Message{JSONRPC: wire.Version, ID: json.RawMessage("1"), Method: "fails"})

	if sender.sent[0].Error != wanted {
		t.Fatalf("expected the exact ResponseError to propagate, got %+v", sender.sent[0].Error)
	}
}

func TestRequestHandlerGenericErrorMapsToInternalError(t *testing.T) {
	d, reg, _, sender := newDispatcher()
	reg.Register("boom", registry.KindRequest, RequestHandler(func(ctx context.Context, token *cancel.Token, params json.RawMessage) (interface{}, error) {
		return nil, errors.New("kaboom")
	}))

	d.Dispatch(context.Background(), &wire.Message{JSONRPC: wire.Version, ID: json.RawMessage("1"), Method: "boom"})

	if sender.sent[0].Error == nil || sender.sent[0].Error.Code != wire.InternalError {
		t.Fatalf("expected InternalError, got %+v", sender.sent[0].Error)
	}
}

func TestCancelRequestFiresHandlerToken(t *testing.T) {
	d, reg, _, sender := newDispatcher()
	fired := make(chan struct{})
	reg.Register("slow", registry.KindRequest, RequestHandler(func(ctx context.Context, token *cancel.Token, params json.RawMessage) (interface{}, error) {
		token.OnCancel(func() { close(fired) })
		<-fired
		return nil, wire.NewError(wire.RequestCancelled, "cancelled", nil)
	}))

	done := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), &wire.Message{JSONRPC: wire.Version, ID: json.RawMessage("7"), Method: "slow"})
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancelParams, _ := json.Marshal(wire.CancelParams{ID: 7})
	d.Dispatch(context.Background(), &wire.Message{JSONRPC: wire.Version, Method: MethodCancelRequest, Params: cancelParams})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler to observe cancellation")
	}

	if sender.sent[0].Error == nil || sender.sent[0].Error.Code != wire.RequestCancelled {
		t.Fatalf("expected RequestCancelled response, got %+v", sender.sent[0].Error)
	}
}

func TestResponseRoutesToPendingWaiter(t *testing.T) {
	d, _, tr, _ := newDispatcher()
	waiter := tr.Track("1", nil)

	d.Dispatch(context.Background(), &wire.Message{JSONRPC: wire.Version, ID: json.RawMessage("1"), Result: json.RawMessage(`"ok"`)})

	select {
	case out := <-waiter:
		if string(out.Result) != `"ok"` {
			t.Fatalf("got %s", out.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestUnmatchedResponseIsDropped(t *testing.T) {
	d, _, _, _ := newDispatcher()
	// Should not panic even though nothing is tracking id "999".
	d.Dispatch(context.Background(), &wire.Message{JSONRPC: wire.Version, ID: json.RawMessage("999"), Result: json.RawMessage("null")})
}

func TestNotificationWithMissingHandlerIsSilentlyIgnored(t *testing.T) {
	d, _, _, sender := newDispatcher()
	d.Dispatch(context.Background(), &wire.Message{JSONRPC: wire.Version, Method: "workspace/didChangeConfiguration"})
	if len(sender.sent) != 0 {
		t.Fatalf("expected no response for a notification, got %d", len(sender.sent))
	}
}

func TestValidatorRejectsMalformedRequestParams(t *testing.T) {
	d, reg, _, sender := newDispatcher()
	reg.Register("client/registerCapability", registry.KindRequest, RequestHandler(func(ctx context.Context, token *cancel.Token, params json.RawMessage) (interface{}, error) {
		t.Fatal("handler should not run when validation fails")
		return nil, nil
	}))

	v := validate.New()
	d.SetValidator(v)

	badParams, _ := json.Marshal(map[string]interface{}{"registrations": []interface{}{}})
	d.Dispatch(context.Background(), &wire.Message{JSONRPC: wire.Version, ID: json.RawMessage("1"), Method: "client/registerCapability", Params: badParams})

	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one response, got %d", len(sender.sent))
	}
	if sender.sent[0].Error == nil || sender.sent[0].Error.Code != wire.InvalidParams {
		t.Fatalf("expected InvalidParams, got %+v", sender.sent[0].Error)
	}
}

func TestValidatorDisabledForMethodLetsRequestThrough(t *testing.T) {
	d, reg, _, sender := newDispatcher()
	reg.Register("client/registerCapability", registry.KindRequest, RequestHandler(func(ctx context.Context, token *cancel.Token, params json.RawMessage) (interface{}, error) {
		return "ok", nil
	}))

	v := validate.New()
	v.DisableFor("client/registerCapability")
	d.SetValidator(v)

	badParams, _ := json.Marshal(map[string]interface{}{"registrations": []interface{}{}})
	d.Dispatch(context.Background(), &wire.Message{JSONRPC: wire.Version, ID: json.RawMessage("1"), Method: "client/registerCapability", Params: badParams})

	if sender.sent[0].Error != nil {
		t.Fatalf("expected success, got error %+v", sender.sent[0].Error)
	}
}

func TestMetricsRecordHandlerLatencyAndDispatchErrors(t *testing.T) {
	d, reg, _, _ := newDispatcher()
	reg.Register("boom", registry.KindRequest, RequestHandler(func(ctx context.Context, token *cancel.Token, params json.RawMessage) (interface{}, error) {
		return nil, errors.New("kaboom")
	}))
	reg.Register("ok", registry.KindRequest, RequestHandler(func(ctx context.Context, token *cancel.Token, params json.RawMessage) (interface{}, error) {
		return "fine", nil
	}))

	m := telemetry.NewMetrics(prometheus.NewRegistry())
	d.SetMetrics(m)

	d.Dispatch(context.Background(), &wire.Message{JSONRPC: wire.Version, ID: json.RawMessage("1"), Method: "ok"})
	d.Dispatch(context.Background(), &wire.Message{JSONRPC: wire.Version, ID: json.RawMessage("2"), Method: "boom"})

	if got := testutil.ToFloat64(m.DispatchErrors.WithLabelValues("boom", "handler")); got != 1 {
		t.Fatalf("expected one dispatch error recorded, got %v", got)
	}
	if n := testutil.CollectAndCount(m.HandlerLatency); n != 2 {
		t.Fatalf("expected handler latency observed for both methods, got %d series", n)
	}
}

func TestProgressNotificationDispatchesToSubscribedCollector(t *testing.T) {
	mgr := progress.NewManager()
	reg := registry.New()
	tr := pending.New(nil)
	sender := &recordingSender{}
	d := New(reg, tr, mgr, sender, nil)

	var got json.RawMessage
	mgr.Subscribe("p1", func(value json.RawMessage) { got = value })

	params, _ := json.Marshal(map[string]interface{}{"token": "p1", "value": "first"})
	d.Dispatch(context.Background(), &wire.Message{JSONRPC: wire.Version, Method: MethodProgress, Params: params})

	if string(got) != `"first"` {
		t.Fatalf("expected partial value delivered, got %s", got)
	}
}
