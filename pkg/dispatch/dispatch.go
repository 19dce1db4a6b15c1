// Package dispatch implements the bidirectional message dispatcher: it
// classifies inbound messages, correlates responses with pending
// outbound requests, routes requests and notifications to registered
// handlers, and enforces the one-response-per-request-id invariant.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gopherlsp/lsprpc/pkg/cancel"
	"github.com/gopherlsp/lsprpc/pkg/pending"
	"github.com/gopherlsp/lsprpc/pkg/progress"
	"github.com/gopherlsp/lsprpc/pkg/registry"
	"github.com/gopherlsp/lsprpc/pkg/telemetry"
	"github.com/gopherlsp/lsprpc/pkg/validate"
	"github.com/gopherlsp/lsprpc/pkg/wire"
)

// MethodCancelRequest and MethodProgress are the two reserved notification
// methods the dispatcher itself interprets rather than routing to a
// registered handler.
const (
	MethodCancelRequest = "$/cancelRequest"
	MethodProgress      = "$/progress"
)

// RequestHandler answers a request with a result or a *wire.ResponseError.
// A non-ResponseError error is normalized to InternalError by the
// dispatcher.
type RequestHandler func(ctx context.Context, token *cancel.Token, params json.RawMessage) (interface{}, error)

// NotificationHandler processes a notification. Errors are logged and
// swallowed — notifications never produce a response.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// Sender is the minimal outbound capability the dispatcher needs: writing
// a framed message to the peer. Sessions satisfy this via their attached
// transport.
type Sender interface {
	Send(msg *wire.Message) error
}

// Dispatcher owns one direction's worth of routing state for a session:
// the handler registry (inbound) and the pending-request tracker
// (outbound), bound together by shared cancellation tokens.
type Dispatcher struct {
	registry *registry.Registry
	pending  *pending.Tracker
	progress *progress.Manager
	sender   Sender
	logger   *log.Logger

	mu      sync.Mutex
	cancels map[string]*cancel.Source // keyed by inbound request id, one per in-flight handler invocation

	validator *validate.Validator
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
}

// SetValidator attaches a parameter validator to the inbound path. Every
// request and notification is run through it before reaching a handler;
// a nil validator (the default) leaves dispatch unchanged.
func (d *Dispatcher) SetValidator(v *validate.Validator) {
	d.validator = v
}

// SetMetrics attaches Prometheus collectors. Handler latency and dispatch
// errors are recorded against m once set; the pending-request gauge is
// moved by pending.Tracker, which takes its own SetMetrics call.
func (d *Dispatcher) SetMetrics(m *telemetry.Metrics) {
	d.metrics = m
}

// SetTracer attaches a span/log tracer around request dispatch.
func (d *Dispatcher) SetTracer(t *telemetry.Tracer) {
	d.tracer = t
}

func (d *Dispatcher) countError(method, kind string) {
	if d.metrics != nil {
		d.metrics.DispatchErrors.WithLabelValues(method, kind).Inc()
	}
}

// New returns a Dispatcher wired to reg, tracker, prog and sender. logger
// may be nil, in which case log.Default() is used.
func New(reg *registry.Registry, tracker *pending.Tracker, prog *progress.Manager, sender Sender, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		registry: reg,
		pending:  tracker,
		progress: prog,
		sender:   sender,
		logger:   logger,
		cancels:  make(map[string]*cancel.Source),
	}
}

// Dispatch classifies msg and routes it: responses go to the matching
// pending waiter, requests to their registered handler (with a reply
// always emitted), notifications to their handler (best-effort, no
// reply). It is safe to call concurrently for independent messages; the
// caller (the session) decides the concurrency policy — Dispatch itself
// does not block on a slow handler beyond invoking it, since handlers
// run on the calling goroutine and the session is expected to call
// Dispatch from its own worker.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *wire.Message) {
	switch msg.Kind() {
	case wire.KindSuccess:
		d.pending.Resolve(wire.IDString(msg.ID), msg.Result)
	case wire.KindError:
		d.pending.Reject(wire.IDString(msg.ID), msg.Error)
	case wire.KindRequest:
		d.dispatchRequest(ctx, msg)
	case wire.KindNotification:
		d.dispatchNotification(ctx, msg)
	default:
		d.logger.Printf("dispatch: dropping malformed message (no id, no method)")
	}
}

func (d *Dispatcher) dispatchRequest(ctx context.Context, msg *wire.Message) {
	handler, kind, ok := d.registry.Lookup(msg.Method)
	if !ok || kind != registry.KindRequest {
		d.reply(msg.ID, nil, wire.NewError(wire.MethodNotFound, "method not found: "+msg.Method, nil))
		return
	}

	reqHandler, ok := handler.(RequestHandler)
	if !ok {
		d.reply(msg.ID, nil, wire.NewError(wire.InternalError, "handler registered with wrong signature", nil))
		return
	}

	if d.validator != nil {
		if err := d.validator.Validate(msg.Method, msg.Params); err != nil {
			d.countError(msg.Method, "invalid_params")
			d.reply(msg.ID, nil, wire.NewError(wire.InvalidParams, err.Error(), nil))
			return
		}
	}

	idKey := wire.IDString(msg.ID)
	source := cancel.New()
	d.setCancel(idKey, source)
	defer d.clearCancel(idKey)

	spanCtx := ctx
	var endSpan func()
	if d.tracer != nil {
		spanCtx, endSpan = d.tracer.StartDispatch(ctx, "inbound", msg.Method)
	}

	start := time.Now()
	result, err := d.invoke(spanCtx, reqHandler, source.Token(), msg.Params)
	if d.metrics != nil {
		d.metrics.HandlerLatency.WithLabelValues(msg.Method).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		if d.tracer != nil {
			d.tracer.RecordError(spanCtx, msg.Method, err)
		}
		if endSpan != nil {
			endSpan()
		}
		d.countError(msg.Method, "handler")

		var respErr *wire.ResponseError
		if errors.As(err, &respErr) {
			d.reply(msg.ID, nil, respErr)
			return
		}
		d.reply(msg.ID, nil, wire.NewError(wire.InternalError, err.Error(), nil))
		return
	}
	if endSpan != nil {
		endSpan()
	}
	d.reply(msg.ID, result, nil)
}

// invoke calls the handler, recovering a panic into an error so a single
// misbehaving handler cannot take down the dispatch loop — the
// InternalError mapping covers "handler exceptions" generically, panics
// included.
func (d *Dispatcher) invoke(ctx context.Context, h RequestHandler, token *cancel.Token, params json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("handler panic: " + panicString(r))
		}
	}()
	return h(ctx, token, params)
}

func panicString(r interface{}) string {
	if e, ok := r.(error); ok {
		return e.Error()
	}
	return "unknown panic"
}

func (d *Dispatcher) dispatchNotification(ctx context.Context, msg *wire.Message) {
	if d.validator != nil {
		if err := d.validator.Validate(msg.Method, msg.Params); err != nil {
			d.logger.Printf("dispatch: notification %s failed validation: %v", msg.Method, err)
			d.countError(msg.Method, "invalid_params")
			return
		}
	}

	if msg.Method == MethodCancelRequest {
		d.handleCancelRequest(msg.Params)
		return
	}
	if msg.Method == MethodProgress {
		d.handleProgress(msg.Params)
		return
	}

	handler, kind, ok := d.registry.Lookup(msg.Method)
	if !ok || kind != registry.KindNotification {
		return
	}
	notifHandler, ok := handler.(NotificationHandler)
	if !ok {
		d.logger.Printf("dispatch: notification handler for %s has wrong signature", msg.Method)
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Printf("dispatch: notification handler for %s panicked: %v", msg.Method, r)
			}
		}()
		notifHandler(ctx, msg.Params)
	}()
}

func (d *Dispatcher) handleCancelRequest(params json.RawMessage) {
	var cp wire.CancelParams
	if err := json.Unmarshal(params, &cp); err != nil {
		d.logger.Printf("dispatch: malformed $/cancelRequest: %v", err)
		return
	}
	idKey := idInterfaceToKey(cp.ID)

	if source := d.getCancel(idKey); source != nil {
		source.Cancel()
	}
}

func (d *Dispatcher) handleProgress(params json.RawMessage) {
	var pp struct {
		Token interface{}     `json:"token"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(params, &pp); err != nil {
		d.logger.Printf("dispatch: malformed $/progress: %v", err)
		return
	}
	if d.progress != nil {
		d.progress.Dispatch(pp.Token, pp.Value)
	}
}

// reply writes a success or error response for id. A nil result is
// normalized to JSON null so the `result` field is always present.
func (d *Dispatcher) reply(id json.RawMessage, result interface{}, respErr *wire.ResponseError) {
	var msg *wire.Message
	if respErr != nil {
		msg = wire.NewErrorResponse(id, respErr)
	} else {
		built, err := wire.NewSuccess(id, result)
		if err != nil {
			msg = wire.NewErrorResponse(id, wire.NewError(wire.InternalError, err.Error(), nil))
		} else {
			msg = built
		}
	}
	if err := d.sender.Send(msg); err != nil {
		d.logger.Printf("dispatch: failed to send response for %s: %v", wire.IDString(id), err)
	}
}

func (d *Dispatcher) setCancel(id string, source *cancel.Source) {
	d.mu.Lock()
	d.cancels[id] = source
	d.mu.Unlock()
}

func (d *Dispatcher) clearCancel(id string) {
	d.mu.Lock()
	delete(d.cancels, id)
	d.mu.Unlock()
}

func (d *Dispatcher) getCancel(id string) *cancel.Source {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancels[id]
}

func idInterfaceToKey(id interface{}) string {
	data, err := json.Marshal(id)
	if err != nil {
		return ""
	}
	return string(data)
}
