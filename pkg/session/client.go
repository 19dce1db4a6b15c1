package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gopherlsp/lsprpc/pkg/cancel"
	"github.com/gopherlsp/lsprpc/pkg/capability"
	"github.com/gopherlsp/lsprpc/pkg/dispatch"
	"github.com/gopherlsp/lsprpc/pkg/middleware"
	"github.com/gopherlsp/lsprpc/pkg/pending"
	"github.com/gopherlsp/lsprpc/pkg/progress"
	"github.com/gopherlsp/lsprpc/pkg/registry"
	"github.com/gopherlsp/lsprpc/pkg/telemetry"
	"github.com/gopherlsp/lsprpc/pkg/transport"
	"github.com/gopherlsp/lsprpc/pkg/validate"
	"github.com/gopherlsp/lsprpc/pkg/wire"
)

// Errors a Client's operations may return.
var (
	ErrNotConnected     = errors.New("session: client not connected")
	ErrAlreadyConnected = errors.New("session: client already connected")
	ErrShutdown         = errors.New("session: client already shut down")
	ErrWaitTimeout      = errors.New("session: waitForNotification timed out")
)

// ClientOptions configures a Client. MethodPath and Capabilities let the
// capability gate inspect the out-of-scope method registry; a Client
// built without MethodPath allows every method (the capability gate is
// then a no-op) — compile-time gating is optional.
type ClientOptions struct {
	// Logger defaults to log.Default() when nil.
	Logger *log.Logger
	// ClientInfo is sent as part of `initialize`.
	ClientInfo *wire.ClientInfo
	// Capabilities is this client's own declared capabilities object,
	// consulted by the strict-mode dynamic-registration gate.
	Capabilities wire.ClientCapabilities
	// MethodPath maps a method name to its capability path, supplied by
	// the out-of-scope method registry; nil means every method is
	// always-on (no gating).
	MethodPath capability.MethodCapabilityPath
	// Strict enables rejection of dynamic registrations for capabilities
	// the client did not declare.
	Strict bool
	// Middleware, if non-nil, is used instead of a fresh pipeline.
	Middleware *middleware.Pipeline
	// Validator, when set, gates every inbound request/notification
	// through Validator.Validate before it reaches a handler.
	Validator *validate.Validator
	// Metrics, when set, is updated with handler latency, dispatch
	// errors and the pending-request gauge as the session runs.
	Metrics *telemetry.Metrics
	// Tracer, when set, wraps inbound dispatch in a span per message.
	Tracer *telemetry.Tracer
}

// Client drives the client side of one LSP connection: the initialize
// handshake, outbound request/notification helpers, and inbound handler
// registration for server-to-client traffic.
type Client struct {
	stateBox

	logger     *log.Logger
	mw         *middleware.Pipeline
	clientInfo *wire.ClientInfo
	ownCaps    wire.ClientCapabilities
	validator  *validate.Validator
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer

	mu        sync.Mutex
	transport transport.Transport
	tracker   *pending.Tracker
	registry  *registry.Registry
	progress  *progress.Manager
	disp      *dispatch.Dispatcher
	caps      *capability.State // the server's declared capabilities, as seen by this client
	obs       []transport.Disposable

	waiterMu sync.Mutex
	waiters  map[string][]*notificationWaiter
}

type notificationWaiter struct {
	filter func(json.RawMessage) bool
	ch     chan json.RawMessage
}

// NewClient returns an unconnected Client.
func NewClient(opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	mw := opts.Middleware
	if mw == nil {
		mw = middleware.New()
	}
	c := &Client{
		logger:     opts.Logger,
		mw:         mw,
		clientInfo: opts.ClientInfo,
		ownCaps:    opts.Capabilities,
		validator:  opts.Validator,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		registry:   registry.New(),
		progress:   progress.NewManager(),
		waiters:    make(map[string][]*notificationWaiter),
	}
	c.caps = capability.New(opts.Strict, c.declaredDynamicReg, opts.MethodPath)
	return c
}

func (c *Client) declaredDynamicReg(path string) (bool, bool) {
	if v, ok := lookupDynamicReg(c.ownCaps.TextDocument, path); ok {
		return v, true
	}
	if v, ok := lookupDynamicReg(c.ownCaps.Workspace, path); ok {
		return v, true
	}
	return false, false
}

func lookupDynamicReg(m map[string]wire.DynamicRegistrationCapability, path string) (bool, bool) {
	for key, decl := range m {
		if key == path || path == "textDocument."+key || path == "workspace."+key {
			return decl.DynamicRegistration, true
		}
	}
	return false, false
}

// Connect attaches transport, sends `initialize`, awaits the response,
// sends `initialized`, and transitions to Initialized. On any failure
// before `initialized` the transport attachment is torn down.
func (c *Client) Connect(ctx context.Context, tp transport.Transport, rootURI *string) (*wire.InitializeResult, error) {
	if !c.is(Created) {
		return nil, ErrAlreadyConnected
	}
	c.set(Initializing)
	c.attach(tp)

	params := wire.InitializeParams{
		ClientInfo:   c.clientInfo,
		RootURI:      rootURI,
		Capabilities: c.ownCaps,
	}
	raw, err := c.SendRequest(ctx, "initialize", params, nil)
	if err != nil {
		c.detach()
		c.set(Created)
		return nil, fmt.Errorf("session: initialize failed: %w", err)
	}

	var result wire.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.detach()
		c.set(Created)
		return nil, fmt.Errorf("session: decode initialize result: %w", err)
	}
	c.caps.SetDeclared(result.Capabilities.Declared)

	if err := c.SendNotification("initialized", struct{}{}); err != nil {
		c.detach()
		c.set(Created)
		return nil, fmt.Errorf("session: send initialized failed: %w", err)
	}

	c.set(Initialized)
	return &result, nil
}

func (c *Client) attach(tp transport.Transport) {
	c.mu.Lock()
	c.transport = tp
	c.tracker = pending.New(c.sendCancelNotification)
	if c.metrics != nil {
		c.tracker.SetMetrics(c.metrics)
	}
	c.disp = dispatch.New(c.registry, c.tracker, c.progress, sendFunc(c.rawSend), c.logger)
	if c.validator != nil {
		c.disp.SetValidator(c.validator)
	}
	if c.metrics != nil {
		c.disp.SetMetrics(c.metrics)
	}
	if c.tracer != nil {
		c.disp.SetTracer(c.tracer)
	}
	c.obs = []transport.Disposable{
		tp.OnMessage(c.onMessage),
		tp.OnClose(c.onClose),
		tp.OnError(c.onError),
	}
	c.mu.Unlock()
}

func (c *Client) detach() {
	c.mu.Lock()
	for _, d := range c.obs {
		d.Dispose()
	}
	c.obs = nil
	tracker := c.tracker
	c.transport = nil
	c.tracker = nil
	c.mu.Unlock()
	if tracker != nil {
		tracker.CloseAll()
	}
}

type sendFunc func(*wire.Message) error

func (f sendFunc) Send(msg *wire.Message) error { return f(msg) }

func (c *Client) currentTransport() transport.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

func (c *Client) onMessage(msg *wire.Message) {
	if msg.IsNotification() {
		c.dispatchToWaiters(msg)
	}
	c.mu.Lock()
	d := c.disp
	c.mu.Unlock()
	if d != nil {
		d.Dispatch(context.Background(), msg)
	}
}

func (c *Client) onClose() {
	c.mu.Lock()
	tracker := c.tracker
	c.mu.Unlock()
	if tracker != nil {
		tracker.CloseAll()
	}
}

func (c *Client) onError(err error) {
	c.logger.Printf("session: client transport error: %v", err)
}

func (c *Client) rawSend(msg *wire.Message) error {
	tp := c.currentTransport()
	if tp == nil {
		return ErrNotConnected
	}
	mctx := &middleware.Context{
		Direction:   middleware.ClientToServer,
		MessageType: classify(msg),
		Method:      msg.Method,
		Message:     msg,
		Metadata:    make(map[string]interface{}),
	}
	res, err := c.mw.Run(context.Background(), mctx, func(context.Context, *middleware.Context) (middleware.Result, error) {
		return middleware.Result{}, tp.Send(msg)
	})
	if err != nil {
		return err
	}
	if res.ShortCircuit {
		return res.Err
	}
	return nil
}

func classify(msg *wire.Message) middleware.MessageType {
	switch msg.Kind() {
	case wire.KindRequest:
		return middleware.TypeRequest
	case wire.KindNotification:
		return middleware.TypeNotification
	case wire.KindError:
		return middleware.TypeError
	default:
		return middleware.TypeResponse
	}
}

// SendRequest allocates an id, writes method/params, and blocks for the
// response (or ctx cancellation, or local cancellation via token).
func (c *Client) SendRequest(ctx context.Context, method string, params interface{}, token *cancel.Token) (json.RawMessage, error) {
	if c.is(Shutdown) {
		return nil, ErrShutdown
	}
	c.mu.Lock()
	tracker := c.tracker
	c.mu.Unlock()
	if tracker == nil {
		return nil, ErrNotConnected
	}
	if !c.methodAllowed(method) {
		return nil, wire.NewError(wire.InvalidRequest, "method not enabled by server capabilities: "+method, nil)
	}

	id := wire.EncodeID(tracker.NextID())
	msg, err := wire.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	var source *cancel.Source
	if token != nil {
		source = cancel.New()
		token.OnCancel(source.Cancel)
	}
	waiter := tracker.Track(wire.IDString(id), source)

	if err := c.rawSend(msg); err != nil {
		tracker.Reject(wire.IDString(id), err)
		return nil, err
	}

	select {
	case out := <-waiter:
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Result, nil
	case <-ctx.Done():
		tracker.Reject(wire.IDString(id), ctx.Err())
		return nil, ctx.Err()
	}
}

// SendRequestWithPartialResults wires a progress.Collector to token before
// sending, streams $/progress values to onPartial in arrival order, and
// resolves to a terminal progress.Outcome once the response or
// cancellation lands.
func (c *Client) SendRequestWithPartialResults(ctx context.Context, method string, params interface{}, prToken progress.Token, onPartial func(json.RawMessage), cancelToken *cancel.Token) progress.Outcome {
	collector := progress.NewCollector(onPartial)
	unsubscribe := c.progress.Subscribe(prToken, collector.Append)
	defer unsubscribe()

	result, err := c.SendRequest(ctx, method, withPartialResultToken(params, prToken), cancelToken)
	switch {
	case err == nil:
		collector.Complete(result)
	case errors.Is(err, pending.ErrCancelled):
		collector.Cancel()
	default:
		var respErr *wire.ResponseError
		if errors.As(err, &respErr) && respErr.Code == wire.RequestCancelled {
			collector.Cancel()
		} else {
			collector.Fail(err)
		}
	}
	return collector.Wait()
}

func withPartialResultToken(params interface{}, token progress.Token) interface{} {
	data, err := json.Marshal(params)
	if err != nil || token == nil {
		return params
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return params
	}
	m["partialResultToken"] = token
	return m
}

// SendNotification writes method/params with no id; no response is
// expected.
func (c *Client) SendNotification(method string, params interface{}) error {
	if c.currentTransport() == nil {
		return ErrNotConnected
	}
	msg, err := wire.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.rawSend(msg)
}

func (c *Client) sendCancelNotification(id string) {
	_ = c.SendNotification(dispatch.MethodCancelRequest, wire.CancelParams{ID: json.RawMessage(id)})
}

// OnRequest registers a handler for a server-to-client request, e.g.
// `client/registerCapability`.
func (c *Client) OnRequest(method string, handler dispatch.RequestHandler) registry.Disposable {
	return c.registry.Register(method, registry.KindRequest, handler)
}

// OnNotification registers a handler for a server-to-client notification,
// e.g. `textDocument/publishDiagnostics`. `$/progress` and
// `$/cancelRequest` are consumed by the dispatcher itself and never reach
// a handler registered here.
func (c *Client) OnNotification(method string, handler dispatch.NotificationHandler) registry.Disposable {
	return c.registry.Register(method, registry.KindNotification, handler)
}

// WaitForNotification returns a future resolved by the first matching
// notification. timeout is mandatory; filter may be nil to match any
// payload. Waiter state is cleaned up on resolution or timeout;
// concurrent waiters on the same method are independent.
func (c *Client) WaitForNotification(ctx context.Context, method string, timeout time.Duration, filter func(json.RawMessage) bool) (json.RawMessage, error) {
	w := &notificationWaiter{filter: filter, ch: make(chan json.RawMessage, 1)}

	c.waiterMu.Lock()
	c.waiters[method] = append(c.waiters[method], w)
	c.waiterMu.Unlock()

	cleanup := func() {
		c.waiterMu.Lock()
		defer c.waiterMu.Unlock()
		list := c.waiters[method]
		for i, cand := range list {
			if cand == w {
				c.waiters[method] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case params := <-w.ch:
		cleanup()
		return params, nil
	case <-timer.C:
		cleanup()
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

func (c *Client) dispatchToWaiters(msg *wire.Message) {
	c.waiterMu.Lock()
	list := c.waiters[msg.Method]
	var matched *notificationWaiter
	var remaining []*notificationWaiter
	for _, w := range list {
		if matched == nil && (w.filter == nil || w.filter(msg.Params)) {
			matched = w
			continue
		}
		remaining = append(remaining, w)
	}
	if matched != nil {
		c.waiters[msg.Method] = remaining
	}
	c.waiterMu.Unlock()

	if matched != nil {
		matched.ch <- msg.Params
	}
}

func (c *Client) methodAllowed(method string) bool {
	if isLifecycleMethod(method) {
		return true
	}
	return c.caps.Allowed(method)
}

// RegisterCapabilityHandler installs the built-in handler for
// `client/registerCapability`, answering per the strict-mode rules
// enforced by the capability gate. Callers that want custom
// registerCapability behavior can skip this and register their own
// handler instead.
func (c *Client) RegisterCapabilityHandler() registry.Disposable {
	return c.OnRequest("client/registerCapability", func(ctx context.Context, token *cancel.Token, params json.RawMessage) (interface{}, error) {
		var rp wire.RegistrationParams
		if err := json.Unmarshal(params, &rp); err != nil {
			return nil, wire.NewError(wire.InvalidParams, "malformed registration params: "+err.Error(), nil)
		}
		for _, reg := range rp.Registrations {
			if respErr := c.caps.Register(reg); respErr != nil {
				return nil, respErr
			}
		}
		return nil, nil
	})
}

// UnregisterCapabilityHandler installs the built-in handler for
// `client/unregisterCapability`.
func (c *Client) UnregisterCapabilityHandler() registry.Disposable {
	return c.OnRequest("client/unregisterCapability", func(ctx context.Context, token *cancel.Token, params json.RawMessage) (interface{}, error) {
		var up wire.UnregistrationParams
		if err := json.Unmarshal(params, &up); err != nil {
			return nil, wire.NewError(wire.InvalidParams, "malformed unregistration params: "+err.Error(), nil)
		}
		for _, un := range up.Unregisterations {
			if respErr := c.caps.Unregister(un.ID); respErr != nil {
				return nil, respErr
			}
		}
		return nil, nil
	})
}

// Disconnect sends `shutdown`, awaits its response, sends `exit`, detaches
// the transport, and transitions to Shutdown. Idempotent when already
// disconnected; any request issued afterward fails fast with ErrShutdown.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.is(Shutdown) {
		return nil
	}
	c.set(ShuttingDown)

	if _, err := c.SendRequest(ctx, "shutdown", nil, nil); err != nil {
		c.logger.Printf("session: shutdown request failed: %v", err)
	}
	if err := c.SendNotification("exit", nil); err != nil {
		c.logger.Printf("session: exit notification failed: %v", err)
	}

	c.detach()
	c.set(Shutdown)
	return nil
}

// State reports the client's current lifecycle state.
func (c *Client) State() State { return c.get() }

func isLifecycleMethod(method string) bool {
	switch method {
	case "initialize", "initialized", "shutdown", "exit",
		"client/registerCapability", "client/unregisterCapability",
		dispatch.MethodCancelRequest, dispatch.MethodProgress:
		return true
	}
	return false
}
