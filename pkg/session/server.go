package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

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

// Errors a Server's operations may return.
var (
	ErrNotListening       = errors.New("session: server not listening")
	ErrAlreadyListening   = errors.New("session: server already listening")
	ErrUndeclaredCapacity = errors.New("session: handler registered for a capability never declared")
)

// InitializeHandler customizes how a server answers `initialize` beyond
// the baked-in lifecycle bookkeeping — typically used to inspect the
// client's root URI / capabilities and decide what to declare back.
type InitializeHandler func(ctx context.Context, params wire.InitializeParams) error

// ServerOptions configures a Server at construction.
type ServerOptions struct {
	Logger     *log.Logger
	ServerInfo *wire.ServerInfo
	// MethodPath, as in ClientOptions, lets the capability gate resolve a
	// method name to its declaring capability path; nil disables gating.
	MethodPath capability.MethodCapabilityPath
	// Strict controls whether OnRequest/OnNotification fail fast (true)
	// or warn-and-accept (false) when registering for an undeclared
	// capability.
	Strict     bool
	Middleware *middleware.Pipeline
	OnInit     InitializeHandler
	// Validator, when set, gates every inbound request/notification
	// through Validator.Validate before it reaches a handler.
	Validator *validate.Validator
	// Metrics, when set, is updated with handler latency, dispatch
	// errors and the pending-request gauge as the session runs.
	Metrics *telemetry.Metrics
	// Tracer, when set, wraps inbound dispatch in a span per message.
	Tracer *telemetry.Tracer
}

// Server drives the server side of one LSP connection: capability-gated
// handler registration, the initialize/shutdown handshake, and
// server-to-client request/notification helpers.
type Server struct {
	stateBox

	logger     *log.Logger
	serverInfo *wire.ServerInfo
	mw         *middleware.Pipeline
	methodPath capability.MethodCapabilityPath
	strict     bool
	onInit     InitializeHandler
	validator  *validate.Validator
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer

	declMu   sync.RWMutex
	declared map[string]interface{}

	mu        sync.Mutex
	transport transport.Transport
	tracker   *pending.Tracker
	registry  *registry.Registry
	progress  *progress.Manager
	disp      *dispatch.Dispatcher
	obs       []transport.Disposable

	clientCaps wire.ClientCapabilities
}

// NewServer returns an unattached Server.
func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	mw := opts.Middleware
	if mw == nil {
		mw = middleware.New()
	}
	s := &Server{
		logger:     opts.Logger,
		serverInfo: opts.ServerInfo,
		mw:         mw,
		methodPath: opts.MethodPath,
		strict:     opts.Strict,
		onInit:     opts.OnInit,
		validator:  opts.Validator,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		declared:   make(map[string]interface{}),
		registry:   registry.New(),
		progress:   progress.NewManager(),
	}
	s.registerLifecycle()
	return s
}

// SetCapabilities replaces the declared server capability object and
// re-derives which handler-registration endpoints are exposed. Chainable
// shortcut RegisterCapability merges a single key instead of replacing
// the whole object.
func (s *Server) SetCapabilities(caps map[string]interface{}) *Server {
	s.declMu.Lock()
	s.declared = caps
	s.declMu.Unlock()
	return s
}

// RegisterCapability merges key/value into the declared capability
// object and returns s, so callers can chain multiple calls.
func (s *Server) RegisterCapability(key string, value interface{}) *Server {
	s.declMu.Lock()
	if s.declared == nil {
		s.declared = make(map[string]interface{})
	}
	s.declared[key] = value
	s.declMu.Unlock()
	return s
}

func (s *Server) declaredSnapshot() map[string]interface{} {
	s.declMu.RLock()
	defer s.declMu.RUnlock()
	out := make(map[string]interface{}, len(s.declared))
	for k, v := range s.declared {
		out[k] = v
	}
	return out
}

// Listen attaches transport, awaits `initialize`, responds with the
// declared capabilities, awaits `initialized`, and transitions to
// Initialized.
func (s *Server) Listen(ctx context.Context, tp transport.Transport) error {
	if !s.is(Created) {
		return ErrAlreadyListening
	}
	s.set(Initializing)
	s.attach(tp)

	initializedCh := make(chan struct{}, 1)
	s.registry.Register("initialized", registry.KindNotification, dispatch.NotificationHandler(func(ctx context.Context, params json.RawMessage) {
		select {
		case initializedCh <- struct{}{}:
		default:
		}
	}))

	select {
	case <-initializedCh:
		s.set(Initialized)
		return nil
	case <-ctx.Done():
		s.detach()
		s.set(Created)
		return ctx.Err()
	}
}

func (s *Server) registerLifecycle() {
	s.registry.Register("initialize", registry.KindRequest, dispatch.RequestHandler(s.handleInitialize))
	s.registry.Register("shutdown", registry.KindRequest, dispatch.RequestHandler(s.handleShutdown))
	s.registry.Register("exit", registry.KindNotification, dispatch.NotificationHandler(func(context.Context, json.RawMessage) {
		s.set(Shutdown)
	}))
}

func (s *Server) handleInitialize(ctx context.Context, token *cancel.Token, params json.RawMessage) (interface{}, error) {
	var ip wire.InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &ip); err != nil {
			return nil, wire.NewError(wire.InvalidParams, "malformed initialize params: "+err.Error(), nil)
		}
	}
	s.mu.Lock()
	s.clientCaps = ip.Capabilities
	s.mu.Unlock()

	if s.onInit != nil {
		if err := s.onInit(ctx, ip); err != nil {
			return nil, fmt.Errorf("session: onInit failed: %w", err)
		}
	}

	return wire.InitializeResult{
		Capabilities: wire.ServerCapabilities{Declared: s.declaredSnapshot()},
		ServerInfo:   s.serverInfo,
	}, nil
}

func (s *Server) handleShutdown(ctx context.Context, token *cancel.Token, params json.RawMessage) (interface{}, error) {
	s.set(ShuttingDown)
	return nil, nil
}

func (s *Server) attach(tp transport.Transport) {
	s.mu.Lock()
	s.transport = tp
	s.tracker = pending.New(s.sendCancelNotification)
	if s.metrics != nil {
		s.tracker.SetMetrics(s.metrics)
	}
	s.disp = dispatch.New(s.registry, s.tracker, s.progress, sendFunc(s.rawSend), s.logger)
	if s.validator != nil {
		s.disp.SetValidator(s.validator)
	}
	if s.metrics != nil {
		s.disp.SetMetrics(s.metrics)
	}
	if s.tracer != nil {
		s.disp.SetTracer(s.tracer)
	}
	s.obs = []transport.Disposable{
		tp.OnMessage(s.onMessage),
		tp.OnClose(s.onClose),
		tp.OnError(s.onError),
	}
	s.mu.Unlock()
}

func (s *Server) detach() {
	s.mu.Lock()
	for _, d := range s.obs {
		d.Dispose()
	}
	s.obs = nil
	tracker := s.tracker
	s.transport = nil
	s.tracker = nil
	s.mu.Unlock()
	if tracker != nil {
		tracker.CloseAll()
	}
}

func (s *Server) currentTransport() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

func (s *Server) onMessage(msg *wire.Message) {
	s.mu.Lock()
	d := s.disp
	s.mu.Unlock()

	if !s.checkMessageAllowed(msg) {
		return
	}
	if d != nil {
		d.Dispatch(context.Background(), msg)
	}
}

// checkMessageAllowed gates arbitrary inbound traffic by lifecycle state:
// before initialization only initialize/initialized/exit plus
// $/cancelRequest and $/progress are processable, and once shutting down
// only exit plus those two protocol notifications are. A rejected
// request gets an error response; a rejected notification is dropped.
func (s *Server) checkMessageAllowed(msg *wire.Message) bool {
	state := s.get()
	isRequest := msg.IsRequest()
	isProtocol := msg.Method == dispatch.MethodCancelRequest || msg.Method == dispatch.MethodProgress

	if state == ShuttingDown || state == Shutdown {
		if msg.Method == "exit" || isProtocol {
			return true
		}
		if isRequest {
			s.replyDirect(msg.ID, nil, wire.NewError(wire.InvalidRequest, "server is shutting down", nil))
		}
		return false
	}

	if state == Created || state == Initializing {
		switch msg.Method {
		case "initialize", "initialized", "exit":
			return true
		}
		if isProtocol {
			return true
		}
		if isRequest {
			s.replyDirect(msg.ID, nil, wire.NewError(wire.ServerNotInitialized, "server not initialized", nil))
		}
		return false
	}

	return true
}

func (s *Server) replyDirect(id json.RawMessage, result interface{}, respErr *wire.ResponseError) {
	_ = s.rawSend(wire.NewErrorResponse(id, respErr))
}

func (s *Server) onClose() {
	s.mu.Lock()
	tracker := s.tracker
	s.mu.Unlock()
	if tracker != nil {
		tracker.CloseAll()
	}
}

func (s *Server) onError(err error) {
	s.logger.Printf("session: server transport error: %v", err)
}

func (s *Server) rawSend(msg *wire.Message) error {
	tp := s.currentTransport()
	if tp == nil {
		return ErrNotListening
	}
	mctx := &middleware.Context{
		Direction:   middleware.ServerToClient,
		MessageType: classify(msg),
		Method:      msg.Method,
		Message:     msg,
		Metadata:    make(map[string]interface{}),
	}
	res, err := s.mw.Run(context.Background(), mctx, func(context.Context, *middleware.Context) (middleware.Result, error) {
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

// SendRequest writes a server-to-client request and blocks for the
// response, e.g. `client/registerCapability` or `workspace/applyEdit`.
func (s *Server) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	tracker := s.tracker
	s.mu.Unlock()
	if tracker == nil {
		return nil, ErrNotListening
	}

	id := wire.EncodeID(tracker.NextID())
	msg, err := wire.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	waiter := tracker.Track(wire.IDString(id), nil)

	if err := s.rawSend(msg); err != nil {
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

// SendNotification writes a server-to-client notification, e.g.
// `textDocument/publishDiagnostics`.
func (s *Server) SendNotification(method string, params interface{}) error {
	if s.currentTransport() == nil {
		return ErrNotListening
	}
	msg, err := wire.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.rawSend(msg)
}

func (s *Server) sendCancelNotification(id string) {
	_ = s.SendNotification(dispatch.MethodCancelRequest, wire.CancelParams{ID: json.RawMessage(id)})
}

// OnRequest registers a handler for method, gated by declared
// capabilities: in strict mode, registering for a method whose capability
// path is undeclared fails fast with ErrUndeclaredCapacity; in
// non-strict mode a warning is logged and registration proceeds anyway.
// Lifecycle methods are always registrable.
func (s *Server) OnRequest(method string, handler dispatch.RequestHandler) (registry.Disposable, error) {
	if err := s.checkRegistrable(method); err != nil {
		return nil, err
	}
	return s.registry.Register(method, registry.KindRequest, handler), nil
}

// OnNotification registers a handler for a notification method, under the
// same capability-gating rule as OnRequest.
func (s *Server) OnNotification(method string, handler dispatch.NotificationHandler) (registry.Disposable, error) {
	if err := s.checkRegistrable(method); err != nil {
		return nil, err
	}
	return s.registry.Register(method, registry.KindNotification, handler), nil
}

func (s *Server) checkRegistrable(method string) error {
	if isLifecycleMethod(method) || isSyncMethod(method) {
		return nil
	}
	if s.methodPath == nil {
		return nil
	}
	path, alwaysOn := s.methodPath(method)
	if alwaysOn || path == "" {
		return nil
	}
	s.declMu.RLock()
	_, declared := lookupCapabilityValue(s.declared, path)
	s.declMu.RUnlock()
	if declared {
		return nil
	}
	if s.strict {
		return fmt.Errorf("%w: %s (capability %s)", ErrUndeclaredCapacity, method, path)
	}
	s.logger.Printf("session: warning: registering %s without declaring capability %s", method, path)
	return nil
}

func lookupCapabilityValue(m map[string]interface{}, path string) (interface{}, bool) {
	parts := splitDotPath(path)
	cur := interface{}(m)
	for _, part := range parts {
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

func splitDotPath(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// isSyncMethod reports the text-document synchronization notifications
// that are always-registrable alongside the lifecycle methods proper.
func isSyncMethod(method string) bool {
	switch method {
	case "textDocument/didOpen", "textDocument/didChange",
		"textDocument/didClose", "textDocument/didSave",
		"workspace/didChangeWatchedFiles", "workspace/didChangeConfiguration":
		return true
	}
	return false
}

// Shutdown transitions ShuttingDown → Shutdown and detaches the
// transport.
func (s *Server) Shutdown() error {
	s.set(ShuttingDown)
	s.detach()
	s.set(Shutdown)
	return nil
}

// State reports the server's current lifecycle state.
func (s *Server) State() State { return s.get() }

// ClientCapabilities returns the capabilities the connected client
// declared during `initialize`.
func (s *Server) ClientCapabilities() wire.ClientCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientCaps
}
