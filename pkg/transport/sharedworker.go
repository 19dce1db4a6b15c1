package transport

import (
	"encoding/json"
	"io"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/gopherlsp/lsprpc/pkg/wire"
)

// envelope is the frame body SharedWorkerHub reads and writes: a bare
// JSON-RPC message tagged with the id of the client port it came from or
// is addressed to. A missing ClientID marks a bare message, delivered to
// every connected port as a fallback for senders that predate the
// multiplexing scheme.
type envelope struct {
	ClientID string          `json:"clientId,omitempty"`
	Message  json.RawMessage `json:"message"`
}

// SharedWorkerHub demultiplexes one underlying stream carrying envelopes
// for several logical clients into one Transport per client (a Port),
// modeling a SharedWorker's single connection to many tabs. Each Port's
// traffic is isolated from the others; only a bare, clientId-less
// envelope is broadcast to all of them.
type SharedWorkerHub struct {
	rwc    io.ReadWriteCloser
	writer *wire.Writer
	logger *log.Logger

	mu     sync.Mutex
	ports  map[string]*SharedWorkerPort
	closed bool
}

// NewSharedWorkerHub wraps rwc as a shared worker's message stream. Call
// Start to begin demultiplexing; use Port to obtain or create the
// Transport for a given client id.
func NewSharedWorkerHub(rwc io.ReadWriteCloser, logger *log.Logger) *SharedWorkerHub {
	if logger == nil {
		logger = log.Default()
	}
	return &SharedWorkerHub{
		rwc:    rwc,
		writer: wire.NewWriter(rwc),
		logger: logger,
		ports:  make(map[string]*SharedWorkerPort),
	}
}

// NewPort allocates a fresh client id and returns its Port, the way a
// browser's SharedWorker assigns each connecting tab an identity it never
// has to choose for itself.
func (h *SharedWorkerHub) NewPort() *SharedWorkerPort {
	return h.Port(uuid.NewString())
}

// Port returns the Transport for clientID, creating it on first use.
func (h *SharedWorkerHub) Port(clientID string) *SharedWorkerPort {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.ports[clientID]; ok {
		return p
	}
	p := &SharedWorkerPort{hub: h, clientID: clientID}
	p.setState(Connected)
	h.ports[clientID] = p
	return p
}

// Start begins reading envelopes from the underlying stream and routing
// each to its addressed port, or to every port for a bare message. It
// returns once the stream ends or Close is called.
func (h *SharedWorkerHub) Start() {
	err := wire.ReadRawFrom(h.rwc, h.routeEnvelope, func(err error) {
		h.logger.Printf("transport: sharedworker: %v", err)
	})
	if err != nil {
		h.logger.Printf("transport: sharedworker read loop ended: %v", err)
	}
	h.closeAll()
}

func (h *SharedWorkerHub) routeEnvelope(body []byte) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}

	var msg wire.Message
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return err
	}

	if env.ClientID == "" {
		for _, p := range h.snapshotPorts() {
			p.emitMessage(&msg)
		}
		return nil
	}

	h.mu.Lock()
	port, ok := h.ports[env.ClientID]
	h.mu.Unlock()
	if !ok {
		h.logger.Printf("transport: sharedworker: envelope for unknown client %q dropped", env.ClientID)
		return nil
	}
	port.emitMessage(&msg)
	return nil
}

func (h *SharedWorkerHub) snapshotPorts() []*SharedWorkerPort {
	h.mu.Lock()
	defer h.mu.Unlock()
	ports := make([]*SharedWorkerPort, 0, len(h.ports))
	for _, p := range h.ports {
		ports = append(ports, p)
	}
	return ports
}

// send writes an envelope addressed to clientID.
func (h *SharedWorkerHub) send(clientID string, msg *wire.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	env := envelope{ClientID: clientID, Message: body}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return h.writer.WriteRaw(raw)
}

// Close closes the underlying stream and every port.
func (h *SharedWorkerHub) Close() error {
	h.closeAll()
	return h.rwc.Close()
}

func (h *SharedWorkerHub) closeAll() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	ports := make([]*SharedWorkerPort, 0, len(h.ports))
	for _, p := range h.ports {
		ports = append(ports, p)
	}
	h.mu.Unlock()

	for _, p := range ports {
		p.emitCloseOnce()
	}
}

// SharedWorkerPort is the Transport view of one client's traffic through
// a SharedWorkerHub.
type SharedWorkerPort struct {
	observers
	hub      *SharedWorkerHub
	clientID string
}

// Send envelopes message with this port's client id and writes it to the
// hub's underlying stream.
func (p *SharedWorkerPort) Send(message *wire.Message) error {
	if !p.isConnected() {
		return ErrNotConnected
	}
	return p.hub.send(p.clientID, message)
}

// Close removes this port from the hub. It does not close the hub's
// underlying stream — other ports may still be active.
func (p *SharedWorkerPort) Close() error {
	p.hub.mu.Lock()
	delete(p.hub.ports, p.clientID)
	p.hub.mu.Unlock()
	p.emitCloseOnce()
	return nil
}

func (p *SharedWorkerPort) OnMessage(h MessageHandler) Disposable { return p.onMessage(h) }
func (p *SharedWorkerPort) OnError(h ErrorHandler) Disposable      { return p.onError(h) }
func (p *SharedWorkerPort) OnClose(h CloseHandler) Disposable      { return p.onClose(h) }
func (p *SharedWorkerPort) IsConnected() bool                      { return p.isConnected() }

var _ Transport = (*SharedWorkerPort)(nil)
