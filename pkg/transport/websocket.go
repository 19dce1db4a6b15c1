package transport

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gopherlsp/lsprpc/pkg/wire"
)

// WebSocket carries one JSON-RPC message per WebSocket text frame —
// the socket's own frame boundaries make the Content-Length header wire
// uses elsewhere redundant. It reconnects on unexpected disconnect using
// the same ReconnectPolicy as TCPClient, provided it was constructed from
// a URL rather than a pre-dialed connection (a pre-dialed connection has
// no URL to redial).
type WebSocket struct {
	observers

	url    string
	policy ReconnectPolicy
	logger *log.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	closing  bool
	attempts int
}

// DialWebSocket returns a WebSocket transport that will dial url when
// Start is called.
func DialWebSocket(url string, policy ReconnectPolicy, logger *log.Logger) *WebSocket {
	if logger == nil {
		logger = log.Default()
	}
	return &WebSocket{url: url, policy: policy, logger: logger}
}

// NewWebSocket adapts an already-established connection, e.g. one
// accepted server-side via websocket.Upgrader. It does not reconnect:
// there is no URL to redial, since this constructor is typically used on
// the accepting side of the connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	ws := &WebSocket{conn: conn}
	ws.setState(Connected)
	return ws
}

// Start begins the read loop. If the WebSocket was constructed via
// DialWebSocket it dials first; if constructed via NewWebSocket the
// connection is already established and Start only launches the reader.
func (w *WebSocket) Start() error {
	w.mu.Lock()
	haveConn := w.conn != nil
	w.mu.Unlock()
	if !haveConn {
		if err := w.dial(); err != nil {
			return err
		}
	}
	go w.readLoop()
	return nil
}

func (w *WebSocket) dial() error {
	w.setState(Connecting)
	conn, _, err := websocket.DefaultDialer.Dial(w.url, nil)
	if err != nil {
		w.setState(Disconnected)
		return err
	}
	w.mu.Lock()
	w.conn = conn
	w.attempts = 0
	w.mu.Unlock()
	w.setState(Connected)
	return nil
}

func (w *WebSocket) readLoop() {
	for {
		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		if conn == nil {
			return
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				w.emitError(err)
				break
			}
			var msg wire.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				w.emitError(&wire.ParseError{Err: err})
				continue
			}
			w.emitMessage(&msg)
		}

		w.mu.Lock()
		closing := w.closing
		canRedial := w.url != ""
		w.mu.Unlock()
		if closing || !canRedial || !w.reconnect() {
			w.emitCloseOnce()
			return
		}
	}
}

func (w *WebSocket) reconnect() bool {
	w.setState(Connecting)
	for {
		w.mu.Lock()
		attempt := w.attempts
		closing := w.closing
		w.mu.Unlock()
		if closing {
			return false
		}
		if w.policy.MaxRetries > 0 && attempt >= w.policy.MaxRetries {
			return false
		}

		time.Sleep(w.policy.delay(attempt))

		conn, _, err := websocket.DefaultDialer.Dial(w.url, nil)
		w.mu.Lock()
		w.attempts++
		if err == nil {
			w.conn = conn
		}
		w.mu.Unlock()
		if err != nil {
			w.logger.Printf("transport: websocket reconnect to %s failed: %v", w.url, err)
			continue
		}
		w.setState(Connected)
		return true
	}
}

// Send writes message as one text frame.
func (w *WebSocket) Send(message *wire.Message) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil || !w.isConnected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close stops reconnection and closes the current connection.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	w.closing = true
	conn := w.conn
	w.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	w.emitCloseOnce()
	return err
}

func (w *WebSocket) OnMessage(h MessageHandler) Disposable { return w.onMessage(h) }
func (w *WebSocket) OnError(h ErrorHandler) Disposable      { return w.onError(h) }
func (w *WebSocket) OnClose(h CloseHandler) Disposable      { return w.onClose(h) }
func (w *WebSocket) IsConnected() bool                      { return w.isConnected() }

var _ Transport = (*WebSocket)(nil)
