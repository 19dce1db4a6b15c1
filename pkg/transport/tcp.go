package transport

import (
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gopherlsp/lsprpc/pkg/wire"
)

// ReconnectPolicy controls the exponential backoff used by transports
// that reconnect on unexpected disconnect. Reconnection is only
// attempted after a disconnect the caller didn't request via Close; it
// never applies to the initial dial.
type ReconnectPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	MaxRetries int // 0 means unlimited
}

// DefaultReconnectPolicy mirrors the backoff shape used across the
// reconnecting transports: a quick first retry, doubling up to a ceiling.
var DefaultReconnectPolicy = ReconnectPolicy{
	Initial:    200 * time.Millisecond,
	Max:        30 * time.Second,
	Multiplier: 2,
	MaxRetries: 0,
}

func (p ReconnectPolicy) delay(attempt int) time.Duration {
	d := float64(p.Initial)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	return time.Duration(d)
}

// TCPClient dials a TCP server and reconnects on unexpected disconnect
// according to its ReconnectPolicy.
type TCPClient struct {
	observers

	addr   string
	policy ReconnectPolicy
	logger *log.Logger

	mu       sync.Mutex
	conn     net.Conn
	closing  bool
	writer   *wire.Writer
	attempts int
}

// NewTCPClient returns a TCPClient that will dial addr when Start is
// called. A nil logger defaults to log.Default().
func NewTCPClient(addr string, policy ReconnectPolicy, logger *log.Logger) *TCPClient {
	if logger == nil {
		logger = log.Default()
	}
	return &TCPClient{addr: addr, policy: policy, logger: logger}
}

// Start dials addr once and, on success, begins the read loop. A failed
// initial dial is returned without retrying; the reconnect policy applies
// only to later disconnects, handled by the read/reconnect loop in the
// background.
func (c *TCPClient) Start() error {
	if err := c.dial(); err != nil {
		return err
	}
	go c.readLoop()
	return nil
}

func (c *TCPClient) dial() error {
	c.setState(Connecting)
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		c.setState(Disconnected)
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.writer = wire.NewWriter(conn)
	c.attempts = 0
	c.mu.Unlock()
	c.setState(Connected)
	return nil
}

func (c *TCPClient) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		err := wire.ReadFrom(conn, func(msg *wire.Message) error {
			c.emitMessage(msg)
			return nil
		}, c.emitError)

		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing {
			c.emitCloseOnce()
			return
		}
		if err != nil {
			c.emitError(err)
		}

		if !c.reconnect() {
			c.emitCloseOnce()
			return
		}
	}
}

func (c *TCPClient) reconnect() bool {
	c.setState(Connecting)
	for {
		c.mu.Lock()
		attempt := c.attempts
		closing := c.closing
		c.mu.Unlock()
		if closing {
			return false
		}
		if c.policy.MaxRetries > 0 && attempt >= c.policy.MaxRetries {
			return false
		}

		time.Sleep(c.policy.delay(attempt))

		conn, err := net.Dial("tcp", c.addr)
		c.mu.Lock()
		c.attempts++
		if err == nil {
			c.conn = conn
			c.writer = wire.NewWriter(conn)
		}
		c.mu.Unlock()
		if err != nil {
			c.logger.Printf("transport: tcp reconnect to %s failed: %v", c.addr, err)
			continue
		}
		c.setState(Connected)
		return true
	}
}

// Send writes message to the current connection.
func (c *TCPClient) Send(message *wire.Message) error {
	c.mu.Lock()
	w := c.writer
	c.mu.Unlock()
	if w == nil || !c.isConnected() {
		return ErrNotConnected
	}
	return w.Write(message)
}

// Close stops reconnection and closes the current connection.
func (c *TCPClient) Close() error {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.emitCloseOnce()
	return nil
}

func (c *TCPClient) OnMessage(h MessageHandler) Disposable { return c.onMessage(h) }
func (c *TCPClient) OnError(h ErrorHandler) Disposable      { return c.onError(h) }
func (c *TCPClient) OnClose(h CloseHandler) Disposable      { return c.onClose(h) }
func (c *TCPClient) IsConnected() bool                      { return c.isConnected() }

var _ Transport = (*TCPClient)(nil)

// TCPServer accepts exactly one connection at a time on a listening
// socket, handing the accepted connection to onConn as a Transport. A
// second peer dialing in while one is already active is rejected and
// closed immediately, leaving the active connection untouched; the
// rejection is reported through OnRejected.
type TCPServer struct {
	listener net.Listener
	logger   *log.Logger
	onConn   func(Transport)
	onReject func(error)

	mu      sync.Mutex
	current *tcpConn
	closed  bool
}

// ErrSecondPeerRejected is reported to the OnRejected callback (and
// logged) when a peer dials in while another connection is already
// active.
var ErrSecondPeerRejected = errors.New("transport: tcp server already has an active peer")

// OnRejected registers f to be called whenever Serve destroys a second
// concurrent connection attempt instead of accepting it.
func (s *TCPServer) OnRejected(f func(error)) {
	s.onReject = f
}

// NewTCPServer listens on addr and returns a TCPServer. Call Serve to
// begin accepting.
func NewTCPServer(addr string, logger *log.Logger, onConn func(Transport)) (*TCPServer, error) {
	if logger == nil {
		logger = log.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPServer{listener: ln, logger: logger, onConn: onConn}, nil
}

// Addr returns the bound listener address.
func (s *TCPServer) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until Close is called, invoking onConn for
// the first connection and rejecting any additional one that arrives
// while it is still active.
func (s *TCPServer) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}

		s.mu.Lock()
		if s.current != nil {
			s.mu.Unlock()
			conn.Close()
			s.logger.Printf("transport: rejecting second peer %s, already serving one connection", conn.RemoteAddr())
			if s.onReject != nil {
				s.onReject(ErrSecondPeerRejected)
			}
			continue
		}
		tc := newTCPConn(conn)
		s.current = tc
		s.mu.Unlock()
		tc.OnClose(func() { s.clearCurrent(tc) })

		s.onConn(tc)
		go tc.readLoop()
	}
}

func (s *TCPServer) clearCurrent(tc *tcpConn) {
	s.mu.Lock()
	if s.current == tc {
		s.current = nil
	}
	s.mu.Unlock()
}

// Close stops accepting and closes the active connection, if any.
func (s *TCPServer) Close() error {
	s.mu.Lock()
	s.closed = true
	cur := s.current
	s.mu.Unlock()
	err := s.listener.Close()
	if cur != nil {
		cur.Close()
	}
	return err
}

// tcpConn wraps one accepted net.Conn as a Transport. It does not
// reconnect — reconnection on the server side is expressed as the peer
// dialing in again, surfaced as a new call to onConn.
type tcpConn struct {
	observers
	conn   net.Conn
	writer *wire.Writer
}

func newTCPConn(conn net.Conn) *tcpConn {
	tc := &tcpConn{conn: conn, writer: wire.NewWriter(conn)}
	tc.setState(Connected)
	return tc
}

func (tc *tcpConn) readLoop() {
	err := wire.ReadFrom(tc.conn, func(msg *wire.Message) error {
		tc.emitMessage(msg)
		return nil
	}, tc.emitError)
	if err != nil {
		tc.emitError(err)
	}
	tc.emitCloseOnce()
}

func (tc *tcpConn) Send(message *wire.Message) error {
	if !tc.isConnected() {
		return ErrNotConnected
	}
	return tc.writer.Write(message)
}

func (tc *tcpConn) Close() error {
	err := tc.conn.Close()
	tc.emitCloseOnce()
	return err
}

func (tc *tcpConn) OnMessage(h MessageHandler) Disposable { return tc.onMessage(h) }
func (tc *tcpConn) OnError(h ErrorHandler) Disposable      { return tc.onError(h) }
func (tc *tcpConn) OnClose(h CloseHandler) Disposable      { return tc.onClose(h) }
func (tc *tcpConn) IsConnected() bool                      { return tc.isConnected() }

var _ Transport = (*tcpConn)(nil)
