package transport

import (
	"io"
	"sync"

	"github.com/gopherlsp/lsprpc/pkg/wire"
)

// Stdio implements Transport over one input byte stream and one output
// byte stream. Close is a logical close: it stops the read loop emitting
// messages and marks the transport disconnected but never closes the
// underlying streams, which typically are the process's shared stdin and
// stdout.
type Stdio struct {
	observers

	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
	done    chan struct{}
}

// NewStdio returns a Stdio transport reading in and writing to out.
// Call Start to begin the read loop.
func NewStdio(in io.Reader, out io.Writer) *Stdio {
	return &Stdio{in: in, out: out, done: make(chan struct{})}
}

// Start begins reading framed messages from in, emitting each to message
// observers as it completes, and reports itself connected. It returns
// once the stream ends; after Close, messages still read from in are
// dropped instead of emitted.
func (s *Stdio) Start() {
	s.setState(Connected)
	err := wire.ReadFrom(s.in, func(msg *wire.Message) error {
		select {
		case <-s.done:
			return nil
		default:
		}
		s.emitMessage(msg)
		return nil
	}, func(err error) {
		s.emitError(err)
	})
	if err != nil && err != io.EOF {
		s.emitError(err)
	}
	s.emitCloseOnce()
}

// Send writes message to the output stream.
func (s *Stdio) Send(message *wire.Message) error {
	if !s.isConnected() {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.NewWriter(s.out).Write(message)
}

// Close stops the read loop's effect on observers and marks the
// transport disconnected. It does not close the underlying in/out
// streams — they are shared with the host process.
func (s *Stdio) Close() error {
	if s.alreadyClosed() {
		return nil
	}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.emitCloseOnce()
	return nil
}

func (s *Stdio) OnMessage(h MessageHandler) Disposable { return s.onMessage(h) }
func (s *Stdio) OnError(h ErrorHandler) Disposable      { return s.onError(h) }
func (s *Stdio) OnClose(h CloseHandler) Disposable      { return s.onClose(h) }
func (s *Stdio) IsConnected() bool                      { return s.isConnected() }

var _ Transport = (*Stdio)(nil)
