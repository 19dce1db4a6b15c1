package transport

import (
	"github.com/gopherlsp/lsprpc/pkg/wire"
)

// Worker models the post/receive primitives of an in-process worker: two
// Workers created together share a pair of channels (buffered, so a
// handful of sends never block waiting on the peer's read loop), so
// Send on one is observed as an inbound message on the other, with no
// framing or serialization in between (the message value itself crosses
// the boundary).
type Worker struct {
	observers

	outbox chan<- *wire.Message
	inbox  <-chan *wire.Message
	done   chan struct{}
}

// NewWorkerPair returns two Workers wired to each other, modeling a
// worker and the thread that spawned it. Call Start on each to begin
// delivering inbound messages to observers.
func NewWorkerPair() (*Worker, *Worker) {
	ab := make(chan *wire.Message, 16)
	ba := make(chan *wire.Message, 16)
	a := &Worker{outbox: ab, inbox: ba, done: make(chan struct{})}
	b := &Worker{outbox: ba, inbox: ab, done: make(chan struct{})}
	return a, b
}

// Start begins delivering messages arriving on the inbox to message
// observers. It returns when Close is called on this Worker; the shared
// channels are never closed, so the peer's Close does not end it.
func (w *Worker) Start() {
	w.setState(Connected)
	for {
		select {
		case msg, ok := <-w.inbox:
			if !ok {
				w.emitCloseOnce()
				return
			}
			w.emitMessage(msg)
		case <-w.done:
			w.emitCloseOnce()
			return
		}
	}
}

// Send posts message to the peer's inbox.
func (w *Worker) Send(message *wire.Message) error {
	if !w.isConnected() {
		return ErrNotConnected
	}
	select {
	case w.outbox <- message:
		return nil
	case <-w.done:
		return ErrClosed
	}
}

// Close stops the read loop and fires this Worker's close observers. The
// peer is not notified: it keeps running until its own Close, and simply
// stops receiving further posts.
func (w *Worker) Close() error {
	if w.alreadyClosed() {
		return nil
	}
	close(w.done)
	w.emitCloseOnce()
	return nil
}

func (w *Worker) OnMessage(h MessageHandler) Disposable { return w.onMessage(h) }
func (w *Worker) OnError(h ErrorHandler) Disposable      { return w.onError(h) }
func (w *Worker) OnClose(h CloseHandler) Disposable      { return w.onClose(h) }
func (w *Worker) IsConnected() bool                      { return w.isConnected() }

var _ Transport = (*Worker)(nil)
