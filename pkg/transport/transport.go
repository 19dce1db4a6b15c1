// Package transport implements the bidirectional, ordered, message-framed
// channel abstraction, plus its concrete implementations: stdio, TCP
// (client/server, with reconnect), IPC, WebSocket (with reconnect),
// dedicated worker, and shared worker.
package transport

import (
	"errors"
	"sync"

	"github.com/gopherlsp/lsprpc/pkg/wire"
)

// State is one of the four transport lifecycle states.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Errors a Transport.Send may return.
var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: closed")
)

// Disposable removes whatever registered it.
type Disposable interface {
	Dispose()
}

type disposeFunc func()

func (f disposeFunc) Dispose() { f() }

// MessageHandler receives one inbound message.
type MessageHandler func(*wire.Message)

// ErrorHandler receives one transport-level error. A transport may keep
// operating after a non-fatal error (e.g. a malformed inbound frame).
type ErrorHandler func(error)

// CloseHandler is invoked exactly once when the transport closes.
type CloseHandler func()

// Transport is the interface every concrete implementation satisfies.
type Transport interface {
	// Send enqueues message for delivery, preserving send-call order
	// at the peer. It fails if the transport is not connected.
	Send(message *wire.Message) error

	OnMessage(h MessageHandler) Disposable
	OnError(h ErrorHandler) Disposable
	OnClose(h CloseHandler) Disposable

	// Close is idempotent: subsequent calls are no-ops. It transitions
	// to Disconnected and invokes close observers exactly once.
	Close() error

	IsConnected() bool
}

// observers is the shared bookkeeping every concrete transport embeds:
// ordered, disposable observer lists and a state variable, guarded by one
// mutex so registration and notification never race.
type observers struct {
	mu sync.Mutex

	state State

	messageHandlers []*handlerSlot[MessageHandler]
	errorHandlers   []*handlerSlot[ErrorHandler]
	closeHandlers   []*handlerSlot[CloseHandler]

	closed bool
	nextID uint64
}

type handlerSlot[T any] struct {
	id int
	fn T
}

func (o *observers) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *observers) getState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *observers) isConnected() bool {
	return o.getState() == Connected
}

func (o *observers) onMessage(h MessageHandler) Disposable {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.messageHandlers = append(o.messageHandlers, &handlerSlot[MessageHandler]{id: int(id), fn: h})
	o.mu.Unlock()
	return disposeFunc(func() { o.removeMessage(int(id)) })
}

func (o *observers) removeMessage(id int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, s := range o.messageHandlers {
		if s.id == id {
			o.messageHandlers = append(o.messageHandlers[:i], o.messageHandlers[i+1:]...)
			return
		}
	}
}

func (o *observers) onError(h ErrorHandler) Disposable {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.errorHandlers = append(o.errorHandlers, &handlerSlot[ErrorHandler]{id: int(id), fn: h})
	o.mu.Unlock()
	return disposeFunc(func() { o.removeError(int(id)) })
}

func (o *observers) removeError(id int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, s := range o.errorHandlers {
		if s.id == id {
			o.errorHandlers = append(o.errorHandlers[:i], o.errorHandlers[i+1:]...)
			return
		}
	}
}

func (o *observers) onClose(h CloseHandler) Disposable {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.closeHandlers = append(o.closeHandlers, &handlerSlot[CloseHandler]{id: int(id), fn: h})
	o.mu.Unlock()
	return disposeFunc(func() { o.removeClose(int(id)) })
}

func (o *observers) removeClose(id int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, s := range o.closeHandlers {
		if s.id == id {
			o.closeHandlers = append(o.closeHandlers[:i], o.closeHandlers[i+1:]...)
			return
		}
	}
}

// emitMessage delivers msg to every message observer, in registration
// order.
func (o *observers) emitMessage(msg *wire.Message) {
	o.mu.Lock()
	handlers := make([]MessageHandler, len(o.messageHandlers))
	for i, s := range o.messageHandlers {
		handlers[i] = s.fn
	}
	o.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (o *observers) emitError(err error) {
	o.mu.Lock()
	handlers := make([]ErrorHandler, len(o.errorHandlers))
	for i, s := range o.errorHandlers {
		handlers[i] = s.fn
	}
	o.mu.Unlock()

	for _, h := range handlers {
		h(err)
	}
}

// emitCloseOnce fires every close observer exactly once, guarded by
// closed, and transitions to Disconnected.
func (o *observers) emitCloseOnce() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.state = Disconnected
	handlers := make([]CloseHandler, len(o.closeHandlers))
	for i, s := range o.closeHandlers {
		handlers[i] = s.fn
	}
	o.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}

func (o *observers) alreadyClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
