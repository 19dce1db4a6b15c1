package transport

import (
	"io"

	"github.com/gopherlsp/lsprpc/pkg/wire"
)

// IPC adapts an io.ReadWriteCloser (a unix socket, a named pipe, a
// spawned child process's stdio pair) to Transport. Framing is identical
// to every other transport — IPC differs from Stdio only in that Close
// actually closes the underlying stream, since it isn't shared with
// anything else.
type IPC struct {
	observers

	rwc    io.ReadWriteCloser
	writer *wire.Writer
}

// NewIPC returns an IPC transport over rwc. Call Start to begin the read
// loop.
func NewIPC(rwc io.ReadWriteCloser) *IPC {
	return &IPC{rwc: rwc, writer: wire.NewWriter(rwc)}
}

// Start begins reading framed messages from the underlying stream. It
// returns once the stream ends or Close is called.
func (i *IPC) Start() {
	i.setState(Connected)
	err := wire.ReadFrom(i.rwc, func(msg *wire.Message) error {
		i.emitMessage(msg)
		return nil
	}, i.emitError)
	if err != nil {
		i.emitError(err)
	}
	i.emitCloseOnce()
}

// Send writes message to the underlying stream.
func (i *IPC) Send(message *wire.Message) error {
	if !i.isConnected() {
		return ErrNotConnected
	}
	return i.writer.Write(message)
}

// Close closes the underlying stream.
func (i *IPC) Close() error {
	err := i.rwc.Close()
	i.emitCloseOnce()
	return err
}

func (i *IPC) OnMessage(h MessageHandler) Disposable { return i.onMessage(h) }
func (i *IPC) OnError(h ErrorHandler) Disposable      { return i.onError(h) }
func (i *IPC) OnClose(h CloseHandler) Disposable      { return i.onClose(h) }
func (i *IPC) IsConnected() bool                      { return i.isConnected() }

var _ Transport = (*IPC)(nil)
