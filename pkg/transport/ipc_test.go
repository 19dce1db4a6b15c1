package transport

import (
	"net"
	"testing"
	"time"

	"github.com/gopherlsp/lsprpc/pkg/wire"
)

func TestIPCRoundTripOverPipe(t *testing.T) {
	a, b := net.Pipe()

	ipcA := NewIPC(a)
	ipcB := NewIPC(b)
	go ipcA.Start()
	go ipcB.Start()
	defer ipcA.Close()
	defer ipcB.Close()

	got := make(chan *wire.Message, 1)
	ipcB.OnMessage(func(msg *wire.Message) { got <- msg })

	if err := ipcA.Send(mustMessage(t, "initialize")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Method != "initialize" {
			t.Fatalf("got method %q", msg.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestIPCCloseClosesUnderlyingStream(t *testing.T) {
	a, b := net.Pipe()
	ipcA := NewIPC(a)
	go ipcA.Start()

	closed := make(chan struct{})
	ipcA.OnClose(func() { close(closed) })

	if err := ipcA.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close handler not invoked")
	}

	if _, err := b.Write([]byte("x")); err == nil {
		t.Fatal("expected write on peer to fail after close")
	}
}
