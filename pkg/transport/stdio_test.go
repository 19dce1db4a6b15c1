package transport

import (
	"bytes"
	"testing"
	"time"

	"github.com/gopherlsp/lsprpc/pkg/wire"
)

func mustMessage(t *testing.T, method string) *wire.Message {
	t.Helper()
	msg, err := wire.NewNotification(method, nil)
	if err != nil {
		t.Fatalf("new notification: %v", err)
	}
	return msg
}

func TestStdioDeliversFramedMessages(t *testing.T) {
	var in bytes.Buffer
	w := wire.NewWriter(&in)
	if err := w.Write(mustMessage(t, "textDocument/didOpen")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out bytes.Buffer
	s := NewStdio(&in, &out)

	got := make(chan *wire.Message, 1)
	s.OnMessage(func(msg *wire.Message) { got <- msg })

	go s.Start()

	select {
	case msg := <-got:
		if msg.Method != "textDocument/didOpen" {
			t.Fatalf("got method %q", msg.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestStdioSendWritesFrame(t *testing.T) {
	in := bytes.NewBufferString("")
	var out bytes.Buffer
	s := NewStdio(in, &out)
	s.setState(Connected)

	if err := s.Send(mustMessage(t, "initialized")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !bytes.Contains(out.Bytes(), []byte("initialized")) {
		t.Fatalf("expected output to contain method name, got %q", out.String())
	}
}

func TestStdioSendBeforeConnectFails(t *testing.T) {
	s := NewStdio(bytes.NewBufferString(""), &bytes.Buffer{})
	if err := s.Send(mustMessage(t, "x")); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestStdioCloseDoesNotCloseUnderlyingStreams(t *testing.T) {
	in := bytes.NewBufferString("")
	out := &bytes.Buffer{}
	s := NewStdio(in, out)

	closed := make(chan struct{})
	s.OnClose(func() { close(closed) })

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close handler not invoked")
	}

	if s.IsConnected() {
		t.Fatal("expected disconnected after close")
	}
}

func TestStdioCloseIsIdempotent(t *testing.T) {
	s := NewStdio(bytes.NewBufferString(""), &bytes.Buffer{})
	count := 0
	s.OnClose(func() { count++ })

	s.Close()
	s.Close()

	if count != 1 {
		t.Fatalf("expected close handler fired once, got %d", count)
	}
}
