package transport

import (
	"testing"
	"time"

	"github.com/gopherlsp/lsprpc/pkg/wire"
)

func TestWorkerPairRoundTrip(t *testing.T) {
	a, b := NewWorkerPair()
	go a.Start()
	go b.Start()
	defer a.Close()
	defer b.Close()

	got := make(chan *wire.Message, 1)
	b.OnMessage(func(msg *wire.Message) { got <- msg })

	if err := a.Send(mustMessage(t, "$/progress")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Method != "$/progress" {
			t.Fatalf("got method %q", msg.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestWorkerSendAfterCloseFails(t *testing.T) {
	a, b := NewWorkerPair()
	go a.Start()
	go b.Start()

	a.Close()
	time.Sleep(10 * time.Millisecond)

	if err := a.Send(mustMessage(t, "x")); err == nil {
		t.Fatal("expected error sending after close")
	}
}

func TestWorkerCloseFiresCloseHandlerOnce(t *testing.T) {
	a, b := NewWorkerPair()
	go a.Start()
	go b.Start()
	defer b.Close()

	count := 0
	a.OnClose(func() { count++ })

	a.Close()
	a.Close()
	time.Sleep(10 * time.Millisecond)

	if count != 1 {
		t.Fatalf("expected 1 close, got %d", count)
	}
}
