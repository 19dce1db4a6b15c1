package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gopherlsp/lsprpc/pkg/wire"
)

func TestWebSocketRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	accepted := make(chan *WebSocket, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		ws := NewWebSocket(conn)
		accepted <- ws
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := DialWebSocket(url, DefaultReconnectPolicy, nil)
	if err := client.Start(); err != nil {
		t.Fatalf("client start: %v", err)
	}
	defer client.Close()

	var serverSide *WebSocket
	select {
	case serverSide = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted connection")
	}
	go serverSide.Start()
	defer serverSide.Close()

	got := make(chan *wire.Message, 1)
	serverSide.OnMessage(func(msg *wire.Message) { got <- msg })

	if err := client.Send(mustMessage(t, "initialize")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Method != "initialize" {
			t.Fatalf("got method %q", msg.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestWebSocketSendBeforeConnectFails(t *testing.T) {
	client := DialWebSocket("ws://127.0.0.1:1/nope", DefaultReconnectPolicy, nil)
	if err := client.Send(mustMessage(t, "x")); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
