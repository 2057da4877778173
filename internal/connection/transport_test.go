package connection

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testTransportConfig(url string) TransportConfig {
	cfg := DefaultTransportConfig()
	cfg.URL = url
	cfg.BufferSize = 64
	return cfg
}

func TestTransport_ConnectAndClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	tr := NewWebsocketTransport(testTransportConfig(wsURL(server)), nil)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !tr.IsConnected() {
		t.Error("IsConnected = false after Connect")
	}

	if err := tr.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if tr.IsConnected() {
		t.Error("IsConnected = true after Close")
	}

	// Close is idempotent.
	if err := tr.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestTransport_ConnectAfterClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {})
	defer server.Close()

	tr := NewWebsocketTransport(testTransportConfig(wsURL(server)), nil)
	tr.Close()

	if err := tr.Connect(context.Background()); err != ErrAlreadyClosed {
		t.Errorf("Connect after Close = %v, want ErrAlreadyClosed", err)
	}
}

func TestTransport_SendReachesServer(t *testing.T) {
	var mu sync.Mutex
	var received []byte

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			received = msg
			mu.Unlock()
		}
	})
	defer server.Close()

	tr := NewWebsocketTransport(testTransportConfig(wsURL(server)), nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Close()

	want := []byte(`{"type":"publish","channel":"room-1"}`)
	if err := tr.Send(want); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		got := string(received)
		mu.Unlock()
		if got == string(want) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server received %q, want %q", got, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTransport_SendWhileDisconnected(t *testing.T) {
	tr := NewWebsocketTransport(testTransportConfig("ws://127.0.0.1:1"), nil)

	if err := tr.Send([]byte("x")); err != ErrNotConnected {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestTransport_InboundMessagesDelivered(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"event"}`))
		// Hold the connection open.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	tr := NewWebsocketTransport(testTransportConfig(wsURL(server)), nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Close()

	select {
	case msg := <-tr.Messages():
		if string(msg.Data) != `{"type":"event"}` {
			t.Errorf("received %q", msg.Data)
		}
		if msg.ReceivedAt.IsZero() {
			t.Error("ReceivedAt not set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestTransport_ReadLimitKillsSession(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, bytes.Repeat([]byte("x"), 4096))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cfg := testTransportConfig(wsURL(server))
	cfg.MaxMessageSize = 1024
	tr := NewWebsocketTransport(cfg, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Close()

	select {
	case err := <-tr.Errors():
		if !errors.Is(err, websocket.ErrReadLimit) {
			t.Errorf("Errors() = %v, want ErrReadLimit", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error after oversized message")
	}
}

func TestTransport_CleanRemoteClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.ReadMessage()
	})
	defer server.Close()

	tr := NewWebsocketTransport(testTransportConfig(wsURL(server)), nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Close()

	select {
	case err := <-tr.Errors():
		if !errors.Is(err, ErrRemoteClosed) {
			t.Errorf("Errors() = %v, want ErrRemoteClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error after remote close")
	}
}

func TestTransport_ErrorOnServerClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		// Drop the connection immediately.
	})
	defer server.Close()

	tr := NewWebsocketTransport(testTransportConfig(wsURL(server)), nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Close()

	select {
	case err := <-tr.Errors():
		if err == nil {
			t.Error("nil error from Errors channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error after server closed connection")
	}

	if tr.IsConnected() {
		t.Error("IsConnected = true after connection loss")
	}
}
