package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// drain keeps a server-side connection open until the peer goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:          url,
		PingInterval: time.Second,
		PingTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   100,
	}
}

func TestClient_Connect(t *testing.T) {
	server := mockWSServer(t, drain)
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !client.IsConnected() {
		t.Error("expected IsConnected to return true")
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if client.IsConnected() {
		t.Error("expected IsConnected to return false after Close")
	}
}

func TestClient_ConnectRefused(t *testing.T) {
	server := mockWSServer(t, drain)
	url := wsURL(server)
	server.Close()

	client := NewClient(testClientConfig(url), nil)
	if err := client.Connect(context.Background()); err == nil {
		client.Close()
		t.Fatal("expected Connect to fail against a closed server")
	}
}

func TestClient_Messages(t *testing.T) {
	testMessages := []string{
		`{"e":"depthUpdate","U":1,"u":1}`,
		`{"e":"depthUpdate","U":2,"u":2}`,
		`{"e":"depthUpdate","U":3,"u":3}`,
	}

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for _, msg := range testMessages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
			return
		}
		drain(conn)
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	timeout := time.After(time.Second)
	for i := 0; i <= len(testMessages); i++ {
		select {
		case msg := <-client.Messages():
			if msg.ReceivedAt.IsZero() {
				t.Error("ReceivedAt should not be zero")
			}
			if i < len(testMessages) {
				if string(msg.Data) != testMessages[i] {
					t.Errorf("message %d: got %q, want %q", i, msg.Data, testMessages[i])
				}
				if msg.Binary {
					t.Errorf("message %d: text frame reported as binary", i)
				}
			} else if !msg.Binary {
				t.Error("binary frame not flagged as binary")
			}
		case <-timeout:
			t.Fatalf("timeout waiting for message %d", i)
		}
	}
}

func TestClient_ErrorOnServerClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	select {
	case err := <-client.Errors():
		if err == nil {
			t.Error("expected non-nil error")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for connection error")
	}

	if client.IsConnected() {
		t.Error("expected IsConnected to be false after server close")
	}
}

func TestClient_DoubleClose(t *testing.T) {
	server := mockWSServer(t, drain)
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if err := client.Connect(context.Background()); err != ErrAlreadyClosed {
		t.Errorf("Connect after Close = %v, want ErrAlreadyClosed", err)
	}
}

func TestClient_PingHandler(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		if err := conn.WriteControl(websocket.PingMessage, []byte("heartbeat"), time.Now().Add(time.Second)); err != nil {
			t.Logf("ping error: %v", err)
			return
		}
		drain(conn)
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	time.Sleep(200 * time.Millisecond)

	if !client.IsConnected() {
		t.Error("expected client to be connected after ping")
	}
}

func TestDefaultConfigs(t *testing.T) {
	clientCfg := DefaultClientConfig()
	if clientCfg.PingTimeout != 90*time.Second {
		t.Errorf("PingTimeout = %v, want 90s", clientCfg.PingTimeout)
	}
	if clientCfg.MaxLifetime >= 24*time.Hour || clientCfg.MaxLifetime <= 0 {
		t.Errorf("MaxLifetime = %v, want under 24h", clientCfg.MaxLifetime)
	}
	if clientCfg.BufferSize != 10000 {
		t.Errorf("BufferSize = %d, want 10000", clientCfg.BufferSize)
	}

	tc := DefaultTransportConfig()
	if tc.BaseDelay != time.Second || tc.MaxDelay != time.Minute {
		t.Errorf("delays = %v/%v, want 1s/1m", tc.BaseDelay, tc.MaxDelay)
	}
	if tc.MaxRetries != 10 {
		t.Errorf("MaxRetries = %d, want 10", tc.MaxRetries)
	}
}

func waitClientError(t *testing.T, client Client, within time.Duration) error {
	t.Helper()
	select {
	case err := <-client.Errors():
		return err
	case <-time.After(within):
		t.Fatal("timed out waiting for client error")
		return nil
	}
}

func TestClient_PongEchoesPayload(t *testing.T) {
	got := make(chan string, 1)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.SetPongHandler(func(data string) error {
			got <- data
			return nil
		})
		conn.WriteControl(websocket.PingMessage, []byte("1700000000000"), time.Now().Add(time.Second))
		drain(conn)
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	select {
	case data := <-got:
		if data != "1700000000000" {
			t.Errorf("pong payload = %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestClient_Stale(t *testing.T) {
	stop := make(chan struct{})
	server := mockWSServer(t, func(conn *websocket.Conn) {
		// Never reading means pings go unanswered.
		<-stop
	})
	defer server.Close()
	defer close(stop)

	cfg := testClientConfig(wsURL(server))
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PingTimeout = 60 * time.Millisecond

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	if err := waitClientError(t, client, 2*time.Second); !errors.Is(err, ErrStaleConnection) {
		t.Errorf("err = %v, want ErrStaleConnection", err)
	}
	if client.IsConnected() {
		t.Error("stale client still reports connected")
	}
}

func TestClient_MaxLifetime(t *testing.T) {
	server := mockWSServer(t, drain)
	defer server.Close()

	cfg := testClientConfig(wsURL(server))
	cfg.MaxLifetime = 50 * time.Millisecond

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	if err := waitClientError(t, client, 2*time.Second); !errors.Is(err, ErrLifetimeExpired) {
		t.Errorf("err = %v, want ErrLifetimeExpired", err)
	}
}

func TestClient_Overflow(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for i := 0; i < 5; i++ {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"depthUpdate"}`))
		}
		drain(conn)
	})
	defer server.Close()

	cfg := testClientConfig(wsURL(server))
	cfg.BufferSize = 1

	var dropped atomic.Int32
	client := NewClient(cfg, nil, WithOverflowHandler(func() { dropped.Add(1) }))
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for dropped.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := dropped.Load(); got != 4 {
		t.Errorf("dropped = %d, want 4", got)
	}
	if n := len(client.Messages()); n != 1 {
		t.Errorf("buffered = %d, want 1", n)
	}
}

func TestClient_ReadLimit(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, make([]byte, 2048))
		drain(conn)
	})
	defer server.Close()

	cfg := testClientConfig(wsURL(server))
	cfg.ReadLimit = 1024

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	if err := waitClientError(t, client, 2*time.Second); !errors.Is(err, websocket.ErrReadLimit) {
		t.Errorf("err = %v, want ErrReadLimit", err)
	}
}
