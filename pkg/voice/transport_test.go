package voice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTestServer upgrades each connection and hands it to fn.
func wsTestServer(t *testing.T, fn func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		fn(conn, r)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testChannelConfig(endpoint string) *Config {
	cfg := NewConfig()
	cfg.Endpoint = endpoint
	return cfg
}

func TestDialSessionSendsTokenQueryParam(t *testing.T) {
	gotToken := make(chan string, 1)
	server := wsTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		gotToken <- r.URL.Query().Get("token")
		conn.ReadMessage()
	})
	defer server.Close()

	ch, err := dialSession(context.Background(), testChannelConfig(wsURL(server)), "tok-123")
	if err != nil {
		t.Fatalf("dialSession failed: %v", err)
	}
	defer ch.Close()

	select {
	case tok := <-gotToken:
		if tok != "tok-123" {
			t.Errorf("Server saw token %q, want tok-123", tok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Server never observed the handshake")
	}
}

func TestChannelDeliversEnvelopesInOrder(t *testing.T) {
	server := wsTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","data":{"status":"listening"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","data":{"status":"thinking"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","data":{"status":"speaking"}}`))
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	ch, err := dialSession(context.Background(), testChannelConfig(wsURL(server)), "")
	if err != nil {
		t.Fatalf("dialSession failed: %v", err)
	}
	defer ch.Close()

	var mu sync.Mutex
	var types []string
	done := make(chan struct{})
	ch.start(func(env *Envelope) {
		mu.Lock()
		types = append(types, env.Type)
		if len(types) == 3 {
			close(done)
		}
		mu.Unlock()
	}, nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for envelopes")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, typ := range types {
		if typ != msgStatus {
			t.Errorf("Envelope %d has type %q", i, typ)
		}
	}
}

func TestChannelSkipsMalformedEnvelope(t *testing.T) {
	server := wsTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session_started","data":{"sessionId":"s1"}}`))
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	ch, err := dialSession(context.Background(), testChannelConfig(wsURL(server)), "")
	if err != nil {
		t.Fatalf("dialSession failed: %v", err)
	}
	defer ch.Close()

	got := make(chan string, 1)
	ch.start(func(env *Envelope) {
		got <- env.Type
	}, nil)

	select {
	case typ := <-got:
		if typ != msgSessionStarted {
			t.Errorf("First delivered envelope is %q, want session_started", typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Valid envelope after garbage never arrived")
	}
}

func TestChannelCloseNotifiesNilOnce(t *testing.T) {
	server := wsTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.ReadMessage()
	})
	defer server.Close()

	ch, err := dialSession(context.Background(), testChannelConfig(wsURL(server)), "")
	if err != nil {
		t.Fatalf("dialSession failed: %v", err)
	}

	var mu sync.Mutex
	var calls []error
	ch.start(nil, func(err error) {
		mu.Lock()
		calls = append(calls, err)
		mu.Unlock()
	})

	ch.Close()
	ch.Close()
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("Close handler fired %d times, want 1", len(calls))
	}
	if calls[0] != nil {
		t.Errorf("Local close reported error %v, want nil", calls[0])
	}

	if !ch.IsClosed() {
		t.Error("Channel does not report closed")
	}
	if err := ch.Send(&Envelope{Type: msgInterrupt}); !IsErrorCode(err, ErrCodeNotConnected) {
		t.Errorf("Send after close returned %v", err)
	}
}

func TestChannelRemoteCloseNotifiesError(t *testing.T) {
	server := wsTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		// Drop the connection without a close handshake.
		conn.Close()
	})
	defer server.Close()

	ch, err := dialSession(context.Background(), testChannelConfig(wsURL(server)), "")
	if err != nil {
		t.Fatalf("dialSession failed: %v", err)
	}

	got := make(chan error, 1)
	ch.start(nil, func(err error) { got <- err })

	select {
	case err := <-got:
		if err == nil {
			t.Error("Remote drop reported nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close handler never fired")
	}
}

func TestCheckEndpointSecurity(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		wantErr  string
	}{
		{"wss anywhere", "wss://voice.example.com/ws/voice/session", ""},
		{"ws localhost", "ws://localhost:8000/ws/voice/session", ""},
		{"ws loopback v4", "ws://127.0.0.1:8000/ws/voice/session", ""},
		{"ws loopback v6", "ws://[::1]:8000/ws/voice/session", ""},
		{"ws remote host", "ws://voice.example.com/ws/voice/session", ErrCodeInsecureEndpoint},
		{"http scheme", "http://voice.example.com/session", ErrCodeConfigInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkEndpointSecurity(tt.endpoint)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("checkEndpointSecurity(%q) = %v, want nil", tt.endpoint, err)
				}
				return
			}
			if !IsErrorCode(err, tt.wantErr) {
				t.Fatalf("checkEndpointSecurity(%q) = %v, want code %s", tt.endpoint, err, tt.wantErr)
			}
		})
	}
}

func TestDialSessionRefusesInsecureEndpoint(t *testing.T) {
	_, err := dialSession(context.Background(), testChannelConfig("ws://voice.example.com/ws/voice/session"), "")
	if !IsErrorCode(err, ErrCodeInsecureEndpoint) {
		t.Fatalf("Got %v, want %s", err, ErrCodeInsecureEndpoint)
	}
}
