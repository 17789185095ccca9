// Package testhelpers provides shared utilities for the chatrelay
// integration tests: spinning up a relay server, dialing WebSocket clients,
// and exchanging protocol events with deadlines.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/internal/server"
)

// NewRelayServer starts a fully wired relay on an httptest server. The
// default configuration allows every origin; customize can override any
// setting before the routes are built.
func NewRelayServer(t *testing.T, customize func(cfg *server.Config)) *httptest.Server {
	t.Helper()

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{"*"}
	if customize != nil {
		customize(cfg)
	}

	hub := server.NewHub()
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(2 * time.Second) })

	dispatcher := server.NewDispatcher(hub, nil)
	testServer := httptest.NewServer(server.SetupRoutes(cfg, hub, dispatcher))
	t.Cleanup(testServer.Close)
	return testServer
}

// WSURL converts an httptest server URL to its WebSocket endpoint.
func WSURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// Dial opens a WebSocket connection to the relay with the given Origin
// header. An empty origin omits the header.
func Dial(t *testing.T, serverURL, origin string) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(WSURL(serverURL), header)
	if err != nil {
		t.Fatalf("Failed to dial relay: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn
}

// SendEvent writes one protocol event to the connection.
func SendEvent(t *testing.T, conn *websocket.Conn, eventType string, data map[string]any) {
	t.Helper()

	raw, err := json.Marshal(map[string]any{"type": eventType, "data": data})
	if err != nil {
		t.Fatalf("Failed to marshal %s event: %v", eventType, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("Failed to send %s event: %v", eventType, err)
	}
}

// readResult carries one ReadMessage outcome from a background reader.
type readResult struct {
	data []byte
	err  error
}

// pumps tracks one background reader goroutine per connection.
// gorilla/websocket treats every read error — including a deadline timeout —
// as permanent, so ExpectNoEvent cannot poll with SetReadDeadline without
// killing the connection for any later ReadEvent. Instead the first
// ExpectNoEvent on a connection hands all reads to a goroutine and both
// helpers consume its results; connections that never use ExpectNoEvent keep
// reading directly.
var pumps sync.Map // *websocket.Conn -> chan readResult

func pumpFor(conn *websocket.Conn) chan readResult {
	ch := make(chan readResult, 16)
	actual, loaded := pumps.LoadOrStore(conn, ch)
	if loaded {
		return actual.(chan readResult)
	}
	_ = conn.SetReadDeadline(time.Time{})
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			ch <- readResult{data: data, err: err}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

// ReadEvent blocks for the next event from the relay, failing the test if
// none arrives before the timeout.
func ReadEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) (string, map[string]any) {
	t.Helper()

	var raw []byte
	if ch, ok := pumps.Load(conn); ok {
		select {
		case res := <-ch.(chan readResult):
			if res.err != nil {
				t.Fatalf("Expected an event, got error: %v", res.err)
			}
			raw = res.data
		case <-time.After(timeout):
			t.Fatalf("Expected an event, got none within %v", timeout)
		}
	} else {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			t.Fatalf("Failed to set read deadline: %v", err)
		}
		var err error
		_, raw, err = conn.ReadMessage()
		if err != nil {
			t.Fatalf("Expected an event, got error: %v", err)
		}
	}

	var env struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("Failed to decode event %s: %v", raw, err)
	}
	return env.Type, env.Data
}

// ExpectNoEvent fails the test if anything arrives before the timeout.
func ExpectNoEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()

	select {
	case res := <-pumpFor(conn):
		if res.err == nil {
			t.Fatalf("Expected no event, received %s", res.data)
		}
		if websocket.IsCloseError(res.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return
		}
		t.Fatalf("Unexpected error while waiting for silence: %v", res.err)
	case <-time.After(timeout):
	}
}

// GetStats fetches the /stats endpoint.
func GetStats(t *testing.T, serverURL string) (rooms, clients int) {
	t.Helper()

	resp, err := http.Get(serverURL + "/stats")
	if err != nil {
		t.Fatalf("Failed to fetch stats: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var stats map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	return stats["rooms"], stats["clients"]
}
