package integration

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/internal/server"
	"chatrelay/test/testhelpers"
)

func TestHealthEndpoint(t *testing.T) {
	relay := testhelpers.NewRelayServer(t, nil)

	resp, err := http.Get(relay.URL + "/")
	if err != nil {
		t.Fatalf("Failed to fetch health endpoint: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	if !strings.Contains(string(body), "chatrelay is running") {
		t.Errorf("Unexpected health body: %s", body)
	}
}

func TestWebSocketEndpointRejectsNonGet(t *testing.T) {
	relay := testhelpers.NewRelayServer(t, nil)

	resp, err := http.Post(relay.URL+"/ws", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("Failed to POST to websocket endpoint: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status %d, got %d", http.StatusMethodNotAllowed, resp.StatusCode)
	}
}

func TestStatsEndpoint(t *testing.T) {
	relay := testhelpers.NewRelayServer(t, nil)

	rooms, clients := testhelpers.GetStats(t, relay.URL)
	if rooms != 0 || clients != 0 {
		t.Errorf("Expected empty relay, got %d rooms / %d clients", rooms, clients)
	}

	conn := testhelpers.Dial(t, relay.URL, "")
	testhelpers.SendEvent(t, conn, "join_chat", map[string]any{"chat_id": "room1"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		rooms, clients = testhelpers.GetStats(t, relay.URL)
		if rooms == 1 && clients == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected 1 room / 1 client, got %d/%d", rooms, clients)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	relay := testhelpers.NewRelayServer(t, nil)

	resp, err := http.Get(relay.URL + "/metrics")
	if err != nil {
		t.Fatalf("Failed to fetch metrics endpoint: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read metrics body: %v", err)
	}
	if !strings.Contains(string(body), "chatrelay_connections_active") {
		t.Errorf("Expected relay metrics in exposition, got: %.200s", body)
	}
}

func TestConnectionLimit(t *testing.T) {
	relay := testhelpers.NewRelayServer(t, func(cfg *server.Config) {
		cfg.MaxConnections = 1
	})

	conn := testhelpers.Dial(t, relay.URL, "")
	testhelpers.SendEvent(t, conn, "auth", map[string]any{"user_id": "u1"})
	if eventType, _ := testhelpers.ReadEvent(t, conn, 2*time.Second); eventType != "auth_success" {
		t.Fatalf("Expected auth_success on first connection, got %q", eventType)
	}

	_, resp, err := websocket.DefaultDialer.Dial(testhelpers.WSURL(relay.URL), nil)
	if err == nil {
		t.Fatal("Expected second upgrade to be refused at the connection limit")
	}
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, resp.StatusCode)
		}
	}
}
