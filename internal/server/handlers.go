// Package server exposes the HTTP handlers: the WebSocket upgrade endpoint,
// health and stats, and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// WebSocketHandler upgrades GET requests to WebSocket connections and hands
// the resulting client to the hub. Upgrades are refused once the configured
// connection cap is reached.
func WebSocketHandler(cfg *Config, hub *Hub, dispatcher *Dispatcher) http.HandlerFunc {
	policy := newOriginPolicy(cfg.AllowedOrigins)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     policy.check,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		if hub.ClientCount() >= cfg.MaxConnections {
			slog.Warn("connection limit reached, refusing upgrade", "limit", cfg.MaxConnections, "addr", r.RemoteAddr)
			http.Error(w, "Connection limit reached", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
			return
		}

		client := NewClient(conn, hub, dispatcher, r.RemoteAddr, cfg)
		hub.RegisterClient(client)
	}
}

// HealthHandler reports liveness as plain text.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "chatrelay is running")
}

// StatsHandler reports the current room and connection counts as JSON.
func StatsHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		rooms, clients := hub.Stats()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]int{"rooms": rooms, "clients": clients}); err != nil {
			slog.Error("error writing stats response", "error", err)
		}
	}
}

// TestPageHandler serves a small page that speaks the relay protocol:
// authenticate, join a room, send messages, and watch typing notifications.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		slog.Error("error writing test page", "error", err)
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>chatrelay test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; max-width: 720px; }
        #log { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background: #f9f9f9; }
        input { padding: 5px; margin-right: 6px; }
        button { padding: 5px 15px; background: #007cba; color: white; border: none; cursor: pointer; }
        #typing { color: gray; font-style: italic; min-height: 1.2em; }
    </style>
</head>
<body>
    <h1>chatrelay test</h1>
    <div>
        <input id="user" placeholder="user id" value="tester">
        <input id="room" placeholder="room id" value="room1">
        <button onclick="connect()">Connect</button>
    </div>
    <div id="log"></div>
    <div id="typing"></div>
    <div>
        <input id="msg" placeholder="message" size="40" disabled>
        <button id="sendBtn" onclick="send()" disabled>Send</button>
    </div>

    <script>
        let ws = null;
        const log = (line) => {
            const div = document.createElement('div');
            div.textContent = line;
            const box = document.getElementById('log');
            box.appendChild(div);
            box.scrollTop = box.scrollHeight;
        };

        function connect() {
            const user = document.getElementById('user').value;
            const room = document.getElementById('room').value;
            ws = new WebSocket('ws://' + location.host + '/ws');
            ws.onopen = () => {
                ws.send(JSON.stringify({type: 'auth', data: {user_id: user, chat_id: room}}));
            };
            ws.onmessage = (ev) => {
                const msg = JSON.parse(ev.data);
                if (msg.type === 'auth_success') {
                    log('authenticated as ' + msg.data.user_id);
                    document.getElementById('msg').disabled = false;
                    document.getElementById('sendBtn').disabled = false;
                } else if (msg.type === 'new_message') {
                    log(msg.data.user_id + ': ' + msg.data.content);
                    document.getElementById('typing').textContent = '';
                } else if (msg.type === 'user_typing') {
                    document.getElementById('typing').textContent =
                        msg.data.is_typing ? msg.data.user_id + ' is typing…' : '';
                }
            };
            ws.onclose = () => log('disconnected');
        }

        function send() {
            const input = document.getElementById('msg');
            if (!input.value || !ws) return;
            ws.send(JSON.stringify({type: 'new_message', data: {
                user_id: document.getElementById('user').value,
                chat_id: document.getElementById('room').value,
                content: input.value
            }}));
            log('you: ' + input.value);
            input.value = '';
        }

        document.getElementById('msg').addEventListener('input', () => {
            if (!ws) return;
            ws.send(JSON.stringify({type: 'typing_status', data: {
                user_id: document.getElementById('user').value,
                chat_id: document.getElementById('room').value,
                is_typing: document.getElementById('msg').value.length > 0
            }}));
        });
        document.getElementById('msg').addEventListener('keypress', (e) => {
            if (e.key === 'Enter') send();
        });
    </script>
</body>
</html>`
