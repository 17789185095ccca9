// Package server coordinates the connection registry and room directory for
// the relay via the Hub type: which connections exist, which rooms they
// belong to, and the fan-out of events to room members.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/metrics"
)

// Hub owns the two pieces of shared mutable state in the relay: the set of
// live connections and the directory mapping room ids to member sets. Every
// membership mutation and every broadcast membership read happens under one
// lock, so a fan-out always observes a settled view of a room.
//
// Two invariants hold after every operation: a room id appears in a client's
// session exactly when the client appears in that room's member set, and no
// room in the directory is ever empty.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a Hub ready to accept connections. Run must be started in
// its own goroutine before clients are registered.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Run processes connection lifecycle events until Shutdown cancels the hub.
// Registration starts the client's pumps; unregistration performs the full
// cross-room cleanup for the departing connection.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			if client == nil {
				slog.Warn("nil client registration skipped")
				continue
			}

			h.mu.Lock()
			client.closed = false
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()

			metrics.ActiveConnections.Inc()
			metrics.TotalConnections.Inc()
			slog.Info("client connected", "clientId", client.id, "addr", client.addr, "clients", total)

			// Pumps only run for clients backed by a real transport;
			// registry bookkeeping works either way.
			if client.conn != nil {
				h.wg.Add(2)
				go func() {
					defer h.wg.Done()
					client.writePump()
				}()
				go func() {
					defer h.wg.Done()
					client.readPump()
				}()
			}

		case client := <-h.unregister:
			h.disconnect(client)
		}
	}
}

// disconnect removes the connection from every room it joined, deletes rooms
// left empty, and discards the session. The whole cleanup runs inside one
// critical section so no broadcast can observe stale membership.
func (h *Hub) disconnect(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}

	for roomID := range c.session.rooms {
		h.removeMemberLocked(roomID, c)
	}
	delete(h.clients, c)
	c.closed = true
	c.session = newSession()
	total := len(h.clients)
	h.mu.Unlock()

	close(c.send)
	metrics.ActiveConnections.Dec()
	slog.Info("client disconnected", "clientId", c.id, "addr", c.addr, "clients", total)
}

// removeMemberLocked drops c from a room's member set and deletes the room
// when its last member leaves. Caller holds h.mu.
func (h *Hub) removeMemberLocked(roomID string, c *Client) {
	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, roomID)
		metrics.ActiveRooms.Dec()
		slog.Debug("room removed", "room", roomID)
	}
}

// Join adds the connection to a room, creating the room on first use, and
// records the membership in the session. Re-joining is a no-op.
func (h *Hub) Join(roomID string, c *Client) {
	if roomID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}

	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[roomID] = members
		metrics.ActiveRooms.Inc()
		slog.Debug("room created", "room", roomID)
	}
	members[c] = struct{}{}
	c.session.rooms[roomID] = struct{}{}
	c.session.lastRoom = roomID
	slog.Info("client joined room", "clientId", c.id, "userId", c.session.userID, "room", roomID, "members", len(members))
}

// Leave removes the connection from a room and the room from the session,
// deleting the room if it empties. Leaving a room the connection is not in,
// or one that does not exist, is a no-op.
func (h *Hub) Leave(roomID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeMemberLocked(roomID, c)
	delete(c.session.rooms, roomID)
	if c.session.lastRoom == roomID {
		c.session.lastRoom = ""
	}
	slog.Info("client left room", "clientId", c.id, "userId", c.session.userID, "room", roomID)
}

// Authenticate records the client-supplied user id on the session. Repeated
// authentication overwrites the id and leaves room memberships untouched.
func (h *Hub) Authenticate(c *Client, userID string) {
	h.mu.Lock()
	c.session.userID = userID
	h.mu.Unlock()
	slog.Info("client authenticated", "clientId", c.id, "userId", userID)
}

// EnsureRoom joins the connection to roomID if the room is absent from the
// directory, so messages sent into a fresh room id are never dropped even
// when join_chat was skipped or raced.
func (h *Hub) EnsureRoom(roomID string, c *Client) {
	h.mu.RLock()
	_, exists := h.rooms[roomID]
	h.mu.RUnlock()

	if !exists {
		h.Join(roomID, c)
	}
}

// ResolveRoom picks the target room for an event: an explicit id wins,
// otherwise the connection's active room. The second return is false when no
// room can be resolved.
func (h *Hub) ResolveRoom(c *Client, explicit string) (string, bool) {
	if explicit != "" {
		return explicit, true
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if last := c.session.lastRoom; last != "" && c.session.inRoom(last) {
		return last, true
	}
	if c.session.roomCount() == 1 {
		for roomID := range c.session.rooms {
			return roomID, true
		}
	}
	return "", false
}

// MembersExcluding returns the room's current members minus the given
// connection. An unknown room yields an empty slice; a room with no other
// participants is not an error.
func (h *Hub) MembersExcluding(roomID string, exclude *Client) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.rooms[roomID]
	peers := make([]*Client, 0, len(members))
	for member := range members {
		if member != exclude {
			peers = append(peers, member)
		}
	}
	return peers
}

// BroadcastToRoom delivers payload to every open member of the room except
// the sender and reports how many peers received it. The member set is read
// and pushed under the write lock so concurrent joins and leaves cannot
// produce a partially-updated fan-out, and broadcasts to one room keep the
// order the dispatcher processed them in. A peer with a full send buffer is
// treated like a closed peer: logged, counted, skipped.
func (h *Hub) BroadcastToRoom(roomID string, sender *Client, payload []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for member := range h.rooms[roomID] {
		if member == sender || member.closed {
			continue
		}
		select {
		case member.send <- payload:
			delivered++
		default:
			metrics.EventsDropped.WithLabelValues(metrics.ReasonSlowPeer).Inc()
			slog.Warn("peer send buffer full, skipping delivery", "clientId", member.id, "room", roomID)
		}
	}
	return delivered
}

// DeliverToRoom pushes a payload that originated on another relay instance
// to every open local member of the room. No exclusion applies: the sender
// is not connected here.
func (h *Hub) DeliverToRoom(roomID string, payload []byte) int {
	return h.BroadcastToRoom(roomID, nil, payload)
}

// Send queues a payload for a single connection, typically an acknowledgment
// addressed to the sender alone. Returns false if the connection is gone or
// its buffer is full.
func (h *Hub) Send(c *Client, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.clients[c]; !ok || c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Stats reports the current number of rooms and connections.
func (h *Hub) Stats() (rooms, clients int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms), len(h.clients)
}

// ClientCount reports the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RegisterClient hands a new connection to the hub's lifecycle loop.
func (h *Hub) RegisterClient(c *Client) {
	h.register <- c
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				slog.Error("error closing client connection", "clientId", client.id, "error", err)
			}
		}
	}
	slog.Info("closed client connections", "count", len(clients))
}

// Shutdown stops the lifecycle loop, closes every connection, and waits for
// the pump goroutines to finish or the timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	slog.Info("hub shutting down")
	h.cancel()
	<-h.done

	drained := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		slog.Info("hub shutdown complete")
		return nil
	case <-time.After(timeout):
		slog.Warn("hub shutdown timed out")
		return context.DeadlineExceeded
	}
}
