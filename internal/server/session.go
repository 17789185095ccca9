// Package server tracks per-connection session state: the client-supplied
// user identifier and the set of rooms the connection belongs to.
package server

// Session is the mutable per-connection state created when a connection is
// accepted and discarded when it closes. All fields are guarded by the hub's
// lock; nothing outside the hub retains a Session past its connection.
type Session struct {
	userID string
	rooms  map[string]struct{}
	// lastRoom remembers the most recently joined room so events without an
	// explicit chat_id can still be routed.
	lastRoom string
}

func newSession() *Session {
	return &Session{rooms: make(map[string]struct{})}
}

func (s *Session) inRoom(roomID string) bool {
	_, ok := s.rooms[roomID]
	return ok
}

func (s *Session) roomCount() int {
	return len(s.rooms)
}
