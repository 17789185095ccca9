package server

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(t *testing.T, eventType string, data map[string]any) []byte {
	t.Helper()
	rawData, err := json.Marshal(data)
	require.NoError(t, err)
	raw, err := json.Marshal(Envelope{Type: eventType, Data: rawData})
	require.NoError(t, err)
	return raw
}

// receiveEvent pops the next delivery from a client's send buffer.
func receiveEvent(t *testing.T, c *Client) (string, map[string]any) {
	t.Helper()
	select {
	case raw := <-c.send:
		var env Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		var data map[string]any
		require.NoError(t, json.Unmarshal(env.Data, &data))
		return env.Type, data
	case <-time.After(time.Second):
		t.Fatal("expected a delivery, got none")
		return "", nil
	}
}

func expectNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("expected no delivery, got %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAuthAcknowledgesSenderOnly(t *testing.T) {
	h := newTestHub(t)
	d := NewDispatcher(h, nil)
	x := addClient(t, h, d)
	y := addClient(t, h, d)

	d.Dispatch(x, event(t, EventAuth, map[string]any{"user_id": "u1"}))

	eventType, data := receiveEvent(t, x)
	assert.Equal(t, EventAuthSuccess, eventType)
	assert.Equal(t, "u1", data["user_id"])
	expectNoEvent(t, y)
}

func TestAuthWithRoomJoins(t *testing.T) {
	h := newTestHub(t)
	d := NewDispatcher(h, nil)
	c := addClient(t, h, d)

	d.Dispatch(c, event(t, EventAuth, map[string]any{"user_id": "u1", "chat_id": "room1"}))

	eventType, data := receiveEvent(t, c)
	assert.Equal(t, EventAuthSuccess, eventType)
	assert.Equal(t, "room1", data["chat_id"])
	assert.True(t, c.session.inRoom("room1"))
	checkInvariants(t, h)
}

// Scenario: two authenticated clients share a room; a message from one
// reaches the other and never echoes back.
func TestMessageRelayExcludesSender(t *testing.T) {
	h := newTestHub(t)
	d := NewDispatcher(h, nil)
	x := addClient(t, h, d)
	y := addClient(t, h, d)

	d.Dispatch(x, event(t, EventAuth, map[string]any{"user_id": "u1"}))
	receiveEvent(t, x)
	d.Dispatch(x, event(t, EventJoinChat, map[string]any{"chat_id": "room1"}))
	d.Dispatch(y, event(t, EventAuth, map[string]any{"user_id": "u2"}))
	receiveEvent(t, y)
	d.Dispatch(y, event(t, EventJoinChat, map[string]any{"chat_id": "room1"}))

	d.Dispatch(x, event(t, EventNewMessage, map[string]any{"chat_id": "room1", "content": "hi"}))

	eventType, data := receiveEvent(t, y)
	assert.Equal(t, EventNewMessage, eventType)
	assert.Equal(t, "hi", data["content"])
	assert.Equal(t, "room1", data["chat_id"])
	expectNoEvent(t, x)
	checkInvariants(t, h)
}

// Scenario: after the only peer leaves, a message into the room reaches no
// one, and the room survives only because the sender is still a member.
func TestMessageAfterPeerLeft(t *testing.T) {
	h := newTestHub(t)
	d := NewDispatcher(h, nil)
	x := addClient(t, h, d)
	y := addClient(t, h, d)

	d.Dispatch(x, event(t, EventJoinChat, map[string]any{"chat_id": "room1"}))
	d.Dispatch(y, event(t, EventJoinChat, map[string]any{"chat_id": "room1"}))
	d.Dispatch(y, event(t, EventLeaveChat, map[string]any{"chat_id": "room1"}))

	d.Dispatch(x, event(t, EventNewMessage, map[string]any{"chat_id": "room1", "content": "hello?"}))

	expectNoEvent(t, x)
	expectNoEvent(t, y)
	require.True(t, roomExists(h, "room1"))
	assert.Equal(t, 1, roomMembers(h, "room1"))
	checkInvariants(t, h)
}

// Scenario: sending into a nonexistent room implicitly joins the sender;
// a later joiner's messages then reach the first.
func TestImplicitJoinOnNewMessage(t *testing.T) {
	h := newTestHub(t)
	d := NewDispatcher(h, nil)
	first := addClient(t, h, d)
	second := addClient(t, h, d)

	d.Dispatch(first, event(t, EventNewMessage, map[string]any{"chat_id": "roomX", "content": "first"}))

	require.True(t, roomExists(h, "roomX"))
	assert.Equal(t, 1, roomMembers(h, "roomX"))
	assert.True(t, first.session.inRoom("roomX"))
	expectNoEvent(t, first)

	d.Dispatch(second, event(t, EventJoinChat, map[string]any{"chat_id": "roomX"}))
	d.Dispatch(second, event(t, EventNewMessage, map[string]any{"chat_id": "roomX", "content": "second"}))

	eventType, data := receiveEvent(t, first)
	assert.Equal(t, EventNewMessage, eventType)
	assert.Equal(t, "second", data["content"])
	checkInvariants(t, h)
}

func TestTypingStatusRelaysAsUserTyping(t *testing.T) {
	h := newTestHub(t)
	d := NewDispatcher(h, nil)
	x := addClient(t, h, d)
	y := addClient(t, h, d)

	d.Dispatch(x, event(t, EventJoinChat, map[string]any{"chat_id": "room1"}))
	d.Dispatch(y, event(t, EventJoinChat, map[string]any{"chat_id": "room1"}))

	d.Dispatch(x, event(t, EventTypingStatus, map[string]any{"chat_id": "room1", "is_typing": true, "user_id": "u1"}))

	eventType, data := receiveEvent(t, y)
	assert.Equal(t, EventUserTyping, eventType)
	assert.Equal(t, true, data["is_typing"])
	assert.Equal(t, "u1", data["user_id"], "original payload fields are preserved")
	expectNoEvent(t, x)
}

func TestRelayFallsBackToActiveRoom(t *testing.T) {
	h := newTestHub(t)
	d := NewDispatcher(h, nil)
	x := addClient(t, h, d)
	y := addClient(t, h, d)

	d.Dispatch(x, event(t, EventJoinChat, map[string]any{"chat_id": "room1"}))
	d.Dispatch(y, event(t, EventJoinChat, map[string]any{"chat_id": "room1"}))

	d.Dispatch(x, event(t, EventNewMessage, map[string]any{"content": "no chat_id here"}))

	eventType, data := receiveEvent(t, y)
	assert.Equal(t, EventNewMessage, eventType)
	assert.Equal(t, "room1", data["chat_id"], "chat_id is normalized to the resolved room")
}

func TestRelayWithoutResolvableRoomIsDropped(t *testing.T) {
	h := newTestHub(t)
	d := NewDispatcher(h, nil)
	c := addClient(t, h, d)

	d.Dispatch(c, event(t, EventNewMessage, map[string]any{"content": "lost"}))

	expectNoEvent(t, c)
	rooms, _ := h.Stats()
	assert.Zero(t, rooms)
}

// Scenario: a malformed frame is discarded without closing the connection
// or touching any state; the next well-formed event still works.
func TestMalformedEventIsContained(t *testing.T) {
	h := newTestHub(t)
	d := NewDispatcher(h, nil)
	x := addClient(t, h, d)
	y := addClient(t, h, d)

	d.Dispatch(x, event(t, EventJoinChat, map[string]any{"chat_id": "room1"}))
	d.Dispatch(y, event(t, EventJoinChat, map[string]any{"chat_id": "room1"}))

	for _, raw := range [][]byte{
		[]byte("{this is not json"),
		[]byte(`{"data": {"chat_id": "room1"}}`),
		event(t, EventNewMessage, map[string]any{"chat_id": "room1"}),
		event(t, EventAuth, map[string]any{"chat_id": "room1"}),
		event(t, EventJoinChat, map[string]any{}),
		event(t, EventTypingStatus, map[string]any{"chat_id": "room1"}),
	} {
		d.Dispatch(x, raw)
	}

	expectNoEvent(t, y)
	checkInvariants(t, h)

	d.Dispatch(x, event(t, EventNewMessage, map[string]any{"chat_id": "room1", "content": "still here"}))
	eventType, data := receiveEvent(t, y)
	assert.Equal(t, EventNewMessage, eventType)
	assert.Equal(t, "still here", data["content"])
}

func TestUnknownEventTypeIsIgnored(t *testing.T) {
	h := newTestHub(t)
	d := NewDispatcher(h, nil)
	c := addClient(t, h, d)

	d.Dispatch(c, event(t, "presence_ping", map[string]any{"chat_id": "room1"}))

	expectNoEvent(t, c)
	rooms, _ := h.Stats()
	assert.Zero(t, rooms)
}

func TestConcurrentJoinsLeavesAndBroadcasts(t *testing.T) {
	h := newTestHub(t)
	d := NewDispatcher(h, nil)

	clients := make([]*Client, 8)
	for i := range clients {
		clients[i] = addClient(t, h, d)
	}

	events := make([][3][]byte, len(clients))
	for i := range clients {
		roomID := fmt.Sprintf("room%d", i%2)
		events[i] = [3][]byte{
			event(t, EventJoinChat, map[string]any{"chat_id": roomID}),
			event(t, EventNewMessage, map[string]any{"chat_id": roomID, "content": "x"}),
			event(t, EventLeaveChat, map[string]any{"chat_id": roomID}),
		}
	}

	done := make(chan struct{})
	for i, c := range clients {
		go func(i int, c *Client) {
			defer func() { done <- struct{}{} }()
			for n := 0; n < 50; n++ {
				d.Dispatch(c, events[i][0])
				d.Dispatch(c, events[i][1])
				d.Dispatch(c, events[i][2])
			}
		}(i, c)
	}
	for range clients {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("concurrent workload deadlocked")
		}
	}

	for _, c := range clients {
		for len(c.send) > 0 {
			<-c.send
		}
	}
	checkInvariants(t, h)
}
