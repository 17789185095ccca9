// Package server routes decoded inbound events to the hub. The Dispatcher
// is the protocol state machine: it applies each event kind's contract and
// contains any failure to the single event that caused it.
package server

import (
	"context"
	"log/slog"
	"time"

	"chatrelay/internal/metrics"
)

const busPublishTimeout = 5 * time.Second

// Dispatcher decodes inbound envelopes and performs the per-event action
// against the hub. A nil bus disables cross-instance forwarding.
type Dispatcher struct {
	hub *Hub
	bus *RoomBus
}

// NewDispatcher wires the dispatcher to its hub and an optional room bridge.
func NewDispatcher(hub *Hub, bus *RoomBus) *Dispatcher {
	return &Dispatcher{hub: hub, bus: bus}
}

// Dispatch handles one inbound frame. Malformed frames are dropped and
// logged; the connection always stays usable for the next frame.
func (d *Dispatcher) Dispatch(c *Client, raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		d.dropEvent(c, "", err)
		return
	}

	switch env.Type {
	case EventAuth:
		d.handleAuth(c, env)
	case EventJoinChat:
		d.handleJoin(c, env)
	case EventLeaveChat:
		d.handleLeave(c, env)
	case EventNewMessage:
		d.handleRelay(c, env, EventNewMessage)
	case EventTypingStatus:
		d.handleRelay(c, env, EventUserTyping)
	default:
		metrics.EventsDropped.WithLabelValues(metrics.ReasonUnknownType).Inc()
		slog.Warn("unrecognized event type", "clientId", c.id, "type", env.Type)
	}
}

// handleAuth records the user id, optionally joins a room supplied alongside
// it, and acknowledges to the sender only. Re-authentication overwrites the
// id without touching memberships.
func (d *Dispatcher) handleAuth(c *Client, env Envelope) {
	payload, err := decodeAuth(env.Data)
	if err != nil {
		d.dropEvent(c, env.Type, err)
		return
	}

	d.hub.Authenticate(c, payload.UserID)
	if payload.ChatID != "" {
		d.hub.Join(payload.ChatID, c)
	}

	ack, err := encodeAuthSuccess(payload.UserID, payload.ChatID)
	if err != nil {
		slog.Error("encoding auth acknowledgment", "clientId", c.id, "error", err)
		return
	}
	if !d.hub.Send(c, ack) {
		slog.Warn("auth acknowledgment not delivered", "clientId", c.id, "userId", payload.UserID)
	}
	metrics.EventsRelayed.WithLabelValues(EventAuthSuccess).Inc()
}

func (d *Dispatcher) handleJoin(c *Client, env Envelope) {
	payload, err := decodeRoom(env.Data)
	if err != nil {
		d.dropEvent(c, env.Type, err)
		return
	}
	d.hub.Join(payload.ChatID, c)
}

func (d *Dispatcher) handleLeave(c *Client, env Envelope) {
	payload, err := decodeRoom(env.Data)
	if err != nil {
		d.dropEvent(c, env.Type, err)
		return
	}
	d.hub.Leave(payload.ChatID, c)
}

// handleRelay covers new_message and typing_status: resolve the target room,
// implicitly join the sender when the room does not exist yet, and fan the
// event out to every other open member.
func (d *Dispatcher) handleRelay(c *Client, env Envelope, outType string) {
	chatID, err := d.relayTarget(env)
	if err != nil {
		d.dropEvent(c, env.Type, err)
		return
	}

	roomID, ok := d.hub.ResolveRoom(c, chatID)
	if !ok {
		metrics.EventsDropped.WithLabelValues(metrics.ReasonUnresolvedRoom).Inc()
		slog.Warn("no target room for event", "clientId", c.id, "type", env.Type)
		return
	}

	d.hub.EnsureRoom(roomID, c)

	payload, err := encodeOutbound(outType, env.Data, roomID)
	if err != nil {
		d.dropEvent(c, env.Type, err)
		return
	}

	delivered := d.hub.BroadcastToRoom(roomID, c, payload)
	metrics.EventsRelayed.WithLabelValues(outType).Inc()
	slog.Debug("event relayed", "clientId", c.id, "type", outType, "room", roomID, "delivered", delivered)

	if d.bus != nil {
		go d.forwardToBus(roomID, payload)
	}
}

// relayTarget validates the payload for its kind and returns the explicit
// chat id, which may be empty when the client relies on the fallback room.
func (d *Dispatcher) relayTarget(env Envelope) (string, error) {
	if env.Type == EventTypingStatus {
		payload, err := decodeTyping(env.Data)
		if err != nil {
			return "", err
		}
		return payload.ChatID, nil
	}
	payload, err := decodeMessage(env.Data)
	if err != nil {
		return "", err
	}
	return payload.ChatID, nil
}

func (d *Dispatcher) forwardToBus(roomID string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), busPublishTimeout)
	defer cancel()
	if err := d.bus.Publish(ctx, roomID, payload); err != nil {
		slog.Error("bridge publish failed", "room", roomID, "error", err)
	}
}

func (d *Dispatcher) dropEvent(c *Client, eventType string, err error) {
	metrics.EventsDropped.WithLabelValues(metrics.ReasonMalformed).Inc()
	slog.Warn("dropping malformed event", "clientId", c.id, "type", eventType, "error", err)
}
