// Package server defines the wire-level event protocol: the envelope that
// frames every message and the typed payloads for each event kind. Decoding
// is strict at this boundary so handlers never see half-formed events.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound event kinds.
const (
	EventAuth         = "auth"
	EventJoinChat     = "join_chat"
	EventLeaveChat    = "leave_chat"
	EventNewMessage   = "new_message"
	EventTypingStatus = "typing_status"
)

// Outbound event kinds.
const (
	EventAuthSuccess = "auth_success"
	EventUserTyping  = "user_typing"
)

// Envelope frames every event exchanged with clients. Data stays raw until
// the event kind selects the payload type to decode it into.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// AuthPayload carries the client-supplied user identifier. The id is an
// unverified label; no credentials are checked. ChatID optionally joins a
// room in the same event.
type AuthPayload struct {
	UserID string `json:"user_id"`
	ChatID string `json:"chat_id,omitempty"`
}

// RoomPayload carries the room id for join_chat and leave_chat events.
type RoomPayload struct {
	ChatID string `json:"chat_id"`
}

// MessagePayload carries a content message. ChatID may be empty, in which
// case the dispatcher falls back to the connection's active room.
type MessagePayload struct {
	ChatID  string `json:"chat_id,omitempty"`
	Content string `json:"content"`
}

// TypingPayload carries a typing-status change. IsTyping is a pointer so a
// missing field can be told apart from an explicit false.
type TypingPayload struct {
	ChatID   string `json:"chat_id,omitempty"`
	IsTyping *bool  `json:"is_typing"`
}

var (
	errMissingType    = errors.New("event type is required")
	errMissingUserID  = errors.New("user_id is required")
	errMissingChatID  = errors.New("chat_id is required")
	errMissingContent = errors.New("content is required")
	errMissingTyping  = errors.New("is_typing is required")
)

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errMissingType
	}
	return env, nil
}

func decodeAuth(data json.RawMessage) (AuthPayload, error) {
	var p AuthPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return AuthPayload{}, fmt.Errorf("decoding auth payload: %w", err)
	}
	if p.UserID == "" {
		return AuthPayload{}, errMissingUserID
	}
	return p, nil
}

func decodeRoom(data json.RawMessage) (RoomPayload, error) {
	var p RoomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return RoomPayload{}, fmt.Errorf("decoding room payload: %w", err)
	}
	if p.ChatID == "" {
		return RoomPayload{}, errMissingChatID
	}
	return p, nil
}

func decodeMessage(data json.RawMessage) (MessagePayload, error) {
	var p MessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return MessagePayload{}, fmt.Errorf("decoding message payload: %w", err)
	}
	if p.Content == "" {
		return MessagePayload{}, errMissingContent
	}
	return p, nil
}

func decodeTyping(data json.RawMessage) (TypingPayload, error) {
	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return TypingPayload{}, fmt.Errorf("decoding typing payload: %w", err)
	}
	if p.IsTyping == nil {
		return TypingPayload{}, errMissingTyping
	}
	return p, nil
}

// encodeAuthSuccess builds the acknowledgment sent back to an authenticating
// connection only.
func encodeAuthSuccess(userID, chatID string) ([]byte, error) {
	data, err := json.Marshal(AuthPayload{UserID: userID, ChatID: chatID})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: EventAuthSuccess, Data: data})
}

// encodeOutbound re-frames an inbound data object for fan-out, preserving
// every field the sender supplied but normalizing chat_id to the room the
// dispatcher resolved.
func encodeOutbound(eventType string, data json.RawMessage, roomID string) ([]byte, error) {
	fields := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("reframing %s payload: %w", eventType, err)
		}
	}
	fields["chat_id"] = roomID
	normalized, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: eventType, Data: normalized})
}
