// Package server bridges relay instances over Redis pub/sub so members of a
// room spread across instances still receive each other's events.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chatrelay/internal/metrics"
)

const (
	busRetryDelay = 200 * time.Millisecond
	busMaxRetries = 3
)

// busEvent is the record exchanged between instances. Origin carries the
// publishing instance's id so an instance never re-delivers its own events.
type busEvent struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// RoomBus forwards relayed events between instances on per-room channels.
type RoomBus struct {
	rdb        *redis.Client
	hub        *Hub
	instanceID string
}

// NewRoomBus connects to Redis and verifies connectivity before returning.
func NewRoomBus(ctx context.Context, cfg RedisConfig, hub *Hub) (*RoomBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RoomBus{
		rdb:        rdb,
		hub:        hub,
		instanceID: uuid.NewString(),
	}, nil
}

// Publish sends an already-encoded outbound event to the room's channel,
// retrying transient failures with constant backoff.
func (b *RoomBus) Publish(ctx context.Context, roomID string, payload []byte) error {
	raw, err := json.Marshal(busEvent{
		Origin:  b.instanceID,
		Room:    roomID,
		Payload: payload,
	})
	if err != nil {
		return err
	}

	operation := func() error {
		return b.rdb.Publish(ctx, busChannel(roomID), raw).Err()
	}
	strategy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(busRetryDelay), busMaxRetries),
		ctx,
	)
	err = backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		metrics.BusPublishRetries.Inc()
		slog.Warn("retrying bridge publish", "room", roomID, "error", err, "next", d)
	})
	if err == nil {
		metrics.BusPublished.Inc()
	}
	return err
}

// Run subscribes to every room channel and delivers foreign-origin events to
// local members until the context is cancelled.
func (b *RoomBus) Run(ctx context.Context) {
	pubsub := b.rdb.PSubscribe(ctx, busChannel("*"))
	defer func() {
		if err := pubsub.Close(); err != nil {
			slog.Error("error closing bridge subscription", "error", err)
		}
	}()

	ch := pubsub.Channel()
	slog.Info("room bridge listening", "instanceId", b.instanceID)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event busEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Warn("discarding undecodable bridge event", "error", err)
				continue
			}
			if event.Origin == b.instanceID || event.Room == "" {
				continue
			}
			delivered := b.hub.DeliverToRoom(event.Room, event.Payload)
			slog.Debug("bridge event delivered", "room", event.Room, "delivered", delivered)
		}
	}
}

// Close shuts down the Redis connection.
func (b *RoomBus) Close() {
	if err := b.rdb.Close(); err != nil {
		slog.Error("error closing bridge connection", "error", err)
	}
}

func busChannel(roomID string) string {
	return "room:" + roomID
}
