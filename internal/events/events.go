// Package events fans out exchange events (executed trades, price updates)
// to WebSocket clients, optionally through Redis pub/sub so every instance
// sees every event.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event types.
const (
	TypeTradeExecuted = "trade_executed"
	TypePriceUpdate   = "price_update"
)

// Event is the JSON message delivered to subscribers.
type Event struct {
	Type        string    `json:"type"`
	CharacterID string    `json:"character_id"`
	UserID      string    `json:"user_id,omitempty"`
	TradeID     string    `json:"trade_id,omitempty"`
	TradeType   string    `json:"trade_type,omitempty"`
	Quantity    int64     `json:"quantity,omitempty"`
	Price       string    `json:"price,omitempty"`
	OldPrice    string    `json:"old_price,omitempty"`
	Change      string    `json:"change_percent,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher delivers events. Implementations must not block the caller on
// slow consumers.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// DefaultChannel is the Redis channel events travel on.
const DefaultChannel = "exchange:events"

// RedisPublisher publishes events to a Redis channel.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	timeout time.Duration
}

// NewRedisPublisher creates a publisher on channel.
func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel, timeout: time.Second}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	// Detached from the request so a finished order still announces itself.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.rdb.Publish(pubCtx, p.channel, data).Err(); err != nil {
		slog.Warn("event publish failed", "type", ev.Type, "err", err)
	}
}

// Relay forwards every message on channel to the hub until ctx is done.
func Relay(ctx context.Context, rdb *redis.Client, channel string, hub *Hub) {
	sub := rdb.Subscribe(ctx, channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			hub.send([]byte(msg.Payload))
		}
	}
}
