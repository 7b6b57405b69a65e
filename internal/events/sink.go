package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/nft-market/internal/model"
)

// Sink is anything that accepts committed ledger events.
type Sink interface {
	Publish(ctx context.Context, e model.Event)
}

// Multi fans each event out to every sink in order.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e model.Event) {
	for _, s := range m {
		s.Publish(ctx, e)
	}
}

// Logger writes each event to a structured logger at Info.
type Logger struct {
	log *slog.Logger
}

// NewLogger creates a logging sink. A nil logger uses slog.Default().
func NewLogger(log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{log: log}
}

func (l *Logger) Publish(ctx context.Context, e model.Event) {
	attrs := []any{"type", e.Type}
	if e.Collection != "" {
		attrs = append(attrs, "collection", e.Collection, "item_id", e.ItemID)
	}
	if e.Seller != "" {
		attrs = append(attrs, "seller", e.Seller)
	}
	if e.Buyer != "" {
		attrs = append(attrs, "buyer", e.Buyer)
	}
	if e.Price != nil {
		attrs = append(attrs, "price", e.Price.String())
	}
	if e.Amount != nil {
		attrs = append(attrs, "amount", e.Amount.String())
	}
	l.log.InfoContext(ctx, "ledger event", attrs...)
}

// RedisPublisher publishes events as JSON on a Redis pub/sub channel so
// other instances and services can follow the ledger.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher for channel.
func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

// Publish sends the event. Failures are logged and dropped.
func (p *RedisPublisher) Publish(ctx context.Context, e model.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := p.rdb.Publish(context.WithoutCancel(ctx), p.channel, data).Err(); err != nil {
		slog.Warn("event publish failed", "channel", p.channel, "type", e.Type, "err", err)
	}
}

// Subscribe forwards events received on the channel to sink until ctx is
// done. It lets an instance relay events published by its peers to its
// own websocket clients.
func (p *RedisPublisher) Subscribe(ctx context.Context, sink Sink) error {
	sub := p.rdb.Subscribe(ctx, p.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var e model.Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				slog.Warn("malformed event on channel", "channel", p.channel, "err", err)
				continue
			}
			sink.Publish(ctx, e)
		}
	}
}
