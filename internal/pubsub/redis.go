// Package pubsub carries engine events between instances (Redis) and to
// the archival feed (NATS).
package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/efreitasn/certauction/internal/domain"
)

const (
	// ChannelPrefix namespaces every room channel.
	ChannelPrefix = "auction_events:"
	// globalRoom stands in for the empty room, which addresses every session.
	globalRoom = "_all"
)

// Channel returns the Redis channel for a room.
func Channel(room string) string {
	if room == "" {
		room = globalRoom
	}
	return ChannelPrefix + room
}

// roomFromChannel is the inverse of Channel.
func roomFromChannel(channel string) string {
	room := strings.TrimPrefix(channel, ChannelPrefix)
	if room == globalRoom {
		return ""
	}
	return room
}

// Deliverer fans an encoded frame out to local sessions.
type Deliverer interface {
	Deliver(room string, frame []byte)
}

type outbound struct {
	room  string
	frame []byte
}

// RedisBridge publishes every engine event to Redis and delivers every
// event received from Redis to the local hub, so sessions on any instance
// see commits made on any other. Publish never blocks: events queue for
// Run, and when Redis is unreachable they are delivered locally instead.
type RedisBridge struct {
	client *redis.Client
	local  Deliverer
	queue  chan outbound
	logger *slog.Logger
}

// NewRedisBridge creates a bridge. queueSize bounds the outbound backlog.
func NewRedisBridge(client *redis.Client, local Deliverer, queueSize int, logger *slog.Logger) *RedisBridge {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &RedisBridge{
		client: client,
		local:  local,
		queue:  make(chan outbound, queueSize),
		logger: logger,
	}
}

// Publish implements engine.Notifier.
func (b *RedisBridge) Publish(ev domain.Event) {
	frame, err := ev.Encode()
	if err != nil {
		b.logger.Error("encode event", slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
		return
	}
	select {
	case b.queue <- outbound{room: ev.Room, frame: frame}:
	default:
		b.logger.Warn("redis publish queue full, delivering locally", slog.String("room", ev.Room))
		b.local.Deliver(ev.Room, frame)
	}
}

// Run subscribes to every room channel and drains the publish queue until
// ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.PSubscribe(ctx, ChannelPrefix+"*")
	defer sub.Close()

	// Wait for the subscription so no event published after Run starts
	// is missed.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("pubsub: subscribe: %w", err)
	}
	b.logger.Info("redis bridge subscribed", slog.String("pattern", ChannelPrefix+"*"))

	incoming := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-incoming:
			if !ok {
				return fmt.Errorf("pubsub: subscription closed")
			}
			b.local.Deliver(roomFromChannel(msg.Channel), []byte(msg.Payload))

		case out := <-b.queue:
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := b.client.Publish(pctx, Channel(out.room), out.frame).Err()
			cancel()
			if err != nil {
				b.logger.Warn("redis publish failed, delivering locally",
					slog.String("room", out.room),
					slog.String("error", err.Error()),
				)
				b.local.Deliver(out.room, out.frame)
			}
		}
	}
}

// releaseScript deletes the lease only if this holder still owns it.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisLease is a best-effort mutual-exclusion lease for scheduler ticks
// across instances, held with SET NX PX.
type RedisLease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLease creates a lease on key that expires after ttl if its
// holder dies.
func NewRedisLease(client *redis.Client, key string, ttl time.Duration, logger *slog.Logger) *RedisLease {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLease{client: client, key: key, ttl: ttl, logger: logger}
}

// TryAcquire implements engine.Lease.
func (l *RedisLease) TryAcquire(ctx context.Context) (func(), bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("pubsub: acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{l.key}, token).Err(); err != nil {
			l.logger.Warn("release scheduler lease", slog.String("key", l.key), slog.String("error", err.Error()))
		}
	}
	return release, true, nil
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("pubsub: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pubsub: connect to redis: %w", err)
	}
	return client, nil
}
