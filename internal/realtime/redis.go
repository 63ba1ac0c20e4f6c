package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const redisChannelPrefix = "crisisline:"

// RedisBus fans out through Redis Pub/Sub so that every API instance sees
// every publish. Redis itself drops messages for disconnected subscribers,
// which matches the at-least-once-while-live contract.
type RedisBus struct {
	client *redis.Client
	buffer int
	onDrop DropFunc
	logger zerolog.Logger
	tracer trace.Tracer
}

func NewRedisBus(client *redis.Client, buffer int, onDrop DropFunc, logger zerolog.Logger) *RedisBus {
	if client == nil {
		panic("realtime: redis client required")
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &RedisBus{
		client: client,
		buffer: buffer,
		onDrop: onDrop,
		logger: logger,
		tracer: otel.Tracer("crisisline.internal.realtime.redis"),
	}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	ctx, span := b.tracer.Start(ctx, "realtime.redis.publish", trace.WithAttributes(attribute.String("topic", topic)))
	defer span.End()

	if err := b.client.Publish(ctx, redisChannelPrefix+topic, payload).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("realtime: redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ctx, span := b.tracer.Start(ctx, "realtime.redis.subscribe", trace.WithAttributes(attribute.String("topic", topic)))
	defer span.End()

	ps := b.client.Subscribe(ctx, redisChannelPrefix+topic)
	// Wait for the subscription confirmation so nothing published after
	// Subscribe returns can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		span.RecordError(err)
		_ = ps.Close()
		return nil, fmt.Errorf("realtime: redis subscribe: %w", err)
	}

	sub := &redisSub{
		ps:   ps,
		out:  make(chan []byte, b.buffer),
		done: make(chan struct{}),
	}
	go b.pump(ctx, topic, sub)
	return sub, nil
}

func (b *RedisBus) pump(ctx context.Context, topic string, sub *redisSub) {
	defer close(sub.out)
	in := sub.ps.Channel()
	for {
		select {
		case <-sub.done:
			return
		case <-ctx.Done():
			sub.Close()
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case sub.out <- []byte(msg.Payload):
			default:
				b.logger.Warn().Str("topic", topic).Msg("dropped slow subscriber")
				if b.onDrop != nil {
					b.onDrop(topic)
				}
				sub.Close()
				return
			}
		}
	}
}

// Ping checks the connection used by the bus.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

type redisSub struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSub) C() <-chan []byte { return s.out }

func (s *redisSub) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.ps.Close()
	})
}
