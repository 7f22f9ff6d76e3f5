// Package eventbus propagates collaboration events between server
// instances over Redis pub/sub. One channel per workspace; delivery is
// at-least-once and may be reordered, so consumers must be idempotent.
package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"collabspace/utils"
)

// DefaultChannelPrefix namespaces workspace channels in Redis.
const DefaultChannelPrefix = "collab:ws:"

// Handler consumes one event payload published for a workspace.
type Handler func(workspaceID string, payload []byte)

// Bus connects this instance to the shared event channel.
type Bus interface {
	Publish(ctx context.Context, workspaceID string, payload []byte) error
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// RedisBus is the production Bus: PUBLISH per workspace channel, one
// PSUBSCRIBE over the channel pattern for the consume side.
type RedisBus struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewRedisBus creates a Bus over an existing Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, prefix: DefaultChannelPrefix}
}

// Publish sends the payload to the workspace's channel. The caller bounds
// the context; a failure here must never block a local mutation.
func (b *RedisBus) Publish(ctx context.Context, workspaceID string, payload []byte) error {
	if err := b.client.Publish(ctx, b.prefix+workspaceID, payload).Err(); err != nil {
		return fmt.Errorf("eventbus: publish %s: %w", workspaceID, err)
	}
	return nil
}

// Subscribe starts a background goroutine delivering every published event
// to handler until the context is canceled or Close is called.
func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return fmt.Errorf("eventbus: already subscribed")
	}
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	// Force the subscription onto the wire before returning so callers can
	// publish immediately after.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("eventbus: subscribe: %w", err)
	}
	b.pubsub = pubsub

	ch := pubsub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				workspaceID := strings.TrimPrefix(msg.Channel, b.prefix)
				handler(workspaceID, []byte(msg.Payload))
			}
		}
	}()
	return nil
}

// Close tears down the subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub == nil {
		return nil
	}
	err := b.pubsub.Close()
	b.pubsub = nil
	return err
}

// NopBus is the degraded single-instance bus used when Redis is
// unavailable: publishes vanish and nothing is ever delivered. Local state
// stays authoritative, matching the transport-failure policy.
type NopBus struct{}

// Publish discards the event.
func (NopBus) Publish(context.Context, string, []byte) error { return nil }

// Subscribe never delivers anything.
func (NopBus) Subscribe(context.Context, Handler) error {
	utils.LogInfo("event bus disabled; running with single-instance consistency")
	return nil
}

// Close is a no-op.
func (NopBus) Close() error { return nil }
