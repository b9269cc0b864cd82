// Package broker owns the mapping from project slugs to Redis pub/sub
// subscriptions. The build worker publishes its console output to
// logs:<slug>; the registry holds exactly one broker subscription per
// slug no matter how many viewers watch it.
package broker

import (
	"context"
	"log/slog"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// Dispatcher receives every message delivered on a subscribed channel.
// It is invoked from a single goroutine per slug, in broker order.
type Dispatcher func(slug string, payload []byte)

// Registry maps slugs to open broker subscriptions.
type Registry struct {
	client   *redis.Client
	prefix   string
	logger   *slog.Logger
	mu       sync.Mutex
	subs     map[string]*subscription
	dispatch Dispatcher
}

type subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRegistry constructs a Registry. Bind must be called before the
// first Subscribe.
func NewRegistry(client *redis.Client, prefix string, logger *slog.Logger) *Registry {
	if prefix == "" {
		prefix = "logs:"
	}
	return &Registry{
		client: client,
		prefix: prefix,
		logger: logger,
		subs:   make(map[string]*subscription),
	}
}

// Bind installs the dispatcher that consumes inbound messages. It exists
// separately from NewRegistry because the dispatcher closes over
// services that are constructed after the registry.
func (r *Registry) Bind(dispatch Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatch = dispatch
}

// Channel returns the broker topic name for a slug.
func (r *Registry) Channel(slug string) string {
	return r.prefix + slug
}

// Subscribe opens the broker subscription for a slug. Subscribing to an
// already-subscribed slug is a no-op, keeping the broker-level
// subscription count at one per slug.
func (r *Registry) Subscribe(ctx context.Context, slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[slug]; ok {
		return nil
	}

	pubsub := r.client.Subscribe(ctx, r.Channel(slug))
	// Receive forces the SUBSCRIBE round trip so the worker's first
	// lines cannot be published before the broker knows we listen.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}

	sub := &subscription{pubsub: pubsub, done: make(chan struct{})}
	r.subs[slug] = sub
	go r.consume(slug, sub)
	r.logger.Info("channel subscribed", "slug", slug, "channel", r.Channel(slug))
	return nil
}

// Unsubscribe closes the broker subscription for a slug. It does not
// wait for the consume goroutine to drain, so it is safe to call from a
// dispatcher.
func (r *Registry) Unsubscribe(slug string) {
	r.mu.Lock()
	sub, ok := r.subs[slug]
	if ok {
		delete(r.subs, slug)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	_ = sub.pubsub.Close()
	r.logger.Info("channel unsubscribed", "slug", slug)
}

// Publish sends a payload on a slug's channel. Used by the HTTP log
// ingest bridge; workers with direct broker access publish themselves.
func (r *Registry) Publish(ctx context.Context, slug string, payload []byte) error {
	return r.client.Publish(ctx, r.Channel(slug), payload).Err()
}

// Close tears down every open subscription.
func (r *Registry) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*subscription)
	r.mu.Unlock()
	for _, sub := range subs {
		_ = sub.pubsub.Close()
		<-sub.done
	}
}

// consume drains one subscription sequentially so per-channel delivery
// order is preserved through to every consumer.
func (r *Registry) consume(slug string, sub *subscription) {
	defer close(sub.done)
	for msg := range sub.pubsub.Channel() {
		r.mu.Lock()
		dispatch := r.dispatch
		r.mu.Unlock()
		if dispatch == nil {
			r.logger.Warn("message dropped, no dispatcher bound", "slug", slug)
			continue
		}
		dispatch(slug, []byte(msg.Payload))
	}
}
