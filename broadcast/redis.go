package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/TonyYang1985/go-coherence/errors"
	"github.com/TonyYang1985/go-coherence/store"
)

var tracer = otel.Tracer("github.com/TonyYang1985/go-coherence/broadcast")

// DefaultChannel is the pub/sub channel all coherence events travel on.
const DefaultChannel = "coherence:events"

// Redis implements Broadcaster over Redis pub/sub. Publishing uses the
// provided client; the subscription runs on a dedicated connection so the
// subscriber socket never issues regular commands.
type Redis struct {
	pub     *store.Client
	sub     *store.Client
	channel string

	mu        sync.Mutex
	pubsub    *redis.PubSub
	chans     []chan []byte
	closed    bool
	published atomic.Uint64
	delivered atomic.Uint64
}

// RedisOptions configures a Redis broadcaster.
type RedisOptions struct {
	// Client is the shared store client used for publishing.
	Client *store.Client
	// Channel overrides DefaultChannel.
	Channel string
}

// NewRedis returns a Redis broadcaster. The subscriber connection is opened
// lazily on first Subscribe.
func NewRedis(opts RedisOptions) *Redis {
	channel := opts.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{
		pub:     opts.Client,
		sub:     opts.Client.Dedicated(),
		channel: channel,
	}
}

// Publish implements Broadcaster.Publish. A publish failure propagates to
// the caller untouched; there is no retry here.
func (r *Redis) Publish(ctx context.Context, payload []byte) error {
	ctx, span := tracer.Start(ctx, "Broadcast.Publish")
	span.SetAttributes(attribute.String("coherence.channel", r.channel))
	defer span.End()

	if err := r.pub.Publish(ctx, r.channel, payload); err != nil {
		return err
	}
	r.published.Add(1)
	return nil
}

// Subscribe implements Broadcaster.Subscribe.
func (r *Redis) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ch := make(chan []byte, chanBuffer)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.ErrClosed
	}
	if r.pubsub == nil {
		ps := r.sub.Subscribe(context.Background(), r.channel)
		if _, err := ps.Receive(ctx); err != nil {
			r.mu.Unlock()
			_ = ps.Close()
			return nil, err
		}
		r.pubsub = ps
		go r.dispatch(ps)
	}
	r.chans = append(r.chans, ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = r.Unsubscribe(context.Background(), ch)
	}()
	return ch, nil
}

func (r *Redis) dispatch(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		r.mu.Lock()
		chans := append([]chan []byte(nil), r.chans...)
		r.mu.Unlock()
		payload := []byte(msg.Payload)
		for _, ch := range chans {
			select {
			case ch <- payload:
				r.delivered.Add(1)
			default:
			}
		}
	}
}

// Unsubscribe implements Broadcaster.Unsubscribe.
func (r *Redis) Unsubscribe(ctx context.Context, ch <-chan []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.chans {
		if c == ch {
			r.chans[i] = r.chans[len(r.chans)-1]
			r.chans = r.chans[:len(r.chans)-1]
			close(c)
			break
		}
	}
	return nil
}

// Close implements Broadcaster.Close.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ps := r.pubsub
	r.pubsub = nil
	for _, ch := range r.chans {
		close(ch)
	}
	r.chans = nil
	r.mu.Unlock()

	if ps != nil {
		_ = ps.Close()
	}
	return r.sub.Close()
}

// Metrics returns the publish and delivery counts.
func (r *Redis) Metrics() Metrics {
	return Metrics{Published: r.published.Load(), Delivered: r.delivered.Load()}
}
