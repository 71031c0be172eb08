// Package store wraps the shared key-value/pub-sub transport behind a small
// client. Failures surface to the caller as errors and are never retried
// here; retry policy belongs to whoever issues the operation.
package store

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/TonyYang1985/go-coherence/log"
)

// Client provides uniform access to the shared store. A single Client is
// safe for concurrent use; pub/sub subscriptions run on their own
// connections (see Subscribe and Dedicated).
type Client struct {
	rdb *redis.Client
	log log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for connection-level diagnostics. A nil
// logger disables logging.
func WithLogger(l log.Logger) Option {
	return func(c *Client) { c.log = log.OrNop(l) }
}

// New returns a Client on top of an existing Redis client.
func New(rdb *redis.Client, opts ...Option) *Client {
	c := &Client{rdb: rdb, log: log.Nop{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClient connects to the store at the given address.
func NewClient(opts *redis.Options, clientOpts ...Option) *Client {
	return New(redis.NewClient(opts), clientOpts...)
}

// Dedicated returns a new Client with its own connection pool against the
// same store. Required for subscription use: a connection that has entered
// subscriber mode must not issue regular commands.
func (c *Client) Dedicated() *Client {
	c.log.Debug("opening dedicated store connection", log.Fields{"addr": c.rdb.Options().Addr})
	return &Client{rdb: redis.NewClient(c.rdb.Options()), log: c.log}
}

// Raw exposes the underlying Redis client for operations the wrapper does
// not cover, such as scripting.
func (c *Client) Raw() *redis.Client { return c.rdb }

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Get returns the value stored at key. The boolean reports whether the key
// exists; a missing key is not an error.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Set stores value at key without expiry.
func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	return c.rdb.Set(ctx, key, value, 0).Err()
}

// SetNX stores value at key with the given TTL only if the key is absent.
// It reports whether the write happened. This is the atomic conditional-set
// the leader lock is built on.
func (c *Client) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

// Del removes the given keys and returns how many existed.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	return c.rdb.Del(ctx, keys...).Result()
}

// Expire sets the TTL on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.PExpire(ctx, key, ttl).Err()
}

// MGet fetches several keys in one round trip. The result preserves key
// order; missing keys yield nil slots.
func (c *Client) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		switch s := v.(type) {
		case string:
			out[i] = []byte(s)
		case []byte:
			out[i] = s
		}
	}
	return out, nil
}

// Publish sends payload on the given channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a subscription on the given channel. The returned PubSub
// owns a dedicated connection; close it to unsubscribe.
func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	c.log.Debug("subscribing", log.Fields{"channel": channel})
	return c.rdb.Subscribe(ctx, channel)
}
