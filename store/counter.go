package store

import (
	"context"
	"strconv"

	redis "github.com/redis/go-redis/v9"
)

// Counter groups numeric fields under one hash key. Every mutation maps to a
// single atomic store operation, so concurrent callers never lose updates.
type Counter struct {
	c   *Client
	key string
}

// Counter returns a counter view over the hash stored at key.
func (c *Client) Counter(key string) *Counter {
	return &Counter{c: c, key: key}
}

// Increment adds delta to field and returns the new value.
func (ct *Counter) Increment(ctx context.Context, field string, delta int64) (int64, error) {
	return ct.c.rdb.HIncrBy(ctx, ct.key, field, delta).Result()
}

// Decrement subtracts delta from field and returns the new value.
func (ct *Counter) Decrement(ctx context.Context, field string, delta int64) (int64, error) {
	return ct.c.rdb.HIncrBy(ctx, ct.key, field, -delta).Result()
}

// Save overwrites field with an absolute value.
func (ct *Counter) Save(ctx context.Context, field string, value int64) error {
	return ct.c.rdb.HSet(ctx, ct.key, field, value).Err()
}

// Remove deletes the given fields.
func (ct *Counter) Remove(ctx context.Context, fields ...string) error {
	return ct.c.rdb.HDel(ctx, ct.key, fields...).Err()
}

// Get returns the value of field. Missing fields read as zero.
func (ct *Counter) Get(ctx context.Context, field string) (int64, error) {
	n, err := ct.c.rdb.HGet(ctx, ct.key, field).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// GetMany returns the values of several fields in field order. Missing
// fields read as zero.
func (ct *Counter) GetMany(ctx context.Context, fields ...string) ([]int64, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	vals, err := ct.c.rdb.HMGet(ctx, ct.key, fields...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(vals))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
	}
	return out, nil
}
