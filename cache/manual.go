package cache

import "context"

// Manual cache operations bypass the provider pattern and touch L2 only.
// Keys are caller-chosen strings, namespaced like every other L2 key.

// CreateCache unconditionally overwrites the entry with the value the thunk
// produces.
func (e *Engine) CreateCache(ctx context.Context, key string, produce Provider) error {
	blob, err := produce(ctx)
	if err != nil {
		return err
	}
	return e.store.Set(ctx, e.nsKey(key), blob)
}

// UpdateCache reads the current value (nil when absent), applies update and
// writes the result back when it is non-nil.
//
// This is a best-effort read-then-write, not a compare-and-swap: two
// concurrent updaters can interleave and one write can clobber the other.
func (e *Engine) UpdateCache(ctx context.Context, key string, update func(current []byte) ([]byte, error)) error {
	current, _, err := e.store.Get(ctx, e.nsKey(key))
	if err != nil {
		return err
	}
	next, err := update(current)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	return e.store.Set(ctx, e.nsKey(key), next)
}

// RemoveCache deletes the entry.
func (e *Engine) RemoveCache(ctx context.Context, key string) error {
	_, err := e.store.Del(ctx, e.nsKey(key))
	return err
}

// GetCache returns the entry, reporting whether it exists.
func (e *Engine) GetCache(ctx context.Context, key string) ([]byte, bool, error) {
	return e.store.Get(ctx, e.nsKey(key))
}

// GetCaches fetches several entries in one round trip, preserving key
// order. Missing entries yield nil slots.
func (e *Engine) GetCaches(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	nsKeys := make([]string, len(keys))
	for i, k := range keys {
		nsKeys[i] = e.nsKey(k)
	}
	return e.store.MGet(ctx, nsKeys...)
}
