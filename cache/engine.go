package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/TonyYang1985/go-coherence/broadcast"
	"github.com/TonyYang1985/go-coherence/log"
	"github.com/TonyYang1985/go-coherence/metrics"
	"github.com/TonyYang1985/go-coherence/store"
	"github.com/TonyYang1985/go-coherence/timer"
)

var tracer = otel.Tracer("github.com/TonyYang1985/go-coherence/cache")

const sweepTimer = "coherence:l1-sweep"

// Provider computes the value to cache on a miss. A nil blob with a nil
// error means "no value"; such results are returned but never cached.
type Provider func(ctx context.Context) ([]byte, error)

type entry struct {
	value     []byte
	createdAt time.Time
}

type ttlEntry struct {
	createdAt time.Time
	ttl       time.Duration
}

// Engine owns the L1 (process memory) and L2 (shared store) caches and the
// broadcast protocol that keeps all replicas' L1 maps consistent. Construct
// exactly one Engine per process and share it; the L1 map is its state.
type Engine struct {
	store     *store.Client
	bus       broadcast.Broadcaster
	timers    *timer.Service
	log       log.Logger
	codec     Codec
	namespace string

	mu   sync.RWMutex
	l1   map[string]entry
	ttls map[string]ttlEntry

	flight singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configures an Engine.
type Options struct {
	// Store is the shared store client backing L2.
	Store *store.Client
	// Bus carries coherence events between replicas.
	Bus broadcast.Broadcaster
	// Timers drives the 1-second L1 TTL sweep.
	Timers *timer.Service
	// Logger reports subscriber-side failures. Optional.
	Logger log.Logger
	// Codec encodes typed values for the generic helpers. Defaults to JSON.
	Codec Codec
	// Namespace overrides DefaultNamespace for L2 keys.
	Namespace string
}

// NewEngine creates the engine, subscribes to the coherence channel and
// registers the TTL sweep on the timer service.
func NewEngine(opts Options) (*Engine, error) {
	codec := opts.Codec
	if codec == nil {
		codec = JSONCodec{}
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	e := &Engine{
		store:     opts.Store,
		bus:       opts.Bus,
		timers:    opts.Timers,
		log:       log.OrNop(opts.Logger),
		codec:     codec,
		namespace: namespace,
		l1:        make(map[string]entry),
		ttls:      make(map[string]ttlEntry),
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	ch, err := e.bus.Subscribe(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	e.wg.Add(1)
	go e.consume(ch)

	e.timers.OnTimer(sweepTimer, func(context.Context) {
		e.sweep(time.Now())
	}, time.Second)

	return e, nil
}

// Close unregisters the sweep, drops the subscription and waits for the
// subscriber goroutine. The L1 map is left in place; the process is
// expected to be shutting down.
func (e *Engine) Close() error {
	e.timers.OffTimer(sweepTimer)
	e.cancel()
	e.wg.Wait()
	return nil
}

// L1 is the process-local read-through path. A hit returns the local blob
// with no network call. On a miss the provider runs once per key per
// flight; a non-nil result is broadcast to every replica (this one
// included) and returned directly, without waiting for the broadcast echo.
// Broadcast publish failures propagate exactly like provider failures.
func (e *Engine) L1(ctx context.Context, param any, provider Provider, ttlSeconds int) ([]byte, error) {
	key, err := Key(param)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "Engine.L1")
	span.SetAttributes(attribute.String("coherence.key", key))
	defer span.End()

	if blob, ok := e.lookup(key); ok {
		e.hits.Add(1)
		metrics.L1HitCounter.Inc()
		return blob, nil
	}
	e.misses.Add(1)
	metrics.L1MissCounter.Inc()

	v, err, _ := e.flight.Do("l1:"+key, func() (any, error) {
		// A concurrent flight may have populated the map via its own
		// broadcast echo while this caller was queued.
		if blob, ok := e.lookup(key); ok {
			return blob, nil
		}
		blob, err := provider(ctx)
		if err != nil {
			return nil, err
		}
		if blob == nil {
			return []byte(nil), nil
		}
		if err := e.publishUpdate(ctx, key, blob, ttlSeconds); err != nil {
			return nil, err
		}
		return blob, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// L2 is the shared-store read-through path. No broadcast is involved: the
// store itself is the shared state. TTL relies on the store's native expiry.
func (e *Engine) L2(ctx context.Context, param any, provider Provider, ttlSeconds int) ([]byte, error) {
	key, err := Key(param)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "Engine.L2")
	span.SetAttributes(attribute.String("coherence.key", key))
	defer span.End()

	v, err, _ := e.flight.Do("l2:"+key, func() (any, error) {
		data, found, err := e.store.Get(ctx, e.nsKey(key))
		if err != nil {
			return nil, err
		}
		if found {
			metrics.L2HitCounter.Inc()
			return data, nil
		}
		metrics.L2MissCounter.Inc()
		blob, err := provider(ctx)
		if err != nil {
			return nil, err
		}
		if blob == nil {
			return []byte(nil), nil
		}
		if err := e.store.Set(ctx, e.nsKey(key), blob); err != nil {
			return nil, err
		}
		if ttlSeconds > 0 {
			if err := e.store.Expire(ctx, e.nsKey(key), time.Duration(ttlSeconds)*time.Second); err != nil {
				return nil, err
			}
		}
		return blob, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Reset broadcasts a reset event for the key. Every replica, this one
// included, drops the key from its L1 map and deletes the namespaced L2
// entry when the event arrives. This is the only path that clears both
// levels.
func (e *Engine) Reset(ctx context.Context, param any) error {
	key, err := Key(param)
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "Engine.Reset")
	span.SetAttributes(attribute.String("coherence.key", key))
	defer span.End()

	payload, err := json.Marshal(Event{
		ID:    uuid.NewString(),
		Event: EventReset,
		Param: key,
	})
	if err != nil {
		return err
	}
	if err := e.bus.Publish(ctx, payload); err != nil {
		return err
	}
	metrics.BroadcastCounter.Inc()
	return nil
}

func (e *Engine) lookup(key string) ([]byte, bool) {
	e.mu.RLock()
	ent, ok := e.l1[key]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return ent.value, true
}

func (e *Engine) publishUpdate(ctx context.Context, key string, blob []byte, ttlSeconds int) error {
	payload, err := json.Marshal(Event{
		ID:         uuid.NewString(),
		Event:      EventL1Update,
		Param:      key,
		Value:      blob,
		CreatedAt:  time.Now().UnixMilli(),
		TTLSeconds: ttlSeconds,
	})
	if err != nil {
		return err
	}
	if err := e.bus.Publish(ctx, payload); err != nil {
		return err
	}
	metrics.BroadcastCounter.Inc()
	return nil
}

// consume applies coherence events to the local L1 map. A malformed or
// failing message is logged and skipped; the subscriber loop must survive
// anything the channel delivers.
func (e *Engine) consume(ch <-chan []byte) {
	defer e.wg.Done()
	for payload := range ch {
		var evt Event
		if err := json.Unmarshal(payload, &evt); err != nil {
			e.log.Warn("dropping malformed coherence event", log.Fields{"error": err.Error()})
			continue
		}
		switch evt.Event {
		case EventL1Update:
			e.applyUpdate(evt)
		case EventReset:
			e.applyReset(evt)
		default:
			e.log.Debug("ignoring unknown coherence event", log.Fields{"event": evt.Event})
		}
	}
}

// applyUpdate overwrites the local entry unconditionally: the broadcast is
// the single source of truth for L1 contents, the originator's map
// included. Last write via broadcast wins.
func (e *Engine) applyUpdate(evt Event) {
	createdAt := time.UnixMilli(evt.CreatedAt)
	e.mu.Lock()
	e.l1[evt.Param] = entry{value: evt.Value, createdAt: createdAt}
	if evt.TTLSeconds > 0 {
		e.ttls[evt.Param] = ttlEntry{createdAt: createdAt, ttl: time.Duration(evt.TTLSeconds) * time.Second}
	} else {
		delete(e.ttls, evt.Param)
	}
	e.mu.Unlock()
	metrics.AppliedCounter.Inc()
}

func (e *Engine) applyReset(evt Event) {
	e.mu.Lock()
	delete(e.l1, evt.Param)
	delete(e.ttls, evt.Param)
	e.mu.Unlock()
	if _, err := e.store.Del(context.Background(), e.nsKey(evt.Param)); err != nil {
		e.log.Warn("reset: shared store delete failed", log.Fields{
			"key":   evt.Param,
			"error": err.Error(),
		})
	}
	metrics.ResetCounter.Inc()
}

// sweep removes every L1 entry whose TTL elapsed before now. It runs on the
// shared timer service at a 1-second cadence.
func (e *Engine) sweep(now time.Time) int {
	e.mu.Lock()
	var swept int
	for key, t := range e.ttls {
		if t.createdAt.Add(t.ttl).Before(now) {
			delete(e.l1, key)
			delete(e.ttls, key)
			swept++
		}
	}
	e.mu.Unlock()
	if swept > 0 {
		metrics.SweptCounter.Add(float64(swept))
	}
	return swept
}

// Stats reports basic L1 usage numbers.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Stats returns current L1 metrics.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	size := len(e.l1)
	e.mu.RUnlock()
	return Stats{Hits: e.hits.Load(), Misses: e.misses.Load(), Size: size}
}
