// Package timer multiplexes many named periodic callbacks onto a minimal
// number of runtime timers, one per distinct interval. Registering the first
// callback for an interval starts its ticker; removing the last one stops
// it.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/TonyYang1985/go-coherence/log"
)

// DefaultInterval is used when OnTimer is called with a non-positive
// interval.
const DefaultInterval = time.Second

// Callback is a named periodic task. The context is cancelled when the
// service stops.
type Callback func(ctx context.Context)

type bucket struct {
	ticker    *time.Ticker
	stop      chan struct{}
	callbacks map[string]Callback
}

// Service dispatches ticks to registered callbacks. The zero value is not
// usable; use New.
type Service struct {
	log    log.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	buckets map[time.Duration]*bucket
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used to report panicking callbacks. A nil
// logger disables logging.
func WithLogger(l log.Logger) Option {
	return func(s *Service) { s.log = log.OrNop(l) }
}

// New returns a Service with no active timers.
func New(opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		log:     log.Nop{},
		buckets: make(map[time.Duration]*bucket),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnTimer registers cb under name at the given interval. Registering an
// existing name replaces its callback; the first registration for a new
// interval starts that interval's ticker. A non-positive interval falls back
// to DefaultInterval.
func (s *Service) OnTimer(name string, cb Callback, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	// An upsert under a different interval must not leave the old
	// registration ticking.
	s.removeLocked(name)
	b, ok := s.buckets[interval]
	if !ok {
		b = &bucket{
			ticker:    time.NewTicker(interval),
			stop:      make(chan struct{}),
			callbacks: make(map[string]Callback),
		}
		s.buckets[interval] = b
		s.wg.Add(1)
		go s.run(interval, b)
	}
	b.callbacks[name] = cb
}

// OffTimer removes the named callback. If its interval bucket becomes empty
// the underlying ticker is cancelled and the bucket discarded.
func (s *Service) OffTimer(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
}

func (s *Service) removeLocked(name string) {
	for interval, b := range s.buckets {
		if _, ok := b.callbacks[name]; !ok {
			continue
		}
		delete(b.callbacks, name)
		if len(b.callbacks) == 0 {
			b.ticker.Stop()
			close(b.stop)
			delete(s.buckets, interval)
		}
	}
}

// Stop cancels all underlying timers unconditionally. The service accepts no
// further registrations afterwards.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for interval, b := range s.buckets {
		b.ticker.Stop()
		close(b.stop)
		delete(s.buckets, interval)
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Service) run(interval time.Duration, b *bucket) {
	defer s.wg.Done()
	for {
		select {
		case <-b.ticker.C:
			s.dispatch(interval, b)
		case <-b.stop:
			return
		}
	}
}

// dispatch starts every callback registered for the interval before waiting
// on any of them, so a slow callback never delays the others' start. The
// tick as a whole is awaited before the next one is processed.
func (s *Service) dispatch(interval time.Duration, b *bucket) {
	s.mu.Lock()
	cbs := make(map[string]Callback, len(b.callbacks))
	for name, cb := range b.callbacks {
		cbs[name] = cb
	}
	s.mu.Unlock()

	ctx := s.ctx
	var wg sync.WaitGroup
	for name, cb := range cbs {
		wg.Add(1)
		go func(name string, cb Callback) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("timer callback panicked", log.Fields{
						"name":     name,
						"interval": interval.String(),
						"panic":    r,
					})
				}
			}()
			cb(ctx)
		}(name, cb)
	}
	wg.Wait()
}
