// Package broadcast carries cache coherence events between replicas over a
// single fixed channel. Every subscriber receives every payload, the
// publisher included; delivery is best effort and at-most-once per
// subscriber.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/TonyYang1985/go-coherence/errors"
)

// subscriber channels are buffered so a slow consumer drops events instead
// of stalling the dispatcher. Divergence self-heals on the next miss or TTL
// expiry.
const chanBuffer = 64

// Broadcaster is a fixed-channel payload fan-out shared by all replicas.
type Broadcaster interface {
	// Publish delivers payload to every subscriber, the caller's own
	// subscription included.
	Publish(ctx context.Context, payload []byte) error
	// Subscribe returns a channel receiving every published payload.
	Subscribe(ctx context.Context) (<-chan []byte, error)
	// Unsubscribe removes and closes a channel returned by Subscribe.
	Unsubscribe(ctx context.Context, ch <-chan []byte) error
	// Close tears down the transport and closes all subscriptions.
	Close() error
}

// Metrics reports publish and delivery counts for a broadcaster.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// Memory is a process-local Broadcaster. Replicas under test share one
// instance to simulate the broker.
type Memory struct {
	mu        sync.Mutex
	chans     []chan []byte
	closed    bool
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewMemory returns an empty in-memory broadcaster.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish implements Broadcaster.Publish.
func (m *Memory) Publish(ctx context.Context, payload []byte) error {
	m.mu.Lock()
	chans := append([]chan []byte(nil), m.chans...)
	m.mu.Unlock()
	m.published.Add(1)
	for _, ch := range chans {
		select {
		case ch <- payload:
			m.delivered.Add(1)
		default:
		}
	}
	return nil
}

// Subscribe implements Broadcaster.Subscribe.
func (m *Memory) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ch := make(chan []byte, chanBuffer)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.ErrClosed
	}
	m.chans = append(m.chans, ch)
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = m.Unsubscribe(context.Background(), ch)
	}()
	return ch, nil
}

// Unsubscribe implements Broadcaster.Unsubscribe.
func (m *Memory) Unsubscribe(ctx context.Context, ch <-chan []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.chans {
		if c == ch {
			m.chans[i] = m.chans[len(m.chans)-1]
			m.chans = m.chans[:len(m.chans)-1]
			close(c)
			break
		}
	}
	return nil
}

// Close implements Broadcaster.Close.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, ch := range m.chans {
		close(ch)
	}
	m.chans = nil
	return nil
}

// Metrics returns the publish and delivery counts.
func (m *Memory) Metrics() Metrics {
	return Metrics{Published: m.published.Load(), Delivered: m.delivered.Load()}
}
