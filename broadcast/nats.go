package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"

	"github.com/TonyYang1985/go-coherence/errors"
)

// NATS implements Broadcaster using a NATS subject.
type NATS struct {
	conn    *nats.Conn
	subject string

	mu        sync.Mutex
	sub       *nats.Subscription
	chans     []chan []byte
	closed    bool
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATS returns a NATS broadcaster on the given subject. An empty subject
// falls back to DefaultChannel.
func NewNATS(conn *nats.Conn, subject string) *NATS {
	if subject == "" {
		subject = DefaultChannel
	}
	return &NATS{conn: conn, subject: subject}
}

// Publish implements Broadcaster.Publish.
func (n *NATS) Publish(ctx context.Context, payload []byte) error {
	if err := n.conn.Publish(n.subject, payload); err != nil {
		return err
	}
	n.published.Add(1)
	return nil
}

// Subscribe implements Broadcaster.Subscribe.
func (n *NATS) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ch := make(chan []byte, chanBuffer)
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, errors.ErrClosed
	}
	if n.sub == nil {
		sub, err := n.conn.Subscribe(n.subject, func(msg *nats.Msg) {
			n.mu.Lock()
			chans := append([]chan []byte(nil), n.chans...)
			n.mu.Unlock()
			for _, c := range chans {
				select {
				case c <- msg.Data:
					n.delivered.Add(1)
				default:
				}
			}
		})
		if err != nil {
			n.mu.Unlock()
			return nil, err
		}
		n.sub = sub
	}
	n.chans = append(n.chans, ch)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = n.Unsubscribe(context.Background(), ch)
	}()
	return ch, nil
}

// Unsubscribe implements Broadcaster.Unsubscribe.
func (n *NATS) Unsubscribe(ctx context.Context, ch <-chan []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, c := range n.chans {
		if c == ch {
			n.chans[i] = n.chans[len(n.chans)-1]
			n.chans = n.chans[:len(n.chans)-1]
			close(c)
			break
		}
	}
	return nil
}

// Close implements Broadcaster.Close.
func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
		n.sub = nil
	}
	for _, ch := range n.chans {
		close(ch)
	}
	n.chans = nil
	return nil
}

// Metrics returns the publish and delivery counts.
func (n *NATS) Metrics() Metrics {
	return Metrics{Published: n.published.Load(), Delivered: n.delivered.Load()}
}
