package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"

	"github.com/TonyYang1985/go-coherence/errors"
)

// Kafka implements Broadcaster over a single Kafka topic. Coherence events
// are transient, so consumers always start at the newest offset.
type Kafka struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string

	mu        sync.Mutex
	pc        sarama.PartitionConsumer
	chans     []chan []byte
	closed    bool
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafka creates a Kafka broadcaster connecting to the given brokers. An
// empty topic falls back to DefaultChannel.
func NewKafka(brokers []string, topic string, cfg *sarama.Config) (*Kafka, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	if topic == "" {
		topic = DefaultChannel
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &Kafka{producer: producer, consumer: consumer, topic: topic}, nil
}

// Publish implements Broadcaster.Publish.
func (k *Kafka) Publish(ctx context.Context, payload []byte) error {
	msg := &sarama.ProducerMessage{Topic: k.topic, Value: sarama.ByteEncoder(payload)}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return err
	}
	k.published.Add(1)
	return nil
}

// Subscribe implements Broadcaster.Subscribe.
func (k *Kafka) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ch := make(chan []byte, chanBuffer)
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil, errors.ErrClosed
	}
	if k.pc == nil {
		pc, err := k.consumer.ConsumePartition(k.topic, 0, sarama.OffsetNewest)
		if err != nil {
			k.mu.Unlock()
			return nil, err
		}
		k.pc = pc
		go k.dispatch(pc)
	}
	k.chans = append(k.chans, ch)
	k.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = k.Unsubscribe(context.Background(), ch)
	}()
	return ch, nil
}

func (k *Kafka) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		k.mu.Lock()
		chans := append([]chan []byte(nil), k.chans...)
		k.mu.Unlock()
		for _, ch := range chans {
			select {
			case ch <- msg.Value:
				k.delivered.Add(1)
			default:
			}
		}
	}
}

// Unsubscribe implements Broadcaster.Unsubscribe.
func (k *Kafka) Unsubscribe(ctx context.Context, ch <-chan []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i, c := range k.chans {
		if c == ch {
			k.chans[i] = k.chans[len(k.chans)-1]
			k.chans = k.chans[:len(k.chans)-1]
			close(c)
			break
		}
	}
	return nil
}

// Close implements Broadcaster.Close.
func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	pc := k.pc
	k.pc = nil
	for _, ch := range k.chans {
		close(ch)
	}
	k.chans = nil
	k.mu.Unlock()

	if pc != nil {
		_ = pc.Close()
	}
	_ = k.producer.Close()
	return k.consumer.Close()
}

// Metrics returns the publish and delivery counts.
func (k *Kafka) Metrics() Metrics {
	return Metrics{Published: k.published.Load(), Delivered: k.delivered.Load()}
}
