package transport

import (
	"fmt"
	"sync"

	"github.com/lsst-dm/dmcs/pkg/messages"
	"github.com/lsst-dm/dmcs/pkg/metrics"
)

// MemBus is an in-process Bus used by tests and by single-binary
// bring-up without a broker. Messages pass through the YAML codec so
// delivered bodies match what the wire would produce. Per-queue FIFO
// order is preserved.
type MemBus struct {
	mu     sync.Mutex
	sent   map[string][]messages.Body
	subs   map[string]*memSubscription
	closed bool
}

// NewMemBus creates an empty in-memory bus.
func NewMemBus() *MemBus {
	return &MemBus{
		sent: make(map[string][]messages.Body),
		subs: make(map[string]*memSubscription),
	}
}

type memSubscription struct {
	bus   *MemBus
	queue string
	ch    chan messages.Body
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (s *memSubscription) Queue() string         { return s.queue }
func (s *memSubscription) Done() <-chan struct{} { return s.done }

// Cancel stops delivery and frees the queue for a new consumer.
func (s *memSubscription) Cancel() error {
	s.once.Do(func() {
		close(s.quit)
		s.bus.mu.Lock()
		if s.bus.subs[s.queue] == s {
			delete(s.bus.subs, s.queue)
		}
		s.bus.mu.Unlock()
	})
	return nil
}

// Publish encodes, decodes, records, and delivers the body to the
// queue's consumer if one is registered.
func (b *MemBus) Publish(queue string, body messages.Body) error {
	data, err := messages.Encode(body)
	if err != nil {
		return err
	}
	decoded, err := messages.Decode(data)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%w: bus closed", ErrUnavailable)
	}
	b.sent[queue] = append(b.sent[queue], decoded)
	sub := b.subs[queue]
	b.mu.Unlock()

	if sub != nil {
		select {
		case sub.ch <- decoded:
		case <-sub.quit:
		}
	}
	metrics.MessagesPublished.WithLabelValues(queue).Inc()
	return nil
}

// Consume registers the single consumer for a queue. Deliveries run on
// a dedicated goroutine in publish order.
func (b *MemBus) Consume(queue string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("%w: bus closed", ErrUnavailable)
	}
	if _, exists := b.subs[queue]; exists {
		return nil, fmt.Errorf("queue %s already has a consumer", queue)
	}

	sub := &memSubscription{
		bus:   b,
		queue: queue,
		ch:    make(chan messages.Body, 100),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	b.subs[queue] = sub

	go func() {
		defer close(sub.done)
		for {
			select {
			case body := <-sub.ch:
				handler(body)
			case <-sub.quit:
				return
			}
		}
	}()

	return sub, nil
}

// Sent returns a copy of everything published to a queue, consumed or not.
func (b *MemBus) Sent(queue string) []messages.Body {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]messages.Body, len(b.sent[queue]))
	copy(out, b.sent[queue])
	return out
}

// Reset forgets all recorded messages but keeps consumers attached.
func (b *MemBus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = make(map[string][]messages.Body)
}

// Close cancels every consumer and refuses further publishes.
func (b *MemBus) Close() error {
	b.mu.Lock()
	subs := make([]*memSubscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*memSubscription)
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
		<-s.Done()
	}
	return nil
}
