package transport

import (
	"errors"

	"github.com/lsst-dm/dmcs/pkg/messages"
)

// Exchange is the direct exchange every queue binds to. Routing key
// equals queue name.
const Exchange = "message"

// ErrUnavailable indicates the broker could not be reached after
// exhausting reconnect attempts.
var ErrUnavailable = errors.New("transport unavailable")

// Handler processes one delivered message body.
type Handler func(body messages.Body)

// Subscription is a live consumer on one queue.
type Subscription interface {
	// Queue returns the consumed queue name.
	Queue() string
	// Done is closed when the consumer terminates, cleanly or not.
	Done() <-chan struct{}
	// Cancel stops the consumer.
	Cancel() error
}

// Bus is the message transport contract: publish to named durable
// queues, consume with explicit per-message acknowledgement.
type Bus interface {
	Publish(queue string, body messages.Body) error
	Consume(queue string, handler Handler) (Subscription, error)
	Close() error
}
