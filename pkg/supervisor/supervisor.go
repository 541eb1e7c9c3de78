package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lsst-dm/dmcs/pkg/log"
	"github.com/lsst-dm/dmcs/pkg/transport"
)

// DefaultCheckInterval is how often dead consumers are looked for.
const DefaultCheckInterval = time.Second

// Supervisor owns the message consumers of one process. A consumer
// whose subscription dies is restarted on the next check unless the
// supervisor is shutting down.
type Supervisor struct {
	bus           transport.Bus
	CheckInterval time.Duration
	logger        zerolog.Logger

	mu        sync.Mutex
	consumers map[string]*consumer
	shutdown  bool
	started   bool

	stopCh chan struct{}
	doneCh chan struct{}
}

type consumer struct {
	queue    string
	handler  transport.Handler
	sub      transport.Subscription
	restarts int
}

// New builds a supervisor over a bus.
func New(bus transport.Bus) *Supervisor {
	return &Supervisor{
		bus:           bus,
		CheckInterval: DefaultCheckInterval,
		logger:        log.WithComponent("supervisor"),
		consumers:     make(map[string]*consumer),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Register adds a consumer for a queue. Call before Start.
func (s *Supervisor) Register(queue string, handler transport.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers[queue] = &consumer{queue: queue, handler: handler}
}

// Start attaches every registered consumer and begins watching them.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("supervisor already started")
	}
	for _, c := range s.consumers {
		sub, err := s.bus.Consume(c.queue, c.handler)
		if err != nil {
			return fmt.Errorf("consume %s: %w", c.queue, err)
		}
		c.sub = sub
		s.logger.Info().Str("queue", c.queue).Msg("consumer attached")
	}
	s.started = true
	go s.watchLoop()
	return nil
}

// Stop cancels every consumer and stops the watch loop. Dead consumers
// are not restarted once Stop has been called.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started || s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	subs := make([]transport.Subscription, 0, len(s.consumers))
	for _, c := range s.consumers {
		if c.sub != nil {
			subs = append(subs, c.sub)
		}
	}
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
	for _, sub := range subs {
		if err := sub.Cancel(); err != nil {
			s.logger.Error().Err(err).Msg("cancelling consumer")
		}
	}
}

// Restarts returns how many times a queue's consumer was revived.
func (s *Supervisor) Restarts(queue string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.consumers[queue]; ok {
		return c.restarts
	}
	return 0
}

func (s *Supervisor) watchLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reviveDead()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Supervisor) reviveDead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	for _, c := range s.consumers {
		if c.sub == nil {
			continue
		}
		select {
		case <-c.sub.Done():
		default:
			continue
		}

		s.logger.Warn().Str("queue", c.queue).Msg("consumer died, restarting")
		sub, err := s.bus.Consume(c.queue, c.handler)
		if err != nil {
			s.logger.Error().Err(err).Str("queue", c.queue).Msg("consumer restart failed")
			continue
		}
		c.sub = sub
		c.restarts++
	}
}
