package ack

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lsst-dm/dmcs/pkg/log"
	"github.com/lsst-dm/dmcs/pkg/metrics"
	"github.com/lsst-dm/dmcs/pkg/scoreboard"
)

// DefaultSweepInterval is how often the pending map is visited.
const DefaultSweepInterval = time.Second

// Sweeper periodically resolves pending non-blocking acks: arrived ids
// leave the pending map, expired ids move to the missing list and are
// reported for fault classification.
type Sweeper struct {
	board     *scoreboard.AckScoreboard
	interval  time.Duration
	onMissing func(ackIDs []string)
	logger    zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper builds a sweeper. onMissing may be nil.
func NewSweeper(board *scoreboard.AckScoreboard, interval time.Duration, onMissing func([]string)) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		board:     board,
		interval:  interval,
		onMissing: onMissing,
		logger:    log.WithComponent("ack-sweeper"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	s.logger.Info().Dur("interval", s.interval).Msg("starting pending-ack sweeper")
	go s.run()
}

// Stop terminates the sweep loop and waits for it to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	resolved, missing, err := s.board.ResolvePending(ctx, time.Now())
	if err != nil {
		s.logger.Error().Err(err).Msg("pending-ack sweep failed")
		return
	}
	if len(resolved) > 0 {
		metrics.AcksResolved.Add(float64(len(resolved)))
		s.logger.Debug().Strs("ack_ids", resolved).Msg("pending acks resolved")
	}
	if len(missing) > 0 {
		s.logger.Warn().Strs("ack_ids", missing).Msg("pending acks expired without reply")
		if s.onMissing != nil {
			s.onMissing(missing)
		}
	}
}
