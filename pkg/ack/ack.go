package ack

import (
	"context"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/lsst-dm/dmcs/pkg/log"
	"github.com/lsst-dm/dmcs/pkg/messages"
	"github.com/lsst-dm/dmcs/pkg/metrics"
	"github.com/lsst-dm/dmcs/pkg/scoreboard"
)

// DefaultPollPeriod is the progressive-timer poll granularity.
const DefaultPollPeriod = 500 * time.Millisecond

// ackIDSuffix matches the timestamp-sequence tail of a timed ack id,
// e.g. "_2026-08-26_14_03_07-000012".
var ackIDSuffix = regexp.MustCompile(`_\d{4}-\d{2}-\d{2}_\d{2}_\d{2}_\d{2}-\d+$`)

// ackTypeOf strips the timestamp-sequence suffix from a timed ack id,
// leaving the ack type for metric labeling.
func ackTypeOf(ackID string) string {
	return ackIDSuffix.ReplaceAllString(ackID, "")
}

// Coordinator correlates outgoing request ids with incoming acks. It
// never blocks a consumer thread on anything finer than the poll
// period; waits are deadlines compared against the ack store.
type Coordinator struct {
	board      *scoreboard.AckScoreboard
	PollPeriod time.Duration
	logger     zerolog.Logger
}

// NewCoordinator builds a coordinator over the ack scoreboard.
func NewCoordinator(board *scoreboard.AckScoreboard) *Coordinator {
	return &Coordinator{
		board:      board,
		PollPeriod: DefaultPollPeriod,
		logger:     log.WithComponent("ack-coordinator"),
	}
}

// WaitForAcks is the progressive timer: poll the ack store every poll
// period and return the reply map as soon as it holds expected
// entries. On deadline expiry the map is returned only if the full
// quorum arrived; otherwise nil.
func (c *Coordinator) WaitForAcks(ctx context.Context, ackID string, expected int, timeout time.Duration) (map[string]messages.Body, error) {
	timer := metrics.NewTimer()
	defer func() { timer.ObserveAckWait(ackTypeOf(ackID)) }()
	deadline := time.Now().Add(timeout)

	for {
		replies, err := c.board.Components(ctx, ackID)
		if err != nil {
			return nil, err
		}
		if len(replies) >= expected {
			return replies, nil
		}
		if time.Now().After(deadline) {
			c.logger.Warn().
				Str("ack_id", ackID).
				Int("expected", expected).
				Int("received", len(replies)).
				Msg("progressive timer expired")
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.PollPeriod):
		}
	}
}
