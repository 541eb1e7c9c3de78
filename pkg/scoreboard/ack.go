package scoreboard

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lsst-dm/dmcs/pkg/log"
	"github.com/lsst-dm/dmcs/pkg/messages"
)

const (
	keyPendingAcks         = "PENDING_ACKS"
	keyMissingNonblockAcks = "MISSING_NONBLOCK_ACKS"
)

// AckScoreboard correlates outgoing request ids with incoming replies.
// Each ack id owns a hash keyed by replying component; fire-and-forget
// requests park a deadline in the pending map for the sweeper.
type AckScoreboard struct {
	store  Store
	logger zerolog.Logger
}

// NewAckScoreboard wraps a store with the ack-board schema.
func NewAckScoreboard(store Store) *AckScoreboard {
	return &AckScoreboard{
		store:  NewChecked(store),
		logger: log.WithComponent("ack-scoreboard"),
	}
}

// Add records one component's reply under an ack id. The first reply
// for a new ack id creates the row.
func (s *AckScoreboard) Add(ctx context.Context, ackID, component string, body messages.Body) error {
	encoded, err := encodeValue(map[string]interface{}(body))
	if err != nil {
		return err
	}
	return s.store.HSet(ctx, ackID, component, encoded)
}

// Components returns the replies received so far for an ack id, keyed
// by component name. Returns nil when no row exists.
func (s *AckScoreboard) Components(ctx context.Context, ackID string) (map[string]messages.Body, error) {
	exists, err := s.store.Exists(ctx, ackID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	raw, err := s.store.HGetAll(ctx, ackID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]messages.Body, len(raw))
	for component, encoded := range raw {
		var m map[string]interface{}
		if err := decodeValue(encoded, &m); err != nil {
			return nil, err
		}
		out[component] = messages.Body(m)
	}
	return out, nil
}

// AddPending parks an ack id with an absolute deadline for the sweeper.
func (s *AckScoreboard) AddPending(ctx context.Context, ackID string, deadline time.Time) error {
	return s.store.HSet(ctx, keyPendingAcks, ackID, deadline.UTC().Format(time.RFC3339Nano))
}

// ResolvePending sweeps the pending map. Ack ids whose reply arrived
// are dropped from the map; ids past their deadline without a reply
// are pushed to the missing list. Returns (resolved, missing).
func (s *AckScoreboard) ResolvePending(ctx context.Context, now time.Time) ([]string, []string, error) {
	pending, err := s.store.HGetAll(ctx, keyPendingAcks)
	if err != nil {
		return nil, nil, err
	}

	var resolved, missing []string
	for ackID, rawDeadline := range pending {
		arrived, err := s.store.Exists(ctx, ackID)
		if err != nil {
			return resolved, missing, err
		}
		if arrived {
			if err := s.store.HDel(ctx, keyPendingAcks, ackID); err != nil {
				return resolved, missing, err
			}
			resolved = append(resolved, ackID)
			continue
		}

		deadline, err := time.Parse(time.RFC3339Nano, rawDeadline)
		if err != nil {
			s.logger.Error().Str("ack_id", ackID).Str("deadline", rawDeadline).Msg("dropping pending ack with corrupt deadline")
			if err := s.store.HDel(ctx, keyPendingAcks, ackID); err != nil {
				return resolved, missing, err
			}
			continue
		}
		if now.After(deadline) {
			if err := s.store.LPush(ctx, keyMissingNonblockAcks, ackID); err != nil {
				return resolved, missing, err
			}
			if err := s.store.HDel(ctx, keyPendingAcks, ackID); err != nil {
				return resolved, missing, err
			}
			missing = append(missing, ackID)
		}
	}
	return resolved, missing, nil
}

// Missing returns the ack ids that expired without a reply, newest first.
func (s *AckScoreboard) Missing(ctx context.Context) ([]string, error) {
	return s.store.LRange(ctx, keyMissingNonblockAcks, 0, -1)
}

// PendingCount returns how many ack ids are awaiting the sweeper.
func (s *AckScoreboard) PendingCount(ctx context.Context) (int, error) {
	keys, err := s.store.HKeys(ctx, keyPendingAcks)
	return len(keys), err
}

// Clear deletes an ack row after the waiting step finished with it.
func (s *AckScoreboard) Clear(ctx context.Context, ackID string) error {
	return s.store.Del(ctx, ackID)
}
