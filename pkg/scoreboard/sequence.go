package scoreboard

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lsst-dm/dmcs/pkg/log"
)

// Sequence counter keys.
const (
	keySessionSeq = "SESSION_SEQUENCE_NUM"
	keyJobSeq     = "JOB_SEQUENCE_NUM"
	keyAckSeq     = "ACK_SEQUENCE_NUM"
	keyReceiptSeq = "RECEIPT_SEQUENCE_NUM"
)

// Seed values for first use. The job seed adds the weekday so restarts
// on different days start from visibly different ranges.
const (
	sessionSeed = 100
	jobSeed     = 1000
	ackSeed     = 1
	receiptSeed = 100
)

// startupSkip tolerates persistence loss of the last few increments
// across a restart.
const startupSkip = 10

// SequenceScoreboard provides the monotonic generators for session
// ids, job numbers, ack ids, and receipt ids.
type SequenceScoreboard struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewSequenceScoreboard wraps a store with the sequence counters.
func NewSequenceScoreboard(store Store) *SequenceScoreboard {
	return &SequenceScoreboard{
		store:  NewChecked(store),
		logger: log.WithComponent("sequence-scoreboard"),
		now:    time.Now,
	}
}

// Init seeds absent counters and applies the startup skip to every
// counter. Call once at process start.
func (s *SequenceScoreboard) Init(ctx context.Context) error {
	seeds := map[string]int64{
		keySessionSeq: sessionSeed,
		keyJobSeq:     jobSeed + int64(s.now().Weekday()),
		keyAckSeq:     ackSeed,
		keyReceiptSeq: receiptSeed,
	}
	for key, seed := range seeds {
		exists, err := s.store.Exists(ctx, key)
		if err != nil {
			return fmt.Errorf("init counter %s: %w", key, err)
		}
		if !exists {
			if err := s.store.Set(ctx, key, fmt.Sprintf("%d", seed)); err != nil {
				return fmt.Errorf("seed counter %s: %w", key, err)
			}
		}
		if _, err := s.store.IncrBy(ctx, key, startupSkip); err != nil {
			return fmt.Errorf("skip counter %s: %w", key, err)
		}
	}
	return nil
}

// NextSessionID returns a fresh "Session_<N>" identifier.
func (s *SequenceScoreboard) NextSessionID(ctx context.Context) (string, error) {
	n, err := s.store.Incr(ctx, keySessionSeq)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Session_%d", n), nil
}

// NextJobNum returns a fresh "<session>_<jobseq>" job number.
func (s *SequenceScoreboard) NextJobNum(ctx context.Context, sessionID string) (string, error) {
	n, err := s.store.Incr(ctx, keyJobSeq)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%d", sessionID, n), nil
}

// NextTimedAckID returns a fresh "<TYPE>_<timestamp>-<seq>" ack id.
// Ids are unique and ordered within a process run.
func (s *SequenceScoreboard) NextTimedAckID(ctx context.Context, ackType string) (string, error) {
	n, err := s.store.Incr(ctx, keyAckSeq)
	if err != nil {
		return "", err
	}
	stamp := s.now().UTC().Format("2006-01-02_15_04_05")
	return fmt.Sprintf("%s_%s-%06d", ackType, stamp, n), nil
}

// NextReceipt returns a fresh receipt number.
func (s *SequenceScoreboard) NextReceipt(ctx context.Context) (int64, error) {
	return s.store.Incr(ctx, keyReceiptSeq)
}
