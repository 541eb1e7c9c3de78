package scoreboard

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lsst-dm/dmcs/pkg/log"
)

const keyBacklogJobs = "BACKLOG_JOBS"

// BacklogScoreboard accumulates CCDs that failed readout, per job, for
// later recovery.
type BacklogScoreboard struct {
	store  Store
	logger zerolog.Logger
}

// NewBacklogScoreboard wraps a store with the backlog schema.
func NewBacklogScoreboard(store Store) *BacklogScoreboard {
	return &BacklogScoreboard{
		store:  NewChecked(store),
		logger: log.WithComponent("backlog-scoreboard"),
	}
}

// AddFailedCCDs appends failed CCD ids to a job's backlog entry.
func (s *BacklogScoreboard) AddFailedCCDs(ctx context.Context, jobNum string, ccds []string) error {
	if len(ccds) == 0 {
		return nil
	}
	s.logger.Warn().Str("job_num", jobNum).Strs("ccds", ccds).Msg("recording failed ccds in backlog")

	exists, err := s.store.Exists(ctx, jobNum)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.store.LPush(ctx, keyBacklogJobs, jobNum); err != nil {
			return err
		}
	}
	return s.store.LPush(ctx, jobNum, ccds...)
}

// NextFailedCCD pops one failed CCD from a job's backlog, blocking up
// to timeout. Returns "" when the backlog stays empty.
func (s *BacklogScoreboard) NextFailedCCD(ctx context.Context, jobNum string, timeout time.Duration) (string, error) {
	return s.store.BLPop(ctx, jobNum, timeout)
}

// FailedCCDs returns the failed CCDs recorded for a job.
func (s *BacklogScoreboard) FailedCCDs(ctx context.Context, jobNum string) ([]string, error) {
	return s.store.LRange(ctx, jobNum, 0, -1)
}

// Jobs returns every job with backlog entries, newest first.
func (s *BacklogScoreboard) Jobs(ctx context.Context) ([]string, error) {
	return s.store.LRange(ctx, keyBacklogJobs, 0, -1)
}

// Drainer is the recovery hook. The draining policy is not part of the
// core; deployments plug their own.
type Drainer interface {
	Drain(ctx context.Context, jobNum string, ccds []string) error
}
