package scoreboard

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lsst-dm/dmcs/pkg/log"
)

// Job lifecycle states.
const (
	JobNew               = "NEW"
	JobDispatched        = "DISPATCHED"
	JobHealthCheck       = "HEALTH_CHECK"
	JobNewItemQuery      = "AR_NEW_ITEM_QUERY"
	JobNewItemResponse   = "AR_NEW_ITEM_RESPONSE"
	JobSendingXferParams = "SENDING_XFER_PARAMS"
	JobXferParamsSent    = "XFER_PARAMS_SENT"
	JobAccepted          = "JOB_ACCEPTED"
	JobReadout           = "READOUT"
	JobHeaderReady       = "HEADER_READY"
	JobReadoutComplete   = "READOUT_COMPLETE"
	JobComplete          = "COMPLETE"
	JobScrubbed          = "SCRUBBED"
	JobRefused           = "JOB_REFUSED"
)

// Job statuses.
const (
	StatusActive   = "ACTIVE"
	StatusComplete = "COMPLETE"
	StatusInactive = "INACTIVE"
)

// Job hash fields.
const (
	fieldDevice       = "DEVICE"
	fieldImageID      = "IMAGE_ID"
	fieldVisitID      = "VISIT_ID"
	fieldStatus       = "STATUS"
	fieldRaftList     = "RAFT_LIST"
	fieldRaftCCDList  = "RAFT_CCD_LIST"
	fieldWorkSchedule = "WORK_SCHEDULE"
	fieldPairs        = "PAIRS"
	fieldResults      = "RESULTS"
	fieldTargetDir    = "TARGET_DIR"

	currentJobPrefix = "CURRENT_JOB:"
)

// WorkSchedule is the per-forwarder raft/ccd assignment for a job.
// Index i of each slice belongs to Forwarders[i].
type WorkSchedule struct {
	Forwarders []string     `yaml:"FORWARDERS"`
	RaftLists  [][]string   `yaml:"RAFT_LISTS"`
	CCDLists   [][][]string `yaml:"CCD_LISTS"`
}

// JobScoreboard tracks every in-flight and historical job.
type JobScoreboard struct {
	store  Store
	logger zerolog.Logger
}

// NewJobScoreboard wraps a store with the job-board schema.
func NewJobScoreboard(store Store) *JobScoreboard {
	return &JobScoreboard{
		store:  NewChecked(store),
		logger: log.WithComponent("job-scoreboard"),
	}
}

// AddJob creates a job record in state NEW, status ACTIVE.
func (s *JobScoreboard) AddJob(ctx context.Context, jobNum, device, imageID string, raftList []string, raftCCDList [][]string) error {
	s.logger.Info().Str("job_num", jobNum).Str("device", device).Str("image_id", imageID).Msg("adding job")

	fields := map[string]string{
		fieldDevice:  device,
		fieldImageID: imageID,
		fieldState:   JobNew,
		fieldStatus:  StatusActive,
	}
	for f, v := range fields {
		if err := s.store.HSet(ctx, jobNum, f, v); err != nil {
			return fmt.Errorf("add job %s: %w", jobNum, err)
		}
	}
	return s.SetRafts(ctx, jobNum, raftList, raftCCDList)
}

// SetState advances the job lifecycle state.
func (s *JobScoreboard) SetState(ctx context.Context, jobNum, state string) error {
	s.logger.Debug().Str("job_num", jobNum).Str("state", state).Msg("setting job state")
	return s.store.HSet(ctx, jobNum, fieldState, state)
}

// State returns the job lifecycle state.
func (s *JobScoreboard) State(ctx context.Context, jobNum string) (string, error) {
	return s.store.HGet(ctx, jobNum, fieldState)
}

// SetStatus sets the job status (ACTIVE, COMPLETE, INACTIVE).
func (s *JobScoreboard) SetStatus(ctx context.Context, jobNum, status string) error {
	return s.store.HSet(ctx, jobNum, fieldStatus, status)
}

// Status returns the job status.
func (s *JobScoreboard) Status(ctx context.Context, jobNum string) (string, error) {
	return s.store.HGet(ctx, jobNum, fieldStatus)
}

// Device returns the device that owns the job.
func (s *JobScoreboard) Device(ctx context.Context, jobNum string) (string, error) {
	return s.store.HGet(ctx, jobNum, fieldDevice)
}

// ImageID returns the job's image id.
func (s *JobScoreboard) ImageID(ctx context.Context, jobNum string) (string, error) {
	return s.store.HGet(ctx, jobNum, fieldImageID)
}

// SetVisit associates the job with a visit.
func (s *JobScoreboard) SetVisit(ctx context.Context, jobNum, visitID string) error {
	return s.store.HSet(ctx, jobNum, fieldVisitID, visitID)
}

// Visit returns the job's visit id.
func (s *JobScoreboard) Visit(ctx context.Context, jobNum string) (string, error) {
	return s.store.HGet(ctx, jobNum, fieldVisitID)
}

// SetTargetDir records the archive target directory chosen for the job.
func (s *JobScoreboard) SetTargetDir(ctx context.Context, jobNum, dir string) error {
	return s.store.HSet(ctx, jobNum, fieldTargetDir, dir)
}

// TargetDir returns the job's archive target directory.
func (s *JobScoreboard) TargetDir(ctx context.Context, jobNum string) (string, error) {
	return s.store.HGet(ctx, jobNum, fieldTargetDir)
}

// SetRafts records the job's full raft/ccd decomposition.
func (s *JobScoreboard) SetRafts(ctx context.Context, jobNum string, raftList []string, raftCCDList [][]string) error {
	rafts, err := encodeValue(raftList)
	if err != nil {
		return err
	}
	ccds, err := encodeValue(raftCCDList)
	if err != nil {
		return err
	}
	if err := s.store.HSet(ctx, jobNum, fieldRaftList, rafts); err != nil {
		return err
	}
	return s.store.HSet(ctx, jobNum, fieldRaftCCDList, ccds)
}

// Rafts returns the job's raft list and per-raft ccd lists.
func (s *JobScoreboard) Rafts(ctx context.Context, jobNum string) ([]string, [][]string, error) {
	rawRafts, err := s.store.HGet(ctx, jobNum, fieldRaftList)
	if err != nil {
		return nil, nil, err
	}
	rawCCDs, err := s.store.HGet(ctx, jobNum, fieldRaftCCDList)
	if err != nil {
		return nil, nil, err
	}
	var rafts []string
	var ccds [][]string
	if rawRafts != "" {
		if err := decodeValue(rawRafts, &rafts); err != nil {
			return nil, nil, err
		}
	}
	if rawCCDs != "" {
		if err := decodeValue(rawCCDs, &ccds); err != nil {
			return nil, nil, err
		}
	}
	return rafts, ccds, nil
}

// SetWorkSchedule records the forwarder assignment for the job.
func (s *JobScoreboard) SetWorkSchedule(ctx context.Context, jobNum string, sched WorkSchedule) error {
	encoded, err := encodeValue(sched)
	if err != nil {
		return err
	}
	return s.store.HSet(ctx, jobNum, fieldWorkSchedule, encoded)
}

// WorkSchedule returns the job's forwarder assignment.
func (s *JobScoreboard) WorkSchedule(ctx context.Context, jobNum string) (WorkSchedule, error) {
	var sched WorkSchedule
	raw, err := s.store.HGet(ctx, jobNum, fieldWorkSchedule)
	if err != nil || raw == "" {
		return sched, err
	}
	err = decodeValue(raw, &sched)
	return sched, err
}

// SetPairs records the raft-to-ccd pairing map.
func (s *JobScoreboard) SetPairs(ctx context.Context, jobNum string, pairs map[string][]string) error {
	encoded, err := encodeValue(pairs)
	if err != nil {
		return err
	}
	return s.store.HSet(ctx, jobNum, fieldPairs, encoded)
}

// Pairs returns the raft-to-ccd pairing map.
func (s *JobScoreboard) Pairs(ctx context.Context, jobNum string) (map[string][]string, error) {
	raw, err := s.store.HGet(ctx, jobNum, fieldPairs)
	if err != nil || raw == "" {
		return nil, err
	}
	var pairs map[string][]string
	if err := decodeValue(raw, &pairs); err != nil {
		return nil, err
	}
	return pairs, nil
}

// SetResults stores the per-ccd result set reported by the forwarders.
func (s *JobScoreboard) SetResults(ctx context.Context, jobNum string, results map[string]interface{}) error {
	encoded, err := encodeValue(results)
	if err != nil {
		return err
	}
	return s.store.HSet(ctx, jobNum, fieldResults, encoded)
}

// Results returns the job's result set, nil if none reported yet.
func (s *JobScoreboard) Results(ctx context.Context, jobNum string) (map[string]interface{}, error) {
	raw, err := s.store.HGet(ctx, jobNum, fieldResults)
	if err != nil || raw == "" {
		return nil, err
	}
	var results map[string]interface{}
	if err := decodeValue(raw, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// SetCurrentDeviceJob marks a job as the device's in-flight job.
func (s *JobScoreboard) SetCurrentDeviceJob(ctx context.Context, device, jobNum string) error {
	return s.store.Set(ctx, currentJobPrefix+device, jobNum)
}

// CurrentDeviceJob returns the device's in-flight job, "" if none.
func (s *JobScoreboard) CurrentDeviceJob(ctx context.Context, device string) (string, error) {
	return s.store.Get(ctx, currentJobPrefix+device)
}

// DeleteJob removes a job record.
func (s *JobScoreboard) DeleteJob(ctx context.Context, jobNum string) error {
	return s.store.Del(ctx, jobNum)
}
