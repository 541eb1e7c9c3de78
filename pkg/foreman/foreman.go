package foreman

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lsst-dm/dmcs/pkg/ack"
	"github.com/lsst-dm/dmcs/pkg/fault"
	"github.com/lsst-dm/dmcs/pkg/log"
	"github.com/lsst-dm/dmcs/pkg/messages"
	"github.com/lsst-dm/dmcs/pkg/metrics"
	"github.com/lsst-dm/dmcs/pkg/scoreboard"
	"github.com/lsst-dm/dmcs/pkg/transport"
)

// Forwarder health states. A forwarder is UNKNOWN until it answers a
// health check, HEALTHY once it has, and RESPONSIVE after replying to
// a work message inside the same exposure.
const (
	FwdrUnknown    = "UNKNOWN"
	FwdrHealthy    = "HEALTHY"
	FwdrResponsive = "RESPONSIVE"
)

// Reply windows for each choreography step.
const (
	DefaultHealthCheckTimeout = 2 * time.Second
	DefaultArchiveTimeout     = 4 * time.Second
	DefaultXferParamsTimeout  = 30 * time.Second
	DefaultEndReadoutTimeout  = 30 * time.Second
	DefaultItemsXferdTimeout  = 8 * time.Second
)

// Config wires a device foreman to its queues and archive endpoint.
type Config struct {
	Device        string
	ComponentName string

	// AckQueue is the reply queue forwarders and the archive
	// controller answer on. DMCSAckQueue carries job acks upstream.
	AckQueue       string
	DMCSAckQueue   string
	ArchiveQueue   string
	FaultQueue     string
	TelemetryQueue string

	ArchiveLogin    string
	ArchiveIP       string
	ArchiveXferRoot string

	// Auxtel wavefront sensor content used when a start-integration
	// message carries no raft list of its own.
	WFSRaft string
	WFSCCDs []string

	HealthCheckTimeout time.Duration
	ArchiveTimeout     time.Duration
	XferParamsTimeout  time.Duration
	EndReadoutTimeout  time.Duration
	ItemsXferdTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ComponentName == "" {
		c.ComponentName = c.Device + "_FOREMAN"
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	if c.ArchiveTimeout == 0 {
		c.ArchiveTimeout = DefaultArchiveTimeout
	}
	if c.XferParamsTimeout == 0 {
		c.XferParamsTimeout = DefaultXferParamsTimeout
	}
	if c.EndReadoutTimeout == 0 {
		c.EndReadoutTimeout = DefaultEndReadoutTimeout
	}
	if c.ItemsXferdTimeout == 0 {
		c.ItemsXferdTimeout = DefaultItemsXferdTimeout
	}
	return c
}

// Boards groups the scoreboards a foreman writes to.
type Boards struct {
	Jobs *scoreboard.JobScoreboard
	Acks *scoreboard.AckScoreboard
	Seqs *scoreboard.SequenceScoreboard
}

type forwarder struct {
	fqn          string
	consumeQueue string
	state        string
}

// Foreman drives the exposure choreography for one device: health
// check the forwarders, negotiate an archive target, program transfer
// parameters, then relay readout and header traffic.
type Foreman struct {
	cfg    Config
	bus    transport.Bus
	jobs   *scoreboard.JobScoreboard
	acks   *scoreboard.AckScoreboard
	seqs   *scoreboard.SequenceScoreboard
	coord  *ack.Coordinator
	faults *fault.Reporter
	logger zerolog.Logger

	mu      sync.Mutex
	fwdrs   map[string]*forwarder
	session string

	actions map[string]func(context.Context, messages.Body) error
}

// New builds a foreman for one device.
func New(cfg Config, bus transport.Bus, boards Boards) *Foreman {
	cfg = cfg.withDefaults()
	f := &Foreman{
		cfg:    cfg,
		bus:    bus,
		jobs:   boards.Jobs,
		acks:   boards.Acks,
		seqs:   boards.Seqs,
		coord:  ack.NewCoordinator(boards.Acks),
		faults: fault.NewReporter(bus, cfg.FaultQueue, cfg.ComponentName),
		logger: log.WithComponent(cfg.ComponentName).With().Str("device", cfg.Device).Logger(),
		fwdrs:  make(map[string]*forwarder),
	}

	dev := cfg.Device
	f.actions = map[string]func(context.Context, messages.Body) error{
		messages.NewSessionType(dev):                       f.processNewSession,
		messages.StartIntType(dev):                         f.processStartIntegration,
		messages.DeviceEndReadoutType(dev):                 f.processEndReadout,
		messages.DeviceHeaderReadyType(dev):                f.processHeaderReady,
		messages.AckType(messages.HealthCheckType(dev)):    f.processHealthCheckAck,
		messages.AckType(messages.XferParamsType(dev)):     f.processAck,
		messages.AckType(messages.EndReadoutType(dev)):     f.processEndReadoutAck,
		messages.AckType(messages.HeaderReadyType(dev)):    f.processAck,
		messages.AckType(messages.NewArchiveItemType(dev)): f.processAck,
		messages.AckType(messages.ItemsXferdType(dev)):     f.processAck,
	}
	return f
}

// RegisterForwarder adds a forwarder to the pool in state UNKNOWN.
func (f *Foreman) RegisterForwarder(fqn, consumeQueue string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fwdrs[fqn] = &forwarder{fqn: fqn, consumeQueue: consumeQueue, state: FwdrUnknown}
}

// ForwarderStates returns the health state of every registered forwarder.
func (f *Foreman) ForwarderStates() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.fwdrs))
	for fqn, fw := range f.fwdrs {
		out[fqn] = fw.state
	}
	return out
}

// HandleMessage routes one inbound message to its action. Unroutable
// types are logged and dropped.
func (f *Foreman) HandleMessage(ctx context.Context, body messages.Body) error {
	action, ok := f.actions[body.Type()]
	if !ok {
		f.logger.Warn().Str("msg_type", body.Type()).Msg("no action for message type")
		return nil
	}
	return action(ctx, body)
}

// Handler adapts the foreman to a transport consumer callback.
func (f *Foreman) Handler() transport.Handler {
	return func(body messages.Body) {
		if err := f.HandleMessage(context.Background(), body); err != nil {
			f.logger.Error().Err(err).Str("msg_type", body.Type()).Msg("message handling failed")
		}
	}
}

func (f *Foreman) processNewSession(ctx context.Context, body messages.Body) error {
	f.mu.Lock()
	f.session = body.Str(messages.KeySessionID)
	f.mu.Unlock()
	f.logger.Info().Str("session_id", body.Str(messages.KeySessionID)).Msg("session set")

	reply := messages.Body{
		messages.KeyMsgType:   messages.AckType(body.Type()),
		messages.KeyAckID:     body.AckID(),
		messages.KeyAckBool:   true,
		messages.KeyComponent: f.cfg.ComponentName,
	}
	return f.bus.Publish(f.cfg.DMCSAckQueue, reply)
}

func (f *Foreman) processStartIntegration(ctx context.Context, body messages.Body) error {
	dev := f.cfg.Device
	jobNum := body.Str(messages.KeyJobNum)
	sessionID := body.Str(messages.KeySessionID)
	imageID := body.Str(messages.KeyImageID)
	f.logger.Info().Str("job_num", jobNum).Str("image_id", imageID).Msg("start integration received")

	rafts := body.StrSlice(messages.KeyRaftList)
	ccds := body.StrSlices(messages.KeyRaftCCDList)
	if len(rafts) == 0 && f.cfg.WFSRaft != "" {
		rafts = []string{f.cfg.WFSRaft}
		ccds = [][]string{f.cfg.WFSCCDs}
	}

	state, err := f.jobs.State(ctx, jobNum)
	if err != nil {
		return err
	}
	if state == "" {
		if err := f.jobs.AddJob(ctx, jobNum, dev, imageID, rafts, ccds); err != nil {
			return err
		}
	}
	if err := f.jobs.SetCurrentDeviceJob(ctx, dev, jobNum); err != nil {
		return err
	}
	if err := f.jobs.SetState(ctx, jobNum, scoreboard.JobHealthCheck); err != nil {
		return err
	}

	healthy, err := f.healthCheck(ctx)
	if err != nil {
		return err
	}
	if len(healthy) == 0 {
		f.logger.Error().Str("job_num", jobNum).Msg("no health check response from any fwdr")
		return f.faults.Report(dev, "FAULT", fault.CodeNoHealthCheckResponse, "No health check response from ANY fwdr")
	}

	targetDir, err := f.queryArchive(ctx, jobNum, sessionID, imageID)
	if err != nil {
		return err
	}
	if err := f.jobs.SetTargetDir(ctx, jobNum, targetDir); err != nil {
		return err
	}

	sched := DivideWork(healthy, rafts, ccds)
	if err := f.jobs.SetWorkSchedule(ctx, jobNum, sched); err != nil {
		return err
	}

	if err := f.sendXferParams(ctx, jobNum, sessionID, imageID, targetDir, sched); err != nil {
		return err
	}
	// a failed state read must not accept a possibly scrubbed job
	accepted, err := f.jobs.State(ctx, jobNum)
	if err != nil {
		return err
	}
	if accepted == scoreboard.JobScrubbed {
		return nil
	}

	accept := messages.Body{
		messages.KeyMsgType:   messages.StartIntAckType(dev),
		messages.KeyAckID:     body.AckID(),
		messages.KeyAckBool:   true,
		messages.KeyJobNum:    jobNum,
		messages.KeySessionID: sessionID,
		messages.KeyImageID:   imageID,
		messages.KeyComponent: f.cfg.ComponentName,
	}
	if err := f.bus.Publish(f.cfg.DMCSAckQueue, accept); err != nil {
		return err
	}
	return f.jobs.SetState(ctx, jobNum, scoreboard.JobAccepted)
}

// healthCheck fans a health check out to every registered forwarder
// and rides out the reply window. Returns the responders, sorted.
func (f *Foreman) healthCheck(ctx context.Context) ([]string, error) {
	dev := f.cfg.Device
	f.clearForwarderState()

	ackID, err := f.seqs.NextTimedAckID(ctx, messages.AckType(messages.HealthCheckType(dev)))
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	queues := make(map[string]string, len(f.fwdrs))
	for fqn, fw := range f.fwdrs {
		queues[fqn] = fw.consumeQueue
	}
	f.mu.Unlock()

	for _, queue := range queues {
		check := messages.Body{
			messages.KeyMsgType:    messages.HealthCheckType(dev),
			messages.KeyAckID:      ackID,
			messages.KeyReplyQueue: f.cfg.AckQueue,
		}
		if err := f.bus.Publish(queue, check); err != nil {
			return nil, err
		}
	}

	// A full quorum returns early; a partial one waits out the window
	// and whoever answered is the pool for this exposure.
	if _, err := f.coord.WaitForAcks(ctx, ackID, len(queues), f.cfg.HealthCheckTimeout); err != nil {
		return nil, err
	}
	replies, err := f.acks.Components(ctx, ackID)
	if err != nil {
		return nil, err
	}
	if err := f.acks.Clear(ctx, ackID); err != nil {
		return nil, err
	}

	var healthy []string
	f.mu.Lock()
	for component := range replies {
		if fw, ok := f.fwdrs[component]; ok {
			fw.state = FwdrHealthy
			healthy = append(healthy, component)
		}
	}
	f.mu.Unlock()
	sort.Strings(healthy)
	return healthy, nil
}

// queryArchive asks the archive controller for a transfer target. A
// silent controller is non-fatal: the configured transfer root is the
// fallback, announced over telemetry.
func (f *Foreman) queryArchive(ctx context.Context, jobNum, sessionID, imageID string) (string, error) {
	dev := f.cfg.Device
	ackID, err := f.seqs.NextTimedAckID(ctx, messages.AckType(messages.NewArchiveItemType(dev)))
	if err != nil {
		return "", err
	}

	if err := f.jobs.SetState(ctx, jobNum, scoreboard.JobNewItemQuery); err != nil {
		return "", err
	}
	query := messages.Body{
		messages.KeyMsgType:    messages.NewArchiveItemType(dev),
		messages.KeyAckID:      ackID,
		messages.KeyJobNum:     jobNum,
		messages.KeySessionID:  sessionID,
		messages.KeyImageID:    imageID,
		messages.KeyReplyQueue: f.cfg.AckQueue,
	}
	if err := f.bus.Publish(f.cfg.ArchiveQueue, query); err != nil {
		return "", err
	}

	replies, err := f.coord.WaitForAcks(ctx, ackID, 1, f.cfg.ArchiveTimeout)
	if err != nil {
		return "", err
	}
	if replies == nil {
		desc := fmt.Sprintf(
			"Non-Fatal Error - No NEW_%s_ARCHIVE_ITEM response from ArchiveCtrl. Using default Archive Dir location from CFG file: %s",
			dev, f.cfg.ArchiveXferRoot)
		f.logger.Error().Str("job_num", jobNum).Msg(desc)
		if err := f.bus.Publish(f.cfg.TelemetryQueue, messages.NewTelemetry(dev, fault.StatusUsingDefaultArchiveDir, desc)); err != nil {
			return "", err
		}
		return f.cfg.ArchiveXferRoot, nil
	}

	if err := f.jobs.SetState(ctx, jobNum, scoreboard.JobNewItemResponse); err != nil {
		return "", err
	}
	if err := f.acks.Clear(ctx, ackID); err != nil {
		return "", err
	}
	for _, reply := range replies {
		if dir := reply.Str(messages.KeyTargetDir); dir != "" {
			return dir, nil
		}
	}
	return f.cfg.ArchiveXferRoot, nil
}

// sendXferParams programs each scheduled forwarder with its share of
// the work and the transfer target. A missed reply window scrubs the
// job and raises a fault.
func (f *Foreman) sendXferParams(ctx context.Context, jobNum, sessionID, imageID, targetDir string, sched scoreboard.WorkSchedule) error {
	dev := f.cfg.Device
	ackID, err := f.seqs.NextTimedAckID(ctx, messages.AckType(messages.XferParamsType(dev)))
	if err != nil {
		return err
	}

	if err := f.jobs.SetState(ctx, jobNum, scoreboard.JobSendingXferParams); err != nil {
		return err
	}
	targetLocation := f.cfg.ArchiveLogin + "@" + f.cfg.ArchiveIP + ":" + targetDir
	f.clearForwarderState()
	for i, fqn := range sched.Forwarders {
		params := messages.NewXferParams(dev, sessionID, imageID, jobNum, ackID,
			f.cfg.AckQueue, targetLocation, fqn, sched.RaftLists[i], sched.CCDLists[i])
		if err := f.bus.Publish(f.forwarderQueue(fqn), params); err != nil {
			return err
		}
	}
	if err := f.jobs.SetState(ctx, jobNum, scoreboard.JobXferParamsSent); err != nil {
		return err
	}

	replies, err := f.coord.WaitForAcks(ctx, ackID, len(sched.Forwarders), f.cfg.XferParamsTimeout)
	if err != nil {
		return err
	}
	if replies == nil {
		f.logger.Error().Str("job_num", jobNum).Msg("no xfer_params response from fwdr")
		if err := f.faults.Report(dev, "FAULT", fault.CodeNoXferParamsResponse, "No xfer_params response from fwdr."); err != nil {
			return err
		}
		if err := f.jobs.SetState(ctx, jobNum, scoreboard.JobScrubbed); err != nil {
			return err
		}
		metrics.JobsScrubbed.Inc()
		return f.jobs.SetStatus(ctx, jobNum, scoreboard.StatusInactive)
	}
	return f.acks.Clear(ctx, ackID)
}

func (f *Foreman) processEndReadout(ctx context.Context, body messages.Body) error {
	dev := f.cfg.Device
	jobNum := body.Str(messages.KeyJobNum)

	healthy, err := f.healthCheck(ctx)
	if err != nil {
		return err
	}
	if len(healthy) == 0 {
		f.logger.Error().Str("job_num", jobNum).Msg("no health check response from any fwdr")
		return f.faults.Report(dev, "FAULT", fault.CodeNoHealthCheckResponse, "No health check response from ANY fwdr")
	}

	ackID, err := f.seqs.NextTimedAckID(ctx, messages.AckType(messages.EndReadoutType(dev)))
	if err != nil {
		return err
	}
	readout := messages.Body{
		messages.KeyMsgType:           messages.EndReadoutType(dev),
		messages.KeyJobNum:            jobNum,
		messages.KeySessionID:         body.Str(messages.KeySessionID),
		messages.KeyImageID:           body.Str(messages.KeyImageID),
		messages.KeyAckID:             ackID,
		messages.KeyReplyQueue:        f.cfg.AckQueue,
		messages.KeyImageSequenceName: body.Str(messages.KeyImageSequenceName),
		messages.KeyImagesInSequence:  body.Int(messages.KeyImagesInSequence),
		messages.KeyImageIndex:        body.Int(messages.KeyImageIndex),
	}
	if err := f.publishToScheduled(ctx, jobNum, healthy, readout); err != nil {
		return err
	}

	// Fire and forget. The sweeper flags the job if no result set
	// ever comes back.
	if err := f.acks.AddPending(ctx, ackID, time.Now().Add(f.cfg.EndReadoutTimeout)); err != nil {
		return err
	}
	return f.jobs.SetState(ctx, jobNum, scoreboard.JobReadout)
}

func (f *Foreman) processHeaderReady(ctx context.Context, body messages.Body) error {
	dev := f.cfg.Device

	healthy, err := f.healthCheck(ctx)
	if err != nil {
		return err
	}
	if len(healthy) == 0 {
		f.logger.Error().Msg("no health check response from any fwdr")
		return f.faults.Report(dev, "FAULT", fault.CodeNoHealthCheckResponse, "No health check response from ANY fwdr")
	}

	jobNum, err := f.jobs.CurrentDeviceJob(ctx, dev)
	if err != nil {
		return err
	}

	ackID, err := f.seqs.NextTimedAckID(ctx, messages.AckType(messages.HeaderReadyType(dev)))
	if err != nil {
		return err
	}
	header := messages.Body{
		messages.KeyMsgType:    messages.HeaderReadyType(dev),
		messages.KeyFilename:   body.Str(messages.KeyFilename),
		messages.KeyImageID:    body.Str(messages.KeyImageID),
		messages.KeyAckID:      ackID,
		messages.KeyReplyQueue: f.cfg.AckQueue,
	}
	if err := f.publishToScheduled(ctx, jobNum, healthy, header); err != nil {
		return err
	}
	if err := f.acks.AddPending(ctx, ackID, time.Now().Add(f.cfg.EndReadoutTimeout)); err != nil {
		return err
	}
	if jobNum == "" {
		return nil
	}
	return f.jobs.SetState(ctx, jobNum, scoreboard.JobHeaderReady)
}

// processEndReadoutAck records the forwarder's readout reply. A reply
// carrying a result set completes the readout: the results go to the
// job board, then to the archive controller for transfer confirmation,
// and only then upstream as the device readout ack carrying the
// archive's confirmed result list.
func (f *Foreman) processEndReadoutAck(ctx context.Context, body messages.Body) error {
	if err := f.processAck(ctx, body); err != nil {
		return err
	}
	resultSet := body.Map(messages.KeyResultSet)
	if resultSet == nil {
		return nil
	}

	dev := f.cfg.Device
	jobNum := body.Str(messages.KeyJobNum)
	if jobNum == "" {
		if jobNum, _ = f.jobs.CurrentDeviceJob(ctx, dev); jobNum == "" {
			return fmt.Errorf("readout ack with result set but no job")
		}
	}
	if err := f.jobs.SetResults(ctx, jobNum, resultSet); err != nil {
		return err
	}
	if err := f.jobs.SetState(ctx, jobNum, scoreboard.JobReadoutComplete); err != nil {
		return err
	}

	confirmed, err := f.confirmArchiveTransfer(ctx, jobNum, body.Str(messages.KeyImageID), resultSet)
	if err != nil {
		return err
	}

	upstream := messages.Body{
		messages.KeyMsgType:   messages.ReadoutAckType(dev),
		messages.KeyAckID:     body.AckID(),
		messages.KeyAckBool:   body.Bool(messages.KeyAckBool),
		messages.KeyJobNum:    jobNum,
		messages.KeyImageID:   body.Str(messages.KeyImageID),
		messages.KeyComponent: f.cfg.ComponentName,
		messages.KeyResultSet: resultSet,
	}
	if confirmed != nil {
		upstream[messages.KeyAckBool] = true
		upstream[messages.KeyResultList] = confirmed
	}
	return f.bus.Publish(f.cfg.DMCSAckQueue, upstream)
}

// confirmArchiveTransfer asks the archive controller to verify the
// transferred items and returns its confirmed result list.
// Confirmation completes the job; silence returns nil and leaves it
// in READOUT_COMPLETE for the operator.
func (f *Foreman) confirmArchiveTransfer(ctx context.Context, jobNum, imageID string, resultSet map[string]interface{}) (map[string]interface{}, error) {
	dev := f.cfg.Device
	ackID, err := f.seqs.NextTimedAckID(ctx, messages.AckType(messages.ItemsXferdType(dev)))
	if err != nil {
		return nil, err
	}
	confirm := messages.Body{
		messages.KeyMsgType:    messages.ItemsXferdType(dev),
		messages.KeyAckID:      ackID,
		messages.KeyImageID:    imageID,
		messages.KeyReplyQueue: f.cfg.AckQueue,
		messages.KeyResultSet:  resultSet,
	}
	if err := f.bus.Publish(f.cfg.ArchiveQueue, confirm); err != nil {
		return nil, err
	}

	replies, err := f.coord.WaitForAcks(ctx, ackID, 1, f.cfg.ItemsXferdTimeout)
	if err != nil {
		return nil, err
	}
	if replies == nil {
		f.logger.Warn().Str("job_num", jobNum).Msg("no items_xferd confirmation from ArchiveCtrl")
		return nil, nil
	}
	if err := f.acks.Clear(ctx, ackID); err != nil {
		return nil, err
	}
	if err := f.jobs.SetState(ctx, jobNum, scoreboard.JobComplete); err != nil {
		return nil, err
	}
	if err := f.jobs.SetStatus(ctx, jobNum, scoreboard.StatusComplete); err != nil {
		return nil, err
	}

	confirmed := resultSet
	for _, reply := range replies {
		if list := reply.Map(messages.KeyResultSet); list != nil {
			confirmed = list
		}
	}
	return confirmed, nil
}

func (f *Foreman) processHealthCheckAck(ctx context.Context, body messages.Body) error {
	f.markForwarder(body.Component(), FwdrHealthy)
	return f.acks.Add(ctx, body.AckID(), body.Component(), body)
}

// processAck persists any reply into the ack board and refreshes the
// forwarder fast path.
func (f *Foreman) processAck(ctx context.Context, body messages.Body) error {
	f.markForwarder(body.Component(), FwdrResponsive)
	return f.acks.Add(ctx, body.AckID(), body.Component(), body)
}

func (f *Foreman) publishToScheduled(ctx context.Context, jobNum string, fallback []string, body messages.Body) error {
	targets := fallback
	if jobNum != "" {
		sched, err := f.jobs.WorkSchedule(ctx, jobNum)
		if err != nil {
			return err
		}
		if len(sched.Forwarders) > 0 {
			targets = sched.Forwarders
		}
	}
	for _, fqn := range targets {
		if err := f.bus.Publish(f.forwarderQueue(fqn), body); err != nil {
			return err
		}
	}
	return nil
}

func (f *Foreman) forwarderQueue(fqn string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fw, ok := f.fwdrs[fqn]; ok {
		return fw.consumeQueue
	}
	return fqn
}

func (f *Foreman) markForwarder(fqn, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fw, ok := f.fwdrs[fqn]; ok {
		fw.state = state
	}
}

func (f *Foreman) clearForwarderState() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fw := range f.fwdrs {
		fw.state = FwdrUnknown
	}
}
