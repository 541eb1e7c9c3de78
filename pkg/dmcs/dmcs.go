package dmcs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lsst-dm/dmcs/pkg/fsm"
	"github.com/lsst-dm/dmcs/pkg/log"
	"github.com/lsst-dm/dmcs/pkg/messages"
	"github.com/lsst-dm/dmcs/pkg/metrics"
	"github.com/lsst-dm/dmcs/pkg/scoreboard"
	"github.com/lsst-dm/dmcs/pkg/transport"
)

// Reply windows for fire-and-forget fan-outs.
const (
	DefaultNewSessionAckWindow = 3 * time.Second
	DefaultStartIntAckWindow   = 5 * time.Second
	DefaultRelayAckWindow      = 30 * time.Second
)

// Config wires the coordinator to its queues.
type Config struct {
	OCSPublishQueue string
	AckQueue        string

	NewSessionAckWindow time.Duration
	StartIntAckWindow   time.Duration
	RelayAckWindow      time.Duration
}

func (c Config) withDefaults() Config {
	if c.NewSessionAckWindow == 0 {
		c.NewSessionAckWindow = DefaultNewSessionAckWindow
	}
	if c.StartIntAckWindow == 0 {
		c.StartIntAckWindow = DefaultStartIntAckWindow
	}
	if c.RelayAckWindow == 0 {
		c.RelayAckWindow = DefaultRelayAckWindow
	}
	return c
}

// Boards groups the scoreboards the coordinator writes to.
type Boards struct {
	States  *scoreboard.StateScoreboard
	Jobs    *scoreboard.JobScoreboard
	Acks    *scoreboard.AckScoreboard
	Seqs    *scoreboard.SequenceScoreboard
	Backlog *scoreboard.BacklogScoreboard
}

// Coordinator is the observatory-facing core: it holds every device to
// the lifecycle state machine, answers OCS commands with acks and
// events, and fans exposure traffic out to the device foremen.
type Coordinator struct {
	cfg     Config
	bus     transport.Bus
	states  *scoreboard.StateScoreboard
	jobs    *scoreboard.JobScoreboard
	acks    *scoreboard.AckScoreboard
	seqs    *scoreboard.SequenceScoreboard
	backlog *scoreboard.BacklogScoreboard
	logger  zerolog.Logger

	actions map[string]func(context.Context, messages.Body) error
}

// New builds the coordinator.
func New(cfg Config, bus transport.Bus, boards Boards) *Coordinator {
	c := &Coordinator{
		cfg:     cfg.withDefaults(),
		bus:     bus,
		states:  boards.States,
		jobs:    boards.Jobs,
		acks:    boards.Acks,
		seqs:    boards.Seqs,
		backlog: boards.Backlog,
		logger:  log.WithComponent("dmcs"),
	}

	c.actions = map[string]func(context.Context, messages.Body) error{
		messages.NextVisit:    c.processNextVisit,
		messages.RequestAckID: c.processRequestAckID,
		messages.StartInt:     c.processStartIntegration,
		messages.EndReadout:   c.processEndReadout,
		messages.HeaderReady:  c.processHeaderReady,
	}
	for _, cmd := range []string{
		messages.EnterControl, messages.ExitControl, messages.Start,
		messages.Enable, messages.Disable, messages.Standby,
		messages.SetValue, messages.Abort, messages.Stop,
		messages.ResetFromFault,
	} {
		cmd := cmd
		c.actions[cmd] = func(ctx context.Context, body messages.Body) error {
			return c.processCommand(ctx, cmd, body)
		}
	}
	return c
}

// HandleMessage routes one inbound OCS message. Unroutable types are
// logged and dropped.
func (c *Coordinator) HandleMessage(ctx context.Context, body messages.Body) error {
	action, ok := c.actions[body.Type()]
	if !ok {
		c.logger.Warn().Str("msg_type", body.Type()).Msg("no action for message type")
		return nil
	}
	return action(ctx, body)
}

// Handler adapts the coordinator to the OCS consume queue.
func (c *Coordinator) Handler() transport.Handler {
	return func(body messages.Body) {
		if err := c.HandleMessage(context.Background(), body); err != nil {
			c.logger.Error().Err(err).Str("msg_type", body.Type()).Str("device", body.Device()).Msg("message handling failed")
		}
	}
}

// AckHandler adapts HandleAck to the ack consume queue.
func (c *Coordinator) AckHandler() transport.Handler {
	return func(body messages.Body) {
		if err := c.HandleAck(context.Background(), body); err != nil {
			c.logger.Error().Err(err).Str("msg_type", body.Type()).Msg("ack handling failed")
		}
	}
}

// processCommand validates an OCS state command against the device's
// current state and either refuses it with a negative ack or performs
// the transition, acks, and emits the transition's events.
func (c *Coordinator) processCommand(ctx context.Context, cmd string, body messages.Body) error {
	device := body.Device()
	ackID := body.AckID()
	cmdID := body.Str(messages.KeyCmdID)

	raw, err := c.states.DeviceState(ctx, device)
	if err != nil {
		return err
	}
	current := fsm.State(raw)
	if current == "" {
		current = fsm.Offline
	}
	c.logger.Info().Str("device", device).Str("command", cmd).Str("current_state", string(current)).Msg("command received")

	target, err := fsm.NextState(cmd)
	if err != nil {
		return c.refuse(cmd, device, ackID, cmdID, fmt.Sprintf("unknown command %s", cmd))
	}

	switch cmd {
	case messages.SetValue:
		// legal only while enabled; no transition, no events
		if current != fsm.Enable {
			return c.refuse(cmd, device, ackID, cmdID,
				fmt.Sprintf("%d: SET_VALUE only legal in ENABLE, device is %s", fsm.AckCodeUnreachable, current))
		}
		return c.bus.Publish(c.cfg.OCSPublishQueue,
			messages.NewCommandAck(cmd, device, ackID, cmdID, true, "Done: OK"))

	case messages.ResetFromFault:
		if current != fsm.Fault {
			return c.refuse(cmd, device, ackID, cmdID,
				fmt.Sprintf("%d: device is %s, not FAULT", fsm.AckCodeUnreachable, current))
		}

	case messages.Start:
		if key := body.Str(messages.KeyCfgKey); key != "" {
			known, err := c.states.HasCfgKey(ctx, device, key)
			if err != nil {
				return err
			}
			if !known {
				return c.refuse(cmd, device, ackID, cmdID, "Bad CFG Key - remaining in STANDBY")
			}
			if err := c.states.SetCfgKey(ctx, device, key); err != nil {
				return err
			}
		}
	}

	if err := fsm.Validate(current, target); err != nil {
		return c.refuse(cmd, device, ackID, cmdID,
			fmt.Sprintf("%d: %v", fsm.AckCode(err), err))
	}

	if err := c.states.SetDeviceState(ctx, device, string(target)); err != nil {
		return err
	}
	if err := c.bus.Publish(c.cfg.OCSPublishQueue,
		messages.NewCommandAck(cmd, device, ackID, cmdID, true, "Done: OK")); err != nil {
		return err
	}
	for _, event := range fsm.EventsFor(cmd, target) {
		var msg messages.Body
		switch event {
		case messages.SummaryStateEvent:
			msg = messages.NewSummaryStateEvent(device, string(target))
		default:
			msg = messages.NewEvent(event, device)
		}
		if err := c.bus.Publish(c.cfg.OCSPublishQueue, msg); err != nil {
			return err
		}
	}

	// entering control or returning to standby opens a fresh session
	if cmd == messages.EnterControl || cmd == messages.Standby {
		return c.openSession(ctx)
	}
	return nil
}

func (c *Coordinator) refuse(cmd, device, ackID, cmdID, statement string) error {
	c.logger.Warn().Str("device", device).Str("command", cmd).Str("statement", statement).Msg("command refused")
	return c.bus.Publish(c.cfg.OCSPublishQueue,
		messages.NewCommandAck(cmd, device, ackID, cmdID, false, statement))
}

// openSession mints a session id and pushes it to every registered
// device with a parked non-blocking ack.
func (c *Coordinator) openSession(ctx context.Context) error {
	sessionID, err := c.seqs.NextSessionID(ctx)
	if err != nil {
		return err
	}
	if err := c.states.SetCurrentSession(ctx, sessionID, time.Now()); err != nil {
		return err
	}
	c.logger.Info().Str("session_id", sessionID).Msg("session opened")

	ackID, err := c.seqs.NextTimedAckID(ctx, messages.AckType(messages.NewSession))
	if err != nil {
		return err
	}
	devices, err := c.states.Devices(ctx)
	if err != nil {
		return err
	}
	for _, dev := range devices {
		queue, err := c.states.ConsumeQueue(ctx, dev)
		if err != nil {
			return err
		}
		msg := messages.Body{
			messages.KeyMsgType:    messages.NewSessionType(dev),
			messages.KeySessionID:  sessionID,
			messages.KeyAckID:      ackID,
			messages.KeyReplyQueue: c.cfg.AckQueue,
		}
		if err := c.bus.Publish(queue, msg); err != nil {
			return err
		}
	}
	return c.acks.AddPending(ctx, ackID, time.Now().Add(c.cfg.NewSessionAckWindow))
}

// processStartIntegration dispatches a new job to every enabled device.
func (c *Coordinator) processStartIntegration(ctx context.Context, body messages.Body) error {
	imageID := body.Str(messages.KeyImageID)
	sessionID, err := c.states.CurrentSession(ctx)
	if err != nil {
		return err
	}
	visitID, err := c.states.CurrentVisit(ctx)
	if err != nil {
		return err
	}
	rafts := body.StrSlice(messages.KeyRaftList)
	ccds := body.StrSlices(messages.KeyRaftCCDList)

	enabled, err := c.states.DevicesByState(ctx, string(fsm.Enable))
	if err != nil {
		return err
	}
	for _, dev := range enabled {
		jobNum, err := c.seqs.NextJobNum(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := c.jobs.AddJob(ctx, jobNum, dev, imageID, rafts, ccds); err != nil {
			return err
		}
		if err := c.jobs.SetState(ctx, jobNum, scoreboard.JobDispatched); err != nil {
			return err
		}
		if err := c.jobs.SetCurrentDeviceJob(ctx, dev, jobNum); err != nil {
			return err
		}
		if visitID != "" {
			if err := c.jobs.SetVisit(ctx, jobNum, visitID); err != nil {
				return err
			}
		}

		ackID, err := c.seqs.NextTimedAckID(ctx, messages.StartIntAckType(dev))
		if err != nil {
			return err
		}
		queue, err := c.states.ConsumeQueue(ctx, dev)
		if err != nil {
			return err
		}
		msg := messages.Body{
			messages.KeyMsgType:     messages.StartIntType(dev),
			messages.KeyJobNum:      jobNum,
			messages.KeySessionID:   sessionID,
			messages.KeyImageID:     imageID,
			messages.KeyAckID:       ackID,
			messages.KeyReplyQueue:  c.cfg.AckQueue,
			messages.KeyRaftList:    rafts,
			messages.KeyRaftCCDList: ccds,
		}
		if visitID != "" {
			msg[messages.KeyVisitID] = visitID
		}
		if err := c.bus.Publish(queue, msg); err != nil {
			return err
		}
		if err := c.acks.AddPending(ctx, ackID, time.Now().Add(c.cfg.StartIntAckWindow)); err != nil {
			return err
		}
		metrics.JobsDispatched.Inc()
		c.logger.Info().Str("device", dev).Str("job_num", jobNum).Str("image_id", imageID).Msg("job dispatched")
	}
	return nil
}

// processEndReadout relays the readout to every enabled device's
// in-flight job.
func (c *Coordinator) processEndReadout(ctx context.Context, body messages.Body) error {
	sessionID, err := c.states.CurrentSession(ctx)
	if err != nil {
		return err
	}
	enabled, err := c.states.DevicesByState(ctx, string(fsm.Enable))
	if err != nil {
		return err
	}
	for _, dev := range enabled {
		jobNum, err := c.jobs.CurrentDeviceJob(ctx, dev)
		if err != nil {
			return err
		}
		ackID, err := c.seqs.NextTimedAckID(ctx, messages.AckType(messages.DeviceEndReadoutType(dev)))
		if err != nil {
			return err
		}
		queue, err := c.states.ConsumeQueue(ctx, dev)
		if err != nil {
			return err
		}
		msg := messages.Body{
			messages.KeyMsgType:           messages.DeviceEndReadoutType(dev),
			messages.KeyJobNum:            jobNum,
			messages.KeySessionID:         sessionID,
			messages.KeyImageID:           body.Str(messages.KeyImageID),
			messages.KeyAckID:             ackID,
			messages.KeyReplyQueue:        c.cfg.AckQueue,
			messages.KeyImageSequenceName: body.Str(messages.KeyImageSequenceName),
			messages.KeyImagesInSequence:  body.Int(messages.KeyImagesInSequence),
			messages.KeyImageIndex:        body.Int(messages.KeyImageIndex),
		}
		if err := c.bus.Publish(queue, msg); err != nil {
			return err
		}
		if err := c.acks.AddPending(ctx, ackID, time.Now().Add(c.cfg.RelayAckWindow)); err != nil {
			return err
		}
		if jobNum != "" {
			if err := c.jobs.SetState(ctx, jobNum, scoreboard.JobReadout); err != nil {
				return err
			}
		}
	}
	return nil
}

// processHeaderReady relays the header location to every enabled device.
func (c *Coordinator) processHeaderReady(ctx context.Context, body messages.Body) error {
	enabled, err := c.states.DevicesByState(ctx, string(fsm.Enable))
	if err != nil {
		return err
	}
	for _, dev := range enabled {
		ackID, err := c.seqs.NextTimedAckID(ctx, messages.AckType(messages.DeviceHeaderReadyType(dev)))
		if err != nil {
			return err
		}
		queue, err := c.states.ConsumeQueue(ctx, dev)
		if err != nil {
			return err
		}
		msg := messages.Body{
			messages.KeyMsgType:    messages.DeviceHeaderReadyType(dev),
			messages.KeyFilename:   body.Str(messages.KeyFilename),
			messages.KeyImageID:    body.Str(messages.KeyImageID),
			messages.KeyAckID:      ackID,
			messages.KeyReplyQueue: c.cfg.AckQueue,
		}
		if err := c.bus.Publish(queue, msg); err != nil {
			return err
		}
		if err := c.acks.AddPending(ctx, ackID, time.Now().Add(c.cfg.RelayAckWindow)); err != nil {
			return err
		}

		jobNum, err := c.jobs.CurrentDeviceJob(ctx, dev)
		if err != nil {
			return err
		}
		if jobNum != "" {
			if err := c.jobs.SetState(ctx, jobNum, scoreboard.JobHeaderReady); err != nil {
				return err
			}
		}
	}
	return nil
}

// processNextVisit records the upcoming visit and its boresight.
func (c *Coordinator) processNextVisit(ctx context.Context, body messages.Body) error {
	visitID := body.Str(messages.KeyVisitID)
	c.logger.Info().Str("visit_id", visitID).Msg("next visit")
	return c.states.SetVisit(ctx, visitID,
		body.Float(messages.KeyRA),
		body.Float(messages.KeyDec),
		body.Float(messages.KeyAngle))
}

// processRequestAckID serves a fresh ack id to whoever asked.
func (c *Coordinator) processRequestAckID(ctx context.Context, body messages.Body) error {
	replyQueue := body.Str(messages.KeyReplyQueue)
	if replyQueue == "" {
		return fmt.Errorf("REQUEST_ACK_ID without a reply queue")
	}
	ackID, err := c.seqs.NextTimedAckID(ctx, "DMCS_ACK")
	if err != nil {
		return err
	}
	return c.bus.Publish(replyQueue, messages.Body{
		messages.KeyMsgType: messages.ResponseAckID,
		messages.KeyAckID:   ackID,
	})
}

// HandleAck records a device reply. Every ack lands in the ack board;
// readout acks carrying a result set additionally complete the job and
// feed failed sensors into the backlog.
func (c *Coordinator) HandleAck(ctx context.Context, body messages.Body) error {
	if err := c.acks.Add(ctx, body.AckID(), body.Component(), body); err != nil {
		return err
	}
	if strings.HasSuffix(body.Type(), "_READOUT_ACK") {
		if resultSet := body.Map(messages.KeyResultSet); resultSet != nil {
			return c.processReadoutResults(ctx, body, resultSet)
		}
	}
	return nil
}

// processReadoutResults completes the job and books failed sensors. A
// receipt of 0 or -1 marks the paired sensor as failed.
func (c *Coordinator) processReadoutResults(ctx context.Context, body messages.Body, resultSet map[string]interface{}) error {
	jobNum := body.Str(messages.KeyJobNum)
	if jobNum == "" {
		return fmt.Errorf("readout result set without a job number")
	}
	if err := c.jobs.SetResults(ctx, jobNum, resultSet); err != nil {
		return err
	}
	if err := c.jobs.SetState(ctx, jobNum, scoreboard.JobComplete); err != nil {
		return err
	}
	if err := c.jobs.SetStatus(ctx, jobNum, scoreboard.StatusComplete); err != nil {
		return err
	}

	set := messages.Body(resultSet)
	ccds := set.StrSlice(messages.KeyCCDList)
	receipts := set.StrSlice(messages.KeyReceiptList)
	var failed []string
	for i, receipt := range receipts {
		if i >= len(ccds) {
			break
		}
		if receipt == "0" || receipt == "-1" {
			failed = append(failed, ccds[i])
		}
	}
	if len(failed) > 0 {
		c.logger.Warn().Str("job_num", jobNum).Strs("ccds", failed).Msg("failed sensors sent to backlog")
		return c.backlog.AddFailedCCDs(ctx, jobNum, failed)
	}
	return nil
}
