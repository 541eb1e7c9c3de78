package dmcs

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/dmcs/pkg/fsm"
	"github.com/lsst-dm/dmcs/pkg/messages"
	"github.com/lsst-dm/dmcs/pkg/metrics"
	"github.com/lsst-dm/dmcs/pkg/scoreboard"
	"github.com/lsst-dm/dmcs/pkg/transport"
)

const ocsQueue = "dmcs_ocs_publish"

type rig struct {
	c      *Coordinator
	bus    *transport.MemBus
	boards Boards
}

func newRig(t *testing.T) *rig {
	t.Helper()
	mr := miniredis.RunT(t)
	openStore := func(db int) scoreboard.Store {
		store, err := scoreboard.OpenRedis(context.Background(), mr.Addr(), db)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	}

	bus := transport.NewMemBus()
	t.Cleanup(func() { bus.Close() })

	boards := Boards{
		States:  scoreboard.NewStateScoreboard(openStore(1)),
		Jobs:    scoreboard.NewJobScoreboard(openStore(2)),
		Acks:    scoreboard.NewAckScoreboard(openStore(3)),
		Seqs:    scoreboard.NewSequenceScoreboard(openStore(4)),
		Backlog: scoreboard.NewBacklogScoreboard(openStore(5)),
	}
	cfg := Config{OCSPublishQueue: ocsQueue, AckQueue: "dmcs_ack_consume"}
	c := New(cfg, bus, boards)

	require.NoError(t, boards.States.AddDevice(context.Background(), "AT", "at_foreman_consume", []string{"normal", "high_gain"}))
	return &rig{c: c, bus: bus, boards: boards}
}

func (r *rig) setState(t *testing.T, device, state string) {
	t.Helper()
	require.NoError(t, r.boards.States.SetDeviceState(context.Background(), device, state))
}

func command(cmd, device, ackID string) messages.Body {
	return messages.Body{
		messages.KeyMsgType: cmd,
		messages.KeyDevice:  device,
		messages.KeyAckID:   ackID,
		messages.KeyCmdID:   "cmd_1",
	}
}

func (r *rig) lastOfType(msgType string) messages.Body {
	var out messages.Body
	for _, msg := range r.bus.Sent(ocsQueue) {
		if msg.Type() == msgType {
			out = msg
		}
	}
	return out
}

func TestEnterControlOpensSession(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	require.NoError(t, r.c.HandleMessage(ctx, command(messages.EnterControl, "AT", "ack_1")))

	state, err := r.boards.States.DeviceState(ctx, "AT")
	require.NoError(t, err)
	assert.Equal(t, string(fsm.Standby), state)

	ack := r.lastOfType(messages.AckType(messages.EnterControl))
	require.NotNil(t, ack)
	assert.True(t, ack.Bool(messages.KeyAckBool))
	assert.Equal(t, "ack_1", ack.AckID())

	// summary state then recommended settings version
	sent := r.bus.Sent(ocsQueue)
	require.GreaterOrEqual(t, len(sent), 3)
	assert.Equal(t, messages.SummaryStateEvent, sent[1].Type())
	assert.Equal(t, string(fsm.Standby), sent[1].Str(messages.KeyCurrentState))
	assert.Equal(t, messages.RecommendedSettingsVersionEvent, sent[2].Type())

	// a fresh session was broadcast to the device with a parked ack
	session, err := r.boards.States.CurrentSession(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, session)

	fanout := r.bus.Sent("at_foreman_consume")
	require.Len(t, fanout, 1)
	assert.Equal(t, messages.NewSessionType("AT"), fanout[0].Type())
	assert.Equal(t, session, fanout[0].Str(messages.KeySessionID))

	n, err := r.boards.Acks.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStartEmitsSettingsEvents(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.setState(t, "AT", string(fsm.Standby))

	start := command(messages.Start, "AT", "ack_2")
	start[messages.KeyCfgKey] = "high_gain"
	require.NoError(t, r.c.HandleMessage(ctx, start))

	state, err := r.boards.States.DeviceState(ctx, "AT")
	require.NoError(t, err)
	assert.Equal(t, string(fsm.Disable), state)

	key, err := r.boards.States.CfgKey(ctx, "AT")
	require.NoError(t, err)
	assert.Equal(t, "high_gain", key)

	sent := r.bus.Sent(ocsQueue)
	require.Len(t, sent, 4)
	assert.Equal(t, messages.AckType(messages.Start), sent[0].Type())
	assert.Equal(t, messages.SummaryStateEvent, sent[1].Type())
	assert.Equal(t, messages.SettingsAppliedEvent, sent[2].Type())
	assert.Equal(t, messages.AppliedSettingsMatchStartEvent, sent[3].Type())
}

func TestStartWithBadCfgKey(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.setState(t, "AT", string(fsm.Standby))

	start := command(messages.Start, "AT", "ack_3")
	start[messages.KeyCfgKey] = "bogus"
	require.NoError(t, r.c.HandleMessage(ctx, start))

	ack := r.lastOfType(messages.AckType(messages.Start))
	require.NotNil(t, ack)
	assert.False(t, ack.Bool(messages.KeyAckBool))
	assert.Equal(t, "Bad CFG Key - remaining in STANDBY", ack.Str(messages.KeyAckStatement))

	state, err := r.boards.States.DeviceState(ctx, "AT")
	require.NoError(t, err)
	assert.Equal(t, string(fsm.Standby), state)
	assert.Len(t, r.bus.Sent(ocsQueue), 1)
}

func TestRefusedTransitions(t *testing.T) {
	tests := []struct {
		name          string
		current       fsm.State
		cmd           string
		wantStatement string
	}{
		{name: "same state", current: fsm.Enable, cmd: messages.Enable, wantStatement: "-324"},
		{name: "unreachable", current: fsm.Offline, cmd: messages.Enable, wantStatement: "-320"},
		{name: "set value outside enable", current: fsm.Disable, cmd: messages.SetValue, wantStatement: "-320"},
		{name: "reset without fault", current: fsm.Standby, cmd: messages.ResetFromFault, wantStatement: "-320"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			r := newRig(t)
			r.setState(t, "AT", string(tt.current))

			require.NoError(t, r.c.HandleMessage(ctx, command(tt.cmd, "AT", "ack_4")))

			sent := r.bus.Sent(ocsQueue)
			require.Len(t, sent, 1)
			assert.False(t, sent[0].Bool(messages.KeyAckBool))
			assert.Contains(t, sent[0].Str(messages.KeyAckStatement), tt.wantStatement)

			state, err := r.boards.States.DeviceState(ctx, "AT")
			require.NoError(t, err)
			assert.Equal(t, string(tt.current), state)
		})
	}
}

func TestSetValueInEnable(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.setState(t, "AT", string(fsm.Enable))

	set := command(messages.SetValue, "AT", "ack_5")
	set[messages.KeyValue] = 42
	require.NoError(t, r.c.HandleMessage(ctx, set))

	sent := r.bus.Sent(ocsQueue)
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Bool(messages.KeyAckBool))

	// no transition, no summary state event
	state, err := r.boards.States.DeviceState(ctx, "AT")
	require.NoError(t, err)
	assert.Equal(t, string(fsm.Enable), state)
}

func TestResetFromFault(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.setState(t, "AT", string(fsm.Fault))

	require.NoError(t, r.c.HandleMessage(ctx, command(messages.ResetFromFault, "AT", "ack_6")))

	state, err := r.boards.States.DeviceState(ctx, "AT")
	require.NoError(t, err)
	assert.Equal(t, string(fsm.Offline), state)

	sent := r.bus.Sent(ocsQueue)
	require.Len(t, sent, 2)
	assert.True(t, sent[0].Bool(messages.KeyAckBool))
	assert.Equal(t, messages.SummaryStateEvent, sent[1].Type())
	assert.Equal(t, string(fsm.Offline), sent[1].Str(messages.KeyCurrentState))
}

func TestStartIntegrationFanOut(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	require.NoError(t, r.boards.States.AddDevice(ctx, "AR", "ar_foreman_consume", []string{"normal"}))
	r.setState(t, "AT", string(fsm.Enable))
	r.setState(t, "AR", string(fsm.Enable))
	require.NoError(t, r.boards.States.SetCurrentSession(ctx, "Session_200", time.Now()))
	require.NoError(t, r.boards.States.SetVisit(ctx, "V_100", 12.5, -30.25, 0.1))

	start := messages.Body{
		messages.KeyMsgType:     messages.StartInt,
		messages.KeyImageID:     "IMG_7",
		messages.KeyRaftList:    []string{"raft01", "raft02"},
		messages.KeyRaftCCDList: [][]string{{"00"}, {"01"}},
	}
	dispatchedBefore := testutil.ToFloat64(metrics.JobsDispatched)
	require.NoError(t, r.c.HandleMessage(ctx, start))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.JobsDispatched)-dispatchedBefore)

	for _, queue := range []string{"at_foreman_consume", "ar_foreman_consume"} {
		sent := r.bus.Sent(queue)
		require.Len(t, sent, 1, queue)
		msg := sent[0]
		assert.Equal(t, "Session_200", msg.Str(messages.KeySessionID))
		assert.Equal(t, "IMG_7", msg.Str(messages.KeyImageID))
		assert.Equal(t, "V_100", msg.Str(messages.KeyVisitID))
		assert.Equal(t, []string{"raft01", "raft02"}, msg.StrSlice(messages.KeyRaftList))
		assert.NotEmpty(t, msg.Str(messages.KeyJobNum))

		jobNum := msg.Str(messages.KeyJobNum)
		state, err := r.boards.Jobs.State(ctx, jobNum)
		require.NoError(t, err)
		assert.Equal(t, scoreboard.JobDispatched, state)
	}

	// distinct job numbers, one parked ack per device
	atJob := r.bus.Sent("at_foreman_consume")[0].Str(messages.KeyJobNum)
	arJob := r.bus.Sent("ar_foreman_consume")[0].Str(messages.KeyJobNum)
	assert.NotEqual(t, atJob, arJob)

	n, err := r.boards.Acks.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEndReadoutRelay(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.setState(t, "AT", string(fsm.Enable))
	require.NoError(t, r.boards.States.SetCurrentSession(ctx, "Session_201", time.Now()))
	require.NoError(t, r.boards.Jobs.AddJob(ctx, "Session_201_5", "AT", "IMG_8", nil, nil))
	require.NoError(t, r.boards.Jobs.SetCurrentDeviceJob(ctx, "AT", "Session_201_5"))

	endReadout := messages.Body{
		messages.KeyMsgType:           messages.EndReadout,
		messages.KeyImageID:           "IMG_8",
		messages.KeyImageSequenceName: "seq_2",
		messages.KeyImagesInSequence:  5,
		messages.KeyImageIndex:        2,
	}
	require.NoError(t, r.c.HandleMessage(ctx, endReadout))

	sent := r.bus.Sent("at_foreman_consume")
	require.Len(t, sent, 1)
	assert.Equal(t, messages.DeviceEndReadoutType("AT"), sent[0].Type())
	assert.Equal(t, "Session_201_5", sent[0].Str(messages.KeyJobNum))
	assert.Equal(t, "seq_2", sent[0].Str(messages.KeyImageSequenceName))

	state, err := r.boards.Jobs.State(ctx, "Session_201_5")
	require.NoError(t, err)
	assert.Equal(t, scoreboard.JobReadout, state)
}

func TestReadoutResultsCompleteJobAndBacklog(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	require.NoError(t, r.boards.Jobs.AddJob(ctx, "Session_202_9", "AT", "IMG_9", nil, nil))

	ackBody := messages.Body{
		messages.KeyMsgType:   messages.ReadoutAckType("AT"),
		messages.KeyAckID:     "readout_ack_1",
		messages.KeyJobNum:    "Session_202_9",
		messages.KeyComponent: "AT_FOREMAN",
		messages.KeyAckBool:   true,
		messages.KeyResultSet: map[string]interface{}{
			"CCD_LIST":     []interface{}{"ccd00", "ccd01", "ccd02"},
			"RECEIPT_LIST": []interface{}{"receipt_1", "0", "-1"},
		},
	}
	require.NoError(t, r.c.HandleAck(ctx, ackBody))

	state, err := r.boards.Jobs.State(ctx, "Session_202_9")
	require.NoError(t, err)
	assert.Equal(t, scoreboard.JobComplete, state)
	status, err := r.boards.Jobs.Status(ctx, "Session_202_9")
	require.NoError(t, err)
	assert.Equal(t, scoreboard.StatusComplete, status)

	failed, err := r.boards.Backlog.FailedCCDs(ctx, "Session_202_9")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ccd01", "ccd02"}, failed)

	// the reply is also on the ack board
	replies, err := r.boards.Acks.Components(ctx, "readout_ack_1")
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Contains(t, replies, "AT_FOREMAN")
}

func TestNextVisitAndRequestAckID(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	visit := messages.Body{
		messages.KeyMsgType: messages.NextVisit,
		messages.KeyVisitID: "V_200",
		messages.KeyRA:      180.0,
		messages.KeyDec:     -45.5,
		messages.KeyAngle:   1.25,
	}
	require.NoError(t, r.c.HandleMessage(ctx, visit))

	current, err := r.boards.States.CurrentVisit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "V_200", current)
	ra, dec, angle, err := r.boards.States.Boresight(ctx, "V_200")
	require.NoError(t, err)
	assert.Equal(t, 180.0, ra)
	assert.Equal(t, -45.5, dec)
	assert.Equal(t, 1.25, angle)

	request := messages.Body{
		messages.KeyMsgType:    messages.RequestAckID,
		messages.KeyReplyQueue: "caller_queue",
	}
	require.NoError(t, r.c.HandleMessage(ctx, request))

	sent := r.bus.Sent("caller_queue")
	require.Len(t, sent, 1)
	assert.Equal(t, messages.ResponseAckID, sent[0].Type())
	assert.Contains(t, sent[0].AckID(), "DMCS_ACK_")
}
