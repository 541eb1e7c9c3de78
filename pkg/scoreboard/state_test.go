package scoreboard

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/dmcs/pkg/messages"
)

func newStateBoard(t *testing.T) *StateScoreboard {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := OpenRedis(context.Background(), mr.Addr(), 1)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewStateScoreboard(store)
}

func TestStateDeviceLifecycle(t *testing.T) {
	ctx := context.Background()
	board := newStateBoard(t)

	require.NoError(t, board.AddDevice(ctx, "AT", "at_foreman_consume", []string{"normal", "fast"}))
	require.NoError(t, board.AddDevice(ctx, "AR", "ar_foreman_consume", []string{"normal"}))

	devices, err := board.Devices(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"AT", "AR"}, devices)

	q, err := board.ConsumeQueue(ctx, "AT")
	require.NoError(t, err)
	assert.Equal(t, "at_foreman_consume", q)

	// default cfg key is index 0
	key, err := board.CfgKey(ctx, "AT")
	require.NoError(t, err)
	assert.Equal(t, "normal", key)

	ok, err := board.HasCfgKey(ctx, "AT", "fast")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = board.HasCfgKey(ctx, "AT", "bogus")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, board.SetDeviceState(ctx, "AT", "STANDBY"))
	require.NoError(t, board.SetDeviceState(ctx, "AR", "ENABLE"))

	st, err := board.DeviceState(ctx, "AT")
	require.NoError(t, err)
	assert.Equal(t, "STANDBY", st)

	enabled, err := board.DevicesByState(ctx, "ENABLE")
	require.NoError(t, err)
	assert.Equal(t, []string{"AR"}, enabled)
}

func TestStateFaultHistoryAppendOnly(t *testing.T) {
	ctx := context.Background()
	board := newStateBoard(t)
	require.NoError(t, board.AddDevice(ctx, "AT", "at_foreman_consume", []string{"normal"}))

	f1 := messages.NewFault("FOREMAN", "AT", "FAULT", 5751, "no health check response")
	f2 := messages.NewFault("FOREMAN", "AT", "FAULT", 5752, "no xfer params response")
	require.NoError(t, board.AppendFault(ctx, "AT", f1))
	require.NoError(t, board.AppendFault(ctx, "AT", f2))

	history, err := board.FaultHistory(ctx, "AT")
	require.NoError(t, err)
	require.Len(t, history, 2)
	// newest first
	assert.Equal(t, 5752, history[0].Int(messages.KeyErrorCode))
	assert.Equal(t, 5751, history[1].Int(messages.KeyErrorCode))
	assert.Equal(t, "no health check response", history[1].Str(messages.KeyDescription))
}

func TestStateSessionAndVisit(t *testing.T) {
	ctx := context.Background()
	board := newStateBoard(t)

	sid, err := board.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", sid)

	opened := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, board.SetCurrentSession(ctx, "Session_111", opened))
	require.NoError(t, board.SetCurrentSession(ctx, "Session_112", opened.Add(time.Hour)))

	sid, err = board.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Session_112", sid)

	require.NoError(t, board.SetVisit(ctx, "V1", 10.5, -42.0, 90.0))
	require.NoError(t, board.SetVisit(ctx, "V2", 11.0, -41.5, 0.0))

	visit, err := board.CurrentVisit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "V2", visit)

	ra, dec, angle, err := board.Boresight(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, 10.5, ra)
	assert.Equal(t, -42.0, dec)
	assert.Equal(t, 90.0, angle)

	_, _, _, err = board.Boresight(ctx, "V9")
	assert.Error(t, err)
}
