package ack

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/dmcs/pkg/messages"
	"github.com/lsst-dm/dmcs/pkg/metrics"
	"github.com/lsst-dm/dmcs/pkg/scoreboard"
)

func newBoard(t *testing.T) *scoreboard.AckScoreboard {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := scoreboard.OpenRedis(context.Background(), mr.Addr(), 3)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return scoreboard.NewAckScoreboard(store)
}

func reply(component string) messages.Body {
	return messages.Body{
		messages.KeyMsgType:   "AT_FWDR_HEALTH_CHECK_ACK",
		messages.KeyComponent: component,
		messages.KeyAckBool:   true,
	}
}

func TestWaitForAcksEarlyReturn(t *testing.T) {
	ctx := context.Background()
	board := newBoard(t)
	coord := NewCoordinator(board)
	coord.PollPeriod = 10 * time.Millisecond

	const ackID = "hc_ack_1"

	go func() {
		time.Sleep(30 * time.Millisecond)
		board.Add(ctx, ackID, "fwdr_1", reply("fwdr_1"))
		board.Add(ctx, ackID, "fwdr_2", reply("fwdr_2"))
	}()

	start := time.Now()
	replies, err := coord.WaitForAcks(ctx, ackID, 2, 2*time.Second)
	require.NoError(t, err)

	// early return: well before the 2s deadline once the quorum is in
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.Len(t, replies, 2)
	assert.True(t, replies["fwdr_1"].Bool(messages.KeyAckBool))

	// each wait lands one observation in the duration histogram
	assert.Positive(t, testutil.CollectAndCount(metrics.AckWaitDuration))
}

func TestAckTypeOfStripsTimestampSuffix(t *testing.T) {
	assert.Equal(t, "AT_FWDR_HEALTH_CHECK_ACK",
		ackTypeOf("AT_FWDR_HEALTH_CHECK_ACK_2026-08-26_14_03_07-000012"))
	// ids without the timed suffix pass through unchanged
	assert.Equal(t, "hc_ack_1", ackTypeOf("hc_ack_1"))
}

func TestWaitForAcksTimeoutPartialQuorum(t *testing.T) {
	ctx := context.Background()
	board := newBoard(t)
	coord := NewCoordinator(board)
	coord.PollPeriod = 10 * time.Millisecond

	const ackID = "hc_ack_2"
	require.NoError(t, board.Add(ctx, ackID, "fwdr_1", reply("fwdr_1")))

	// one of two replies: the deadline yields nil, not the partial map
	replies, err := coord.WaitForAcks(ctx, ackID, 2, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, replies)
}

func TestWaitForAcksNoRepliesAtAll(t *testing.T) {
	ctx := context.Background()
	coord := NewCoordinator(newBoard(t))
	coord.PollPeriod = 10 * time.Millisecond

	replies, err := coord.WaitForAcks(ctx, "never_acked", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, replies)
}

func TestWaitForAcksContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	coord := NewCoordinator(newBoard(t))
	coord.PollPeriod = 10 * time.Millisecond

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := coord.WaitForAcks(ctx, "never_acked", 1, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSweeperMovesExpiredToMissing(t *testing.T) {
	ctx := context.Background()
	board := newBoard(t)

	var mu sync.Mutex
	var reported []string
	sweeper := NewSweeper(board, 20*time.Millisecond, func(ids []string) {
		mu.Lock()
		reported = append(reported, ids...)
		mu.Unlock()
	})

	// resolved: reply arrives before its deadline
	require.NoError(t, board.AddPending(ctx, "will_arrive", time.Now().Add(time.Minute)))
	require.NoError(t, board.Add(ctx, "will_arrive", "fwdr_1", reply("fwdr_1")))

	// missing: deadline already passed
	require.NoError(t, board.AddPending(ctx, "will_expire", time.Now().Add(-time.Second)))

	resolvedBefore := testutil.ToFloat64(metrics.AcksResolved)
	sweeper.Start()
	defer sweeper.Stop()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reported) == 1 && reported[0] == "will_expire"
	}, 2*time.Second, 10*time.Millisecond)

	missing, err := board.Missing(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"will_expire"}, missing)

	// the answered ack was counted as resolved
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AcksResolved)-resolvedBefore)

	n, err := board.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeperStopIsClean(t *testing.T) {
	sweeper := NewSweeper(newBoard(t), 10*time.Millisecond, nil)
	sweeper.Start()
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		sweeper.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
