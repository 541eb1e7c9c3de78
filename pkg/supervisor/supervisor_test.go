package supervisor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/dmcs/pkg/messages"
	"github.com/lsst-dm/dmcs/pkg/transport"
)

func body(msgType string) messages.Body {
	return messages.Body{messages.KeyMsgType: msgType}
}

func TestSupervisorDelivers(t *testing.T) {
	bus := transport.NewMemBus()
	defer bus.Close()

	var got atomic.Int32
	sup := New(bus)
	sup.CheckInterval = 10 * time.Millisecond
	sup.Register("ocs_dmcs_consume", func(messages.Body) { got.Add(1) })

	require.NoError(t, sup.Start())
	defer sup.Stop()

	require.NoError(t, bus.Publish("ocs_dmcs_consume", body("ENTER_CONTROL")))
	assert.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSupervisorRestartsDeadConsumer(t *testing.T) {
	bus := transport.NewMemBus()
	defer bus.Close()

	var got atomic.Int32
	sup := New(bus)
	sup.CheckInterval = 10 * time.Millisecond
	sup.Register("dmcs_ack_consume", func(messages.Body) { got.Add(1) })
	require.NoError(t, sup.Start())
	defer sup.Stop()

	// kill the consumer out from under the supervisor
	sup.mu.Lock()
	sub := sup.consumers["dmcs_ack_consume"].sub
	sup.mu.Unlock()
	require.NoError(t, sub.Cancel())

	assert.Eventually(t, func() bool {
		return sup.Restarts("dmcs_ack_consume") == 1
	}, time.Second, 5*time.Millisecond)

	// the revived consumer still delivers
	require.NoError(t, bus.Publish("dmcs_ack_consume", body("ACK")))
	assert.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSupervisorStopDoesNotRestart(t *testing.T) {
	bus := transport.NewMemBus()
	defer bus.Close()

	sup := New(bus)
	sup.CheckInterval = 10 * time.Millisecond
	sup.Register("dmcs_fault_consume", func(messages.Body) {})
	require.NoError(t, sup.Start())

	sup.Stop()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sup.Restarts("dmcs_fault_consume"))

	// idempotent
	sup.Stop()
}

func TestSingletonGuard(t *testing.T) {
	require.NoError(t, AcquireSingleton("DMCS"))
	assert.Error(t, AcquireSingleton("DMCS"))

	ReleaseSingleton("DMCS")
	assert.NoError(t, AcquireSingleton("DMCS"))
	ReleaseSingleton("DMCS")
}
