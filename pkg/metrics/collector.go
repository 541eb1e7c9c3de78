package metrics

import (
	"context"
	"time"

	"github.com/lsst-dm/dmcs/pkg/fsm"
	"github.com/lsst-dm/dmcs/pkg/scoreboard"
)

const collectInterval = 15 * time.Second

// Collector samples the scoreboards into gauges
type Collector struct {
	states  *scoreboard.StateScoreboard
	acks    *scoreboard.AckScoreboard
	backlog *scoreboard.BacklogScoreboard
	stopCh  chan struct{}
}

// NewCollector creates a new scoreboard collector
func NewCollector(states *scoreboard.StateScoreboard, acks *scoreboard.AckScoreboard, backlog *scoreboard.BacklogScoreboard) *Collector {
	return &Collector{
		states:  states,
		acks:    acks,
		backlog: backlog,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(collectInterval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.collectDeviceStates(ctx)
	c.collectAcks(ctx)
	c.collectBacklog(ctx)
}

func (c *Collector) collectDeviceStates(ctx context.Context) {
	for _, state := range []fsm.State{fsm.Offline, fsm.Standby, fsm.Disable, fsm.Enable, fsm.Fault} {
		devices, err := c.states.DevicesByState(ctx, string(state))
		if err != nil {
			return
		}
		DevicesByState.WithLabelValues(string(state)).Set(float64(len(devices)))
	}
}

func (c *Collector) collectAcks(ctx context.Context) {
	n, err := c.acks.PendingCount(ctx)
	if err != nil {
		return
	}
	AcksPending.Set(float64(n))
}

func (c *Collector) collectBacklog(ctx context.Context) {
	jobs, err := c.backlog.Jobs(ctx)
	if err != nil {
		return
	}
	total := 0
	for _, job := range jobs {
		ccds, err := c.backlog.FailedCCDs(ctx, job)
		if err != nil {
			return
		}
		total += len(ccds)
	}
	BacklogCCDs.Set(float64(total))
}
