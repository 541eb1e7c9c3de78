package fault

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lsst-dm/dmcs/pkg/fsm"
	"github.com/lsst-dm/dmcs/pkg/log"
	"github.com/lsst-dm/dmcs/pkg/messages"
	"github.com/lsst-dm/dmcs/pkg/metrics"
	"github.com/lsst-dm/dmcs/pkg/scoreboard"
	"github.com/lsst-dm/dmcs/pkg/transport"
)

// Error codes emitted by the core. Four digits: leading 5 (DM), second
// digit the originator (2 DMCS, 3 archive device, 4 archive
// controller, 6 auxtel device, 7 forwarder), last two the cause.
const (
	CodeNoHealthCheckResponse = 5751
	CodeNoXferParamsResponse  = 5752
)

// Telemetry status codes.
const (
	StatusUsingDefaultArchiveDir = 4451
)

// Router classifies incoming FAULT reports: it appends them to the
// device's fault history, forces the device into FAULT, and re-emits
// the report to the OCS outbound queue.
type Router struct {
	bus            transport.Bus
	states         *scoreboard.StateScoreboard
	ocsQueue       string
	telemetryQueue string
	logger         zerolog.Logger
}

// NewRouter builds the fault router.
func NewRouter(bus transport.Bus, states *scoreboard.StateScoreboard, ocsQueue, telemetryQueue string) *Router {
	return &Router{
		bus:            bus,
		states:         states,
		ocsQueue:       ocsQueue,
		telemetryQueue: telemetryQueue,
		logger:         log.WithComponent("fault-router"),
	}
}

// Handle processes one FAULT report.
func (r *Router) Handle(ctx context.Context, fault messages.Body) error {
	device := fault.Device()
	code := fault.Int(messages.KeyErrorCode)
	r.logger.Error().
		Str("device", device).
		Str("origin", fault.Component()).
		Int("error_code", code).
		Str("description", fault.Str(messages.KeyDescription)).
		Msg("fault received")

	metrics.RecordFault(code)

	if err := r.states.AppendFault(ctx, device, fault); err != nil {
		return fmt.Errorf("append fault for %s: %w", device, err)
	}

	// Fault entry bypasses the transition matrix; it is accepted from
	// any non-fault state.
	current, err := r.states.DeviceState(ctx, device)
	if err != nil {
		return err
	}
	if fsm.CanEnterFault(fsm.State(current)) {
		if err := r.states.SetDeviceState(ctx, device, string(fsm.Fault)); err != nil {
			return fmt.Errorf("set %s to FAULT: %w", device, err)
		}
		if err := r.bus.Publish(r.ocsQueue, messages.NewSummaryStateEvent(device, string(fsm.Fault))); err != nil {
			return err
		}
		if err := r.bus.Publish(r.ocsQueue, messages.NewErrorCodeEvent(device, code)); err != nil {
			return err
		}
	}

	return r.bus.Publish(r.ocsQueue, fault)
}

// Telemetry routes a structured telemetry record to the telemetry queue.
func (r *Router) Telemetry(device string, statusCode int, description string) error {
	r.logger.Info().
		Str("device", device).
		Int("status_code", statusCode).
		Str("description", description).
		Msg("emitting telemetry")
	return r.bus.Publish(r.telemetryQueue, messages.NewTelemetry(device, statusCode, description))
}

// Reporter publishes FAULT reports onto the fault inbound queue. It is
// the handle orchestrators use; routing happens on the consumer side.
type Reporter struct {
	bus        transport.Bus
	faultQueue string
	component  string
}

// NewReporter builds a reporter for one component.
func NewReporter(bus transport.Bus, faultQueue, component string) *Reporter {
	return &Reporter{bus: bus, faultQueue: faultQueue, component: component}
}

// Report publishes a FAULT for a device.
func (p *Reporter) Report(device, faultType string, errorCode int, description string) error {
	return p.bus.Publish(p.faultQueue, messages.NewFault(p.component, device, faultType, errorCode, description))
}
