package fsm

import (
	"errors"
	"fmt"

	"github.com/lsst-dm/dmcs/pkg/messages"
)

// State is an OCS-standard device lifecycle state.
type State string

const (
	Offline State = "OFFLINE"
	Standby State = "STANDBY"
	Disable State = "DISABLE"
	Enable  State = "ENABLE"
	Fault   State = "FAULT"
)

// Negative ack codes returned for refused transitions.
const (
	AckCodeUnreachable = -320
	AckCodeSameState   = -324
)

var (
	// ErrInvalidTransition is an unreachable transition request (-320).
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrSameState is a same-state transition request (-324).
	ErrSameState = errors.New("already in requested state")

	// ErrUnknownCommand is a command with no target state.
	ErrUnknownCommand = errors.New("unknown state command")
)

// Valid reports whether s is one of the five lifecycle states.
func (s State) Valid() bool {
	switch s {
	case Offline, Standby, Disable, Enable, Fault:
		return true
	}
	return false
}

// transitions is the reachability matrix. FAULT is entered through
// EnterFault and left only through RESET_FROM_FAULT.
var transitions = map[State]map[State]bool{
	Offline: {Standby: true},
	Standby: {Offline: true, Disable: true, Fault: true},
	Disable: {Standby: true, Enable: true, Fault: true},
	Enable:  {Disable: true, Fault: true},
	Fault:   {Offline: true},
}

// nextState maps each OCS command to the state it lands in.
var nextState = map[string]State{
	messages.EnterControl:   Standby,
	messages.ExitControl:    Offline,
	messages.Start:          Disable,
	messages.Enable:         Enable,
	messages.Disable:        Disable,
	messages.Standby:        Standby,
	messages.SetValue:       Enable,
	messages.Abort:          Disable,
	messages.Stop:           Disable,
	messages.ResetFromFault: Offline,
}

// NextState returns the target state for an OCS command.
func NextState(command string) (State, error) {
	s, ok := nextState[command]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
	return s, nil
}

// CanTransition reports whether the matrix allows from -> to.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// Validate checks a requested transition. Same-state requests are
// refused before reachability so they report -324, not -320.
func Validate(from, to State) error {
	if from == to {
		return fmt.Errorf("%w: %s", ErrSameState, from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// AckCode maps a transition validation error to its OCS ack code.
// A nil error is code 0.
func AckCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrSameState):
		return AckCodeSameState
	default:
		return AckCodeUnreachable
	}
}

// CanEnterFault reports whether a device may enter FAULT. Fault entry
// bypasses the matrix: it is accepted from any non-fault state.
func CanEnterFault(from State) bool {
	return from != Fault && from != ""
}

// EventsFor returns the OCS event types emitted after a successful
// transition, in order. SUMMARY_STATE_EVENT always leads; START and
// ENTER_CONTROL add their settings events; a FAULT landing adds
// ERROR_CODE_EVENT.
func EventsFor(command string, to State) []string {
	events := []string{messages.SummaryStateEvent}
	switch command {
	case messages.Start:
		events = append(events, messages.SettingsAppliedEvent, messages.AppliedSettingsMatchStartEvent)
	case messages.EnterControl:
		events = append(events, messages.RecommendedSettingsVersionEvent)
	}
	if to == Fault {
		events = append(events, messages.ErrorCodeEvent)
	}
	return events
}
