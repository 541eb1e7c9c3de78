// Package dmcs is the observatory-facing coordination core.
//
// The coordinator consumes the OCS command queue and holds every
// device to the standard lifecycle:
//
//	OFFLINE <---> STANDBY <---> DISABLE <---> ENABLE
//	                 \             |            /
//	                  \            v           /
//	                   +-------> FAULT <------+
//	                               |
//	                               | RESET_FROM_FAULT
//	                               v
//	                            OFFLINE
//
// A refused command is answered with a negative ack carrying the
// reason (-320 unreachable, -324 same state, bad configuration key).
// A successful transition acks positively and then emits the
// transition's events, summary state first.
//
// Entering control or returning to standby opens a fresh session and
// broadcasts it to every device foreman. Exposure traffic
// (START_INTEGRATION, END_READOUT, HEADER_READY) fans out to the
// enabled devices with fresh job numbers and parked non-blocking
// acks; the sweeper reports whatever never comes back. Readout acks
// carrying a result set complete the job and feed failed sensors into
// the backlog scoreboard.
package dmcs
