// Package foreman drives the per-device exposure choreography between
// the control core, the forwarder pool, and the archive controller.
//
// One foreman serves one device. Its inbound queue carries control
// messages (new session, start integration, end readout, header
// ready) and its ack queue carries the replies the forwarders and the
// archive controller send back:
//
//	          START_INTEGRATION
//	                 |
//	                 v
//	   +-------------------------+     health check (2s window)
//	   |  forwarder health check |---> responders become this
//	   +-------------------------+     exposure's pool
//	                 |
//	                 v
//	   +-------------------------+     4s window; silence falls back
//	   |  archive item query     |---> to the configured transfer
//	   +-------------------------+     root (telemetry 4451)
//	                 |
//	                 v
//	   +-------------------------+     30s window; silence scrubs the
//	   |  transfer params fanout |---> job and raises fault 5752
//	   +-------------------------+
//	                 |
//	                 v
//	        job accepted upstream
//
// END_READOUT and HEADER_READY are relayed to the scheduled
// forwarders after a fresh health check. Their acks are fire and
// forget: a deadline is parked on the ack board and the sweeper flags
// replies that never arrive. A readout ack carrying a result set
// completes the readout, forwards the results upstream, and asks the
// archive controller to confirm the transferred items (8s window).
//
// Work is divided contiguously: a single forwarder owns every raft;
// with forwarders to spare each raft gets its own; otherwise each
// forwarder takes an equal share and the first absorbs the remainder.
package foreman
