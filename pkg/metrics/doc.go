/*
Package metrics provides Prometheus metrics collection and health
endpoints for the control system processes.

All metrics carry the dmcs_ prefix and register at package init on the
default registry:

	┌──────────────────── METRICS SYSTEM ─────────────────────┐
	│                                                          │
	│  Messaging        dmcs_messages_consumed_total{queue}    │
	│                   dmcs_messages_published_total{queue}   │
	│                   dmcs_protocol_rejects_total{msg_type}  │
	│                                                          │
	│  Devices          dmcs_devices_by_state{state}           │
	│                   dmcs_faults_total{error_code}          │
	│                                                          │
	│  Jobs             dmcs_jobs_dispatched_total             │
	│                   dmcs_jobs_scrubbed_total               │
	│                   dmcs_backlog_ccds                      │
	│                                                          │
	│  Acks             dmcs_acks_resolved_total               │
	│                   dmcs_acks_missing_total                │
	│                   dmcs_acks_pending                      │
	│                   dmcs_ack_wait_duration_seconds{type}   │
	│                                                          │
	└──────────────────────────────────────────────────────────┘

Counters increment at the call sites (transport, fault router,
coordinator). Gauges are sampled from the scoreboards by the
Collector every 15 seconds:

	collector := metrics.NewCollector(states, acks, backlog)
	collector.Start()
	defer collector.Stop()

# Endpoints

Handler serves the Prometheus exposition format. HealthHandler,
ReadyHandler, and LivenessHandler serve JSON health documents;
readiness requires the store, broker, and supervisor components to
have reported healthy:

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

# Timing

Timer measures ack-quorum waits for the wait histogram:

	timer := metrics.NewTimer()
	replies, err := coord.WaitForAcks(ctx, ackID, expected, window)
	timer.ObserveAckWait(ackType)
*/
package metrics
