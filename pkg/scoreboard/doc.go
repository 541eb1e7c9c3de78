/*
Package scoreboard persists every record the DMCS core owns: device
states, in-flight jobs, acknowledgements, pending-ack deadlines,
monotonic sequence counters, and the failed-ccd backlog.

Five typed scoreboards share one Store contract:

	┌────────────────────── SCOREBOARD LAYER ─────────────────────┐
	│                                                             │
	│  StateScoreboard     device state, cfg keys, sessions,      │
	│                      visits, FAULT_HISTORY                  │
	│  JobScoreboard       job lifecycle, raft/ccd decomposition, │
	│                      work schedules, results                │
	│  AckScoreboard       reply fan-in per ack id, PENDING_ACKS, │
	│                      MISSING_NONBLOCK_ACKS                  │
	│  SequenceScoreboard  session/job/ack/receipt counters       │
	│  BacklogScoreboard   failed CCDs per job                    │
	│                                                             │
	│  ──────────────────── Store contract ────────────────────   │
	│  HSet/HGet/HGetAll/HKeys/HDel  LPush/LRange                 │
	│  Set/Get  Incr/IncrBy  Exists/Del  Ping                     │
	│                                                             │
	│  RedisStore (one DB index per board)                        │
	│  BoltStore  (one bucket per board, embedded file)           │
	└─────────────────────────────────────────────────────────────┘

Every mutating call goes through a connection check that retries the
ping three times before surfacing ErrStoreUnavailable. Store
operations are atomic per command; multi-step read-modify-write
sequences are not transactional, so callers either tolerate racing
updates or funnel them through one goroutine.

Nested values (cfg key lists, work schedules, result sets, fault
records) are serialized as YAML text, which keeps the stored form
readable from redis-cli during commissioning.
*/
package scoreboard
