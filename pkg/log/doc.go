/*
Package log provides structured logging for DMCS using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and an optional
rotating file sink. All logs include timestamps and support filtering by
severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │            Global Logger                   │           │
	│  │  - Zerolog instance                        │           │
	│  │  - Initialized via log.Init()              │           │
	│  │  - Thread-safe for concurrent use          │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │           Configuration                    │           │
	│  │  - Level: debug/info/warn/error            │           │
	│  │  - Format: JSON or console (human)         │           │
	│  │  - Output: stdout, file, or custom writer  │           │
	│  │  - Dir: rotating file sink (2MB x 10)      │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │         Component Loggers                  │           │
	│  │  - WithComponent("foreman")                │           │
	│  │  - WithDevice("AT")                        │           │
	│  │  - WithJob("Session_100_1002")             │           │
	│  │  - WithQueue("ocs_dmcs_consume")           │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Usage

Initializing the logger:

	import "github.com/lsst-dm/dmcs/pkg/log"

	// JSON output plus rotating files under the configured log dir
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
		Dir:        "/var/log/dmcs",
	})

Component loggers:

	foremanLog := log.WithComponent("foreman")
	foremanLog.Info().Str("job_num", jobNum).Msg("dispatching transfer params")

	deviceLog := log.WithDevice("AT")
	deviceLog.Error().Err(err).Msg("health check fan-out failed")

Rotation is handled in-process through lumberjack: files roll at 2 MB and
the ten most recent backups are kept, matching the operational expectation
that a misbehaving forwarder cannot fill the log partition overnight.

# Integration Points

This package integrates with:

  - pkg/dmcs: logs command handling and state transitions
  - pkg/foreman: logs exposure orchestration and fan-out progress
  - pkg/scoreboard: logs store connectivity and retries
  - pkg/transport: logs publish/consume activity and broker errors
  - pkg/supervisor: logs consumer lifecycle and restarts
*/
package log
