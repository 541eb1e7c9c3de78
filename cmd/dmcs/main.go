package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lsst-dm/dmcs/pkg/ack"
	"github.com/lsst-dm/dmcs/pkg/config"
	"github.com/lsst-dm/dmcs/pkg/dmcs"
	"github.com/lsst-dm/dmcs/pkg/fault"
	"github.com/lsst-dm/dmcs/pkg/foreman"
	"github.com/lsst-dm/dmcs/pkg/log"
	"github.com/lsst-dm/dmcs/pkg/messages"
	"github.com/lsst-dm/dmcs/pkg/metrics"
	"github.com/lsst-dm/dmcs/pkg/scoreboard"
	"github.com/lsst-dm/dmcs/pkg/supervisor"
	"github.com/lsst-dm/dmcs/pkg/transport"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Queue names fixed by the observatory message topology.
const (
	ocsConsumeQueue   = "ocs_dmcs_consume"
	ocsPublishQueue   = "dmcs_ocs_publish"
	dmcsAckQueue      = "dmcs_ack_consume"
	dmcsFaultQueue    = "dmcs_fault_consume"
	telemetryQueue    = "telemetry_queue"
	archiveCtrlQueue  = "archive_ctrl_consume"
	brokerServiceUser = "service_user"
	brokerServicePwd  = "service_passwd"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(config.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "dmcs",
	Short: "DMCS - Data-management control system core",
	Long: `DMCS is the observatory data-management control core. It holds
every instrument device to the standard lifecycle state machine,
answers OCS commands with acks and events, and orchestrates each
exposure's transfer choreography through per-device foremen.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"DMCS version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(foremanCmd)
	rootCmd.AddCommand(checkConfigCmd)

	for _, cmd := range []*cobra.Command{runCmd, foremanCmd} {
		cmd.Flags().String("config", "", "explicit path to dmcs_cfg.yaml (default: $IIP_CONFIG_DIR)")
		cmd.Flags().String("store-addr", "localhost:6379", "scoreboard store address")
		cmd.Flags().String("bolt", "", "use an embedded bolt store at this path instead of redis")
		cmd.Flags().String("log-level", "info", "log level (debug|info|warn|error)")
		cmd.Flags().String("metrics-addr", ":9145", "metrics and health listen address")
	}
	foremanCmd.Flags().StringArray("forwarder", nil, "forwarder as name:consume_queue (repeatable)")
	checkConfigCmd.Flags().String("config", "", "explicit path to dmcs_cfg.yaml")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the DMCS coordinator",
	Long: `Run the observatory-facing coordinator: consume OCS commands,
drive per-device state, fan exposure traffic out to the device
foremen, and sweep outstanding non-blocking acks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cfg, creds, err := loadSystem(cmd)
		if err != nil {
			return err
		}

		boards, closeStores, err := openBoards(cmd, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(config.ExitStoreConnect)
		}
		defer closeStores()
		metrics.RegisterComponent("store", true, "")
		fmt.Println("✓ Scoreboard store connected")

		if err := boards.Seqs.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize sequences: %v", err)
		}
		if err := seedDevices(ctx, cfg, boards.States); err != nil {
			return err
		}

		bus, err := connectBroker(cfg, creds)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(config.ExitBrokerUnavailable)
		}
		defer bus.Close()
		metrics.RegisterComponent("broker", true, "")
		fmt.Println("✓ Broker connected")

		if err := supervisor.AcquireSingleton("DMCS"); err != nil {
			return err
		}
		defer supervisor.ReleaseSingleton("DMCS")

		coordinator := dmcs.New(dmcs.Config{
			OCSPublishQueue: ocsPublishQueue,
			AckQueue:        dmcsAckQueue,
		}, bus, dmcs.Boards{
			States:  boards.States,
			Jobs:    boards.Jobs,
			Acks:    boards.Acks,
			Seqs:    boards.Seqs,
			Backlog: boards.Backlog,
		})

		router := fault.NewRouter(bus, boards.States, ocsPublishQueue, telemetryQueue)
		authority := messages.DefaultAuthority()

		sweeper := ack.NewSweeper(boards.Acks, 0, func(ackIDs []string) {
			metrics.AcksMissing.Add(float64(len(ackIDs)))
			lg := log.WithComponent("dmcs")
			lg.Warn().
				Strs("ack_ids", ackIDs).
				Msg("acks expired unanswered")
		})
		sweeper.Start()
		defer sweeper.Stop()
		fmt.Println("✓ Ack sweeper started")

		sup := supervisor.New(bus)
		sup.Register(ocsConsumeQueue, validated(authority, ocsConsumeQueue, coordinator.Handler()))
		sup.Register(dmcsAckQueue, validated(authority, dmcsAckQueue, coordinator.AckHandler()))
		sup.Register(dmcsFaultQueue, validated(authority, dmcsFaultQueue, func(body messages.Body) {
			faultCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := router.Handle(faultCtx, body); err != nil {
				lg := log.WithComponent("fault-router")
				lg.Err(err).Msg("failed to route fault")
			}
		}))
		if err := sup.Start(); err != nil {
			return fmt.Errorf("failed to start consumers: %v", err)
		}
		defer sup.Stop()
		metrics.RegisterComponent("supervisor", true, "")
		fmt.Println("✓ Consumers started")

		collector := metrics.NewCollector(boards.States, boards.Acks, boards.Backlog)
		collector.Start()
		defer collector.Stop()

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		serveMetrics(metricsAddr)
		fmt.Printf("✓ Metrics listening on %s\n", metricsAddr)

		fmt.Println()
		fmt.Println("DMCS coordinator is running. Press Ctrl+C to stop.")
		waitForSignal()

		fmt.Println("\nShutting down...")
		return nil
	},
}

var foremanCmd = &cobra.Command{
	Use:   "foreman [device]",
	Short: "Run a device foreman",
	Long: `Run the exposure orchestrator for one device (AT, AR, PP or CU):
health check the forwarders, negotiate an archive target, program
transfer parameters, and relay readout and header traffic.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		device := strings.ToUpper(args[0])

		cfg, creds, err := loadSystem(cmd)
		if err != nil {
			return err
		}

		consumeQueue, err := cfg.ConsumeQueue(device)
		if err != nil {
			return err
		}

		boards, closeStores, err := openBoards(cmd, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(config.ExitStoreConnect)
		}
		defer closeStores()
		metrics.RegisterComponent("store", true, "")
		fmt.Println("✓ Scoreboard store connected")

		if err := boards.Seqs.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize sequences: %v", err)
		}

		bus, err := connectBroker(cfg, creds)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(config.ExitBrokerUnavailable)
		}
		defer bus.Close()
		metrics.RegisterComponent("broker", true, "")
		fmt.Println("✓ Broker connected")

		singleton := device + "_FOREMAN"
		if err := supervisor.AcquireSingleton(singleton); err != nil {
			return err
		}
		defer supervisor.ReleaseSingleton(singleton)

		ackQueue := strings.ToLower(device) + "_foreman_ack_publish"
		f := foreman.New(foreman.Config{
			Device:          device,
			AckQueue:        ackQueue,
			DMCSAckQueue:    dmcsAckQueue,
			ArchiveQueue:    archiveCtrlQueue,
			FaultQueue:      dmcsFaultQueue,
			TelemetryQueue:  telemetryQueue,
			ArchiveLogin:    cfg.Archive.Login,
			ArchiveIP:       cfg.Archive.IP,
			ArchiveXferRoot: cfg.Archive.XferRoot,
			WFSRaft:         cfg.ATS.WFSRaft,
			WFSCCDs:         []string{cfg.ATS.WFSCCD},
		}, bus, foreman.Boards{
			Jobs: boards.Jobs,
			Acks: boards.Acks,
			Seqs: boards.Seqs,
		})

		fwdrs, _ := cmd.Flags().GetStringArray("forwarder")
		for _, entry := range fwdrs {
			name, queue, ok := strings.Cut(entry, ":")
			if !ok {
				return fmt.Errorf("invalid --forwarder %q, want name:consume_queue", entry)
			}
			f.RegisterForwarder(name, queue)
			fmt.Printf("✓ Forwarder %s registered on %s\n", name, queue)
		}

		authority := messages.DefaultAuthority()
		sup := supervisor.New(bus)
		sup.Register(consumeQueue, validated(authority, consumeQueue, f.Handler()))
		sup.Register(ackQueue, validated(authority, ackQueue, f.Handler()))
		if err := sup.Start(); err != nil {
			return fmt.Errorf("failed to start consumers: %v", err)
		}
		defer sup.Stop()
		metrics.RegisterComponent("supervisor", true, "")
		fmt.Println("✓ Consumers started")

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		serveMetrics(metricsAddr)
		fmt.Printf("✓ Metrics listening on %s\n", metricsAddr)

		fmt.Println()
		fmt.Printf("%s foreman is running. Press Ctrl+C to stop.\n", device)
		waitForSignal()

		fmt.Println("\nShutting down...")
		return nil
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the system configuration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(config.ExitCode(err))
		}

		fmt.Printf("✓ Broker address: %s\n", cfg.BaseBrokerAddr)
		for device, queue := range cfg.ForemanConsumeQueues {
			keys, err := cfg.CfgKeys(device)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(config.ExitCode(err))
			}
			fmt.Printf("✓ Device %s: queue %s, %d cfg keys\n", device, queue, len(keys))
		}
		fmt.Println("✓ Configuration is valid")
		return nil
	},
}

func loadConfig(cmd *cobra.Command) (*config.Root, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.LoadPath(path)
	}
	return config.Load(config.DefaultFilename)
}

// loadSystem resolves configuration, credentials and logging for a
// long-running process. Startup failures exit with the documented
// process exit codes.
func loadSystem(cmd *cobra.Command) (*config.Root, *config.Credentials, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(config.ExitCode(err))
	}

	credsDir, err := config.DefaultCredentialsDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(config.ExitStoreConnect)
	}
	creds, err := config.LoadCredentials(credsDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(config.ExitCode(err))
	}

	level, _ := cmd.Flags().GetString("log-level")
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: true,
		Dir:        cfg.LoggingDir,
		Filename:   cmd.Name() + ".log",
	})
	metrics.SetVersion(Version)
	return cfg, creds, nil
}

type boards struct {
	States  *scoreboard.StateScoreboard
	Jobs    *scoreboard.JobScoreboard
	Acks    *scoreboard.AckScoreboard
	Seqs    *scoreboard.SequenceScoreboard
	Backlog *scoreboard.BacklogScoreboard
}

// openBoards connects every scoreboard to its configured store
// database. With --bolt an embedded store replaces redis, one bucket
// per board.
func openBoards(cmd *cobra.Command, cfg *config.Root) (*boards, func(), error) {
	names := []string{
		scoreboard.StateBoard,
		scoreboard.JobBoard,
		scoreboard.AckBoard,
		scoreboard.SequenceBoard,
		scoreboard.BacklogBoard,
	}
	stores := make(map[string]scoreboard.Store, len(names))
	var closers []func() error

	if boltPath, _ := cmd.Flags().GetString("bolt"); boltPath != "" {
		for _, name := range names {
			s, err := scoreboard.OpenBolt(boltPath, name)
			if err != nil {
				return nil, nil, err
			}
			stores[name] = scoreboard.NewChecked(s)
			closers = append(closers, s.Close)
		}
	} else {
		addr, _ := cmd.Flags().GetString("store-addr")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, name := range names {
			db, err := cfg.ScoreboardDB(name)
			if err != nil {
				return nil, nil, err
			}
			s, err := scoreboard.OpenRedis(ctx, addr, db)
			if err != nil {
				return nil, nil, err
			}
			stores[name] = scoreboard.NewChecked(s)
			closers = append(closers, s.Close)
		}
	}

	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	return &boards{
		States:  scoreboard.NewStateScoreboard(stores[scoreboard.StateBoard]),
		Jobs:    scoreboard.NewJobScoreboard(stores[scoreboard.JobBoard]),
		Acks:    scoreboard.NewAckScoreboard(stores[scoreboard.AckBoard]),
		Seqs:    scoreboard.NewSequenceScoreboard(stores[scoreboard.SequenceBoard]),
		Backlog: scoreboard.NewBacklogScoreboard(stores[scoreboard.BacklogBoard]),
	}, closeAll, nil
}

// seedDevices registers every configured device with its consume queue
// and allowed configuration keys.
func seedDevices(ctx context.Context, cfg *config.Root, states *scoreboard.StateScoreboard) error {
	for device, queue := range cfg.ForemanConsumeQueues {
		keys, err := cfg.CfgKeys(device)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(config.ExitCode(err))
		}
		if err := states.AddDevice(ctx, device, queue, keys); err != nil {
			return fmt.Errorf("failed to register device %s: %v", device, err)
		}
	}
	return nil
}

func connectBroker(cfg *config.Root, creds *config.Credentials) (transport.Bus, error) {
	user, err := creds.User(brokerServiceUser)
	if err != nil {
		return nil, err
	}
	passwd, err := creds.Passwd(brokerServicePwd)
	if err != nil {
		return nil, err
	}
	base := strings.TrimPrefix(cfg.BaseBrokerAddr, "amqp://")
	return transport.Connect("amqp://" + user + ":" + passwd + "@" + base)
}

// validated wraps a handler with message authority screening and
// consumption accounting. Rejected messages are counted and dropped.
func validated(authority *messages.Authority, queue string, next transport.Handler) transport.Handler {
	logger := log.WithQueue(queue)
	return func(body messages.Body) {
		if err := authority.Validate(body); err != nil {
			metrics.ProtocolRejects.WithLabelValues(body.Type()).Inc()
			logger.Warn().Err(err).Str("msg_type", body.Type()).Msg("message rejected")
			return
		}
		metrics.MessagesConsumed.WithLabelValues(queue).Inc()
		next(body)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			lg := log.WithComponent("metrics")
			lg.Err(err).Msg("metrics server stopped")
		}
	}()
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
