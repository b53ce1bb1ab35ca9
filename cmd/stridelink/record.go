package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/strydelabs/stridelink/internal/connmgr"
	"github.com/strydelabs/stridelink/internal/geo"
	"github.com/strydelabs/stridelink/internal/ingest"
	"github.com/strydelabs/stridelink/internal/roles"
	"github.com/strydelabs/stridelink/internal/session"
	"github.com/strydelabs/stridelink/internal/storage"
	"github.com/strydelabs/stridelink/internal/transport"
	"github.com/strydelabs/stridelink/internal/transport/goble"
	"github.com/strydelabs/stridelink/pkg/config"
)

// recordCmd represents the record command
var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a sensor session",
	Long: `Connect to the given sensor devices and record a session.

Devices are auto-assigned to logical slots (left foot, right foot, racket),
with previously persisted assignments preferred. Recording continues until
interrupted; device dropouts are logged and streams resume automatically on
reconnect.`,
	RunE: runRecord,
}

var (
	recordSport   string
	recordDevices []string
	recordSimGPS  bool
)

// streamTags are the stable per-slot source tags used in the session log,
// assigned in device argument order.
var streamTags = []string{"a", "b", "c"}

func init() {
	recordCmd.Flags().StringVar(&recordSport, "sport", "padel", "Activity tag recorded in the session header")
	recordCmd.Flags().StringSliceVar(&recordDevices, "devices", nil, "Device identifiers to record from (required)")
	recordCmd.Flags().BoolVar(&recordSimGPS, "simulate-gps", false, "Use a simulated GPS track instead of no positioning")
	_ = recordCmd.MarkFlagRequired("devices")
}

// terminalNotifier surfaces session notifications on stdout.
type terminalNotifier struct{}

func (terminalNotifier) Notify(event, message string) {
	switch event {
	case "low_rate":
		color.Yellow("! %s", message)
	case "rate_recovered":
		color.Green("✓ %s", message)
	default:
		fmt.Printf("%s: %s\n", event, message)
	}
}

func runRecord(cmd *cobra.Command, args []string) error {
	if len(recordDevices) == 0 || len(recordDevices) > len(streamTags) {
		return fmt.Errorf("need between 1 and %d devices, got %d", len(streamTags), len(recordDevices))
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	adapter, err := goble.NewAdapter(logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Bluetooth adapter: %w", err)
	}

	store, err := storage.OpenSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open role store: %w", err)
	}
	defer store.Close()

	mgr := connmgr.NewManager(adapter, connmgr.Config{
		ServiceFilter: []string{cfg.Sensor.ServiceUUID},
		Connect:       transportConnectOptions(cfg),
		Backoff: connmgr.BackoffConfig{
			Base:      cfg.Connect.BackoffBase,
			Max:       cfg.Connect.BackoffMax,
			JitterMax: 500 * time.Millisecond,
		},
	}, logger)
	defer mgr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// Connect every device up front; recording starts with whatever subset
	// made it, the rest join via reconnect.
	assigner := roles.NewAssigner(store, logger)
	coord := ingest.NewCoordinator(logger)
	bindings := make([]session.DeviceBinding, 0, len(recordDevices))

	for i, id := range recordDevices {
		fmt.Printf("Connecting to %s...\n", id)
		connectCtx, connectCancel := context.WithTimeout(ctx, cfg.Connect.Timeout)
		err := mgr.Connect(connectCtx, id)
		connectCancel()
		if err != nil {
			color.Yellow("! Could not connect to %s: %s (will keep retrying)", id, FormatUserError(err))
		}

		assignment, ok := assigner.AutoAssign(id)
		if !ok {
			return fmt.Errorf("no free slot for device %s", id)
		}

		tag := streamTags[i]
		pipe := ingest.NewPipeline(id, mgr, ingest.Options{
			ServiceUUID:    cfg.Sensor.ServiceUUID,
			StreamCharUUID: cfg.Sensor.StreamCharUUID,
			ExpectedRateHz: cfg.Sensor.ExpectedRateHz,
			RateWindow:     cfg.Sensor.RateWindow,
			StatsInterval:  cfg.Sensor.StatsInterval,
			BatchSize:      cfg.Sensor.BatchSize,
			BufferCapacity: uint32(cfg.Sensor.BufferCapacity),
		}, logger)
		coord.Register(tag, pipe)

		name := id
		if h, ok := mgr.Get(id); ok {
			name = h.Name
		}
		bindings = append(bindings, session.DeviceBinding{
			DeviceID: id,
			Name:     name,
			Src:      tag,
			Slot:     string(assignment.Slot),
		})
		fmt.Printf("  %s -> %s\n", id, assignment.Slot)
	}

	var provider geo.Provider = geo.Null{}
	if recordSimGPS {
		provider = geo.NewSimulated(52.37, 4.89)
	}

	controller := session.NewController(session.Config{
		SessionDir:     cfg.Session.Dir,
		App:            "stridelink/" + formatVersion(version),
		ExpectedRateHz: cfg.Sensor.ExpectedRateHz,
		FlushThreshold: cfg.Session.FlushThreshold,
		Alert: session.AlertConfig{
			Fraction: cfg.Alerts.LowRateFraction,
			Sustain:  cfg.Alerts.Sustain,
			Cooldown: cfg.Alerts.Cooldown,
		},
	}, mgr, coord, provider, terminalNotifier{}, logger)

	if err := controller.Start(recordSport, bindings); err != nil {
		return err
	}
	color.Green("Recording to %s - press Ctrl+C to stop", controller.Path())

	<-sigCh
	fmt.Println("\nStopping session...")
	summary := controller.Stop("user_interrupt")

	printSummary(summary.Path, summary.RowCount, summary.ByteCount, summary.Duration, summary.BySource)
	return nil
}

func transportConnectOptions(cfg *config.Config) transport.ConnectOptions {
	return transport.ConnectOptions{
		ConnectTimeout: cfg.Connect.Timeout,
		RequestedMTU:   cfg.Connect.RequestedMTU,
	}
}

func printSummary(path string, rows int, bytes int64, duration time.Duration, bySource map[string]uint64) {
	fmt.Println()
	color.New(color.Bold).Println("Session saved")
	fmt.Printf("  Path:     %s\n", path)
	fmt.Printf("  Duration: %s\n", duration.Truncate(time.Second))
	fmt.Printf("  Rows:     %d\n", rows)
	fmt.Printf("  Bytes:    %d\n", bytes)
	for _, tag := range streamTags {
		if n, ok := bySource[tag]; ok {
			fmt.Printf("  Stream %s: %d packets\n", strings.ToUpper(tag), n)
		}
	}
}
