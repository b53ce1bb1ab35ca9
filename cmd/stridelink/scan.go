package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/strydelabs/stridelink/internal/connmgr"
	"github.com/strydelabs/stridelink/internal/transport"
	"github.com/strydelabs/stridelink/internal/transport/goble"
	"github.com/strydelabs/stridelink/pkg/config"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for sensor devices",
	Long: `Scan for and display nearby BLE sensor devices.

Discovered devices are shown with their names, identifiers, RSSI values and
advertised services. By default only devices advertising the sensor service
are listed; use --all to see everything.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanAll      bool
	scanMax      int
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "Show all devices, not just sensors")
	scanCmd.Flags().IntVar(&scanMax, "max", 0, "Stop after discovering this many devices (0 for no limit)")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be table or json", scanFormat)
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
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

	var filter []string
	if !scanAll {
		filter = []string{cfg.Sensor.ServiceUUID}
	}
	mgr := connmgr.NewManager(adapter, connmgr.Config{ServiceFilter: filter}, logger)
	defer mgr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Listen for Ctrl+C to cancel
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	progress := newCountdownPrinter("Scanning for sensor devices", scanDuration)
	progress.Start()

	devices, err := mgr.ScanOnce(ctx, scanDuration, scanMax)
	progress.Stop()

	if err != nil && !errors.Is(err, context.Canceled) && !transport.IsCancelled(err) {
		return err
	}
	return displayDevices(devices)
}

func displayDevices(devices []connmgr.Discovered) error {
	if len(devices) == 0 {
		fmt.Println("No devices discovered")
		return nil
	}

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Name != devices[j].Name {
			return devices[i].Name < devices[j].Name
		}
		return devices[i].ID < devices[j].ID
	})

	if scanFormat == "json" {
		return displayDevicesJSON(devices)
	}
	return displayDevicesTable(devices)
}

func displayDevicesTable(devices []connmgr.Discovered) error {
	var base io.Writer = os.Stdout
	w := tabwriter.NewWriter(base, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tRSSI\tSERVICES")
	fmt.Fprintln(w, strings.Repeat("-", 72))

	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		services := strings.Join(d.Services, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\n", name, d.ID, d.RSSI, services)
	}
	return w.Flush()
}

func displayDevicesJSON(devices []connmgr.Discovered) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(devices)
}
