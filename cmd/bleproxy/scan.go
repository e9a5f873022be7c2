package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bleproxy/internal/registry"
	"github.com/srg/bleproxy/internal/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Every sighting is recorded once per address; later sightings refresh the
name, advertisement payload and signal strength. Devices advertising the OAD
firmware update service are flagged.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().DurationP("duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringP("format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceP("services", "s", nil, "Filter by service UUIDs")
	scanCmd.Flags().StringSlice("allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSlice("block", nil, "Hide devices with these addresses")
	scanCmd.Flags().Bool("no-duplicates", true, "Filter duplicate advertisements")
	scanCmd.Flags().BoolP("watch", "w", false, "Print devices as they are seen")
}

func runScan(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("duration") {
		cfg.ScanTimeout, _ = cmd.Flags().GetDuration("duration")
	}

	opts := &scanner.ScanOptions{Duration: cfg.ScanTimeout}
	opts.DuplicateFilter, _ = cmd.Flags().GetBool("no-duplicates")
	opts.ServiceUUIDs, _ = cmd.Flags().GetStringSlice("services")
	opts.AllowList, _ = cmd.Flags().GetStringSlice("allow")
	opts.BlockList, _ = cmd.Flags().GetStringSlice("block")
	watch, _ := cmd.Flags().GetBool("watch")

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	r, err := openRadio()
	if err != nil {
		return err
	}
	defer r.close()

	s, err := scanner.NewScanner(r.scanning, registry.New(logger), logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	if watch {
		return runWatch(ctx, out, s, opts, logger)
	}

	callback := scanner.ProgressCallback(nil)
	if format == "table" && useColor(out) {
		progress := NewProgressPrinter(out, "Scanning for BLE devices", "Scanning", opts.Duration, "Processing results")
		progress.Start()
		defer progress.Stop()
		callback = progress.Callback()
	}

	recs, err := s.Scan(ctx, opts, callback)
	if err != nil {
		logger.WithError(err).Error("scan failed")
		return err
	}

	if format == "json" {
		return writeDeviceJSON(out, recs)
	}
	return writeDeviceTable(out, recs, time.Now())
}

// runWatch prints new and updated devices until the scan ends
func runWatch(ctx context.Context, out io.Writer, s *scanner.Scanner, opts *scanner.ScanOptions, logger *logrus.Logger) error {
	scanErr := make(chan error, 1)
	go func() {
		_, err := s.Scan(ctx, opts, nil)
		scanErr <- err
	}()

	for {
		select {
		case ev := <-s.Events():
			printDeviceEvent(out, ev)
		case err := <-scanErr:
			drainDeviceEvents(out, s.Events())
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("scan failed")
				return err
			}
			return nil
		}
	}
}

func drainDeviceEvents(out io.Writer, ch <-chan scanner.DeviceEvent) {
	for {
		select {
		case ev := <-ch:
			printDeviceEvent(out, ev)
		default:
			return
		}
	}
}

func printDeviceEvent(out io.Writer, ev scanner.DeviceEvent) {
	rec := ev.Record
	fmt.Fprintf(out, "%-7s %s %d dBm %s\n", ev.Type, rec.Address, rec.RSSI, rec.Name())
}
