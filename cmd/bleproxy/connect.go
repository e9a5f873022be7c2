package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/events"
	"github.com/srg/bleproxy/pkg/config"
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect <address>",
	Short: "Connect to a device and stream its GATT events",
	Long: `Scan for the device, connect, and print every GATT event for it until
the link drops or Ctrl+C is pressed.

The link must come up within --timeout, otherwise a connect_timeout event is
emitted and the attempt is abandoned. Service discovery then gets another
--timeout before the command gives up and disconnects. Notification
channels marked auto_subscribe in the configuration are enabled once services
are discovered.

With --stdin, each line read from standard input is sent to the device's send
characteristic.`,
	Example: `  bleproxy connect AA:BB:CC:DD:EE:FF
  bleproxy connect AA:BB:CC:DD:EE:FF --format json --mtu 247
  bleproxy connect AA:BB:CC:DD:EE:FF --read 180a/2a29 --stdin`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

func init() {
	addConnectFlags(connectCmd)
	connectCmd.Flags().StringP("format", "f", "text", "Output format (text, json)")
	connectCmd.Flags().Int("mtu", 0, "Request this ATT MTU once ready")
	connectCmd.Flags().StringSlice("read", nil, "Read characteristics once ready (service/char)")
	connectCmd.Flags().StringSlice("subscribe", nil, "Enable notifications once ready (service/char)")
	connectCmd.Flags().Bool("stdin", false, "Send lines from stdin to the device")
}

// addConnectFlags registers the flags shared by commands that connect
func addConnectFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("timeout", 5*time.Second, "Time allowed to connect, and again to discover services")
	cmd.Flags().Duration("scan-timeout", 10*time.Second, "Time allowed to find the device")
	cmd.Flags().Bool("encrypt", false, "Encrypt sent and decode received data")
}

// applyConnectFlags overlays explicitly set flags on cfg
func applyConnectFlags(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("timeout") {
		cfg.ConnectTimeout, _ = cmd.Flags().GetDuration("timeout")
	}
	if cmd.Flags().Changed("scan-timeout") {
		cfg.ScanTimeout, _ = cmd.Flags().GetDuration("scan-timeout")
	}
	if cmd.Flags().Changed("encrypt") {
		cfg.Encrypt, _ = cmd.Flags().GetBool("encrypt")
	}
	if cmd.Flags().Lookup("format") != nil && cmd.Flags().Changed("format") {
		cfg.OutputFormat, _ = cmd.Flags().GetString("format")
	}
	return cfg.Validate()
}

// parseChannel splits "service/char"
func parseChannel(s string) (string, string, error) {
	svc, chr, ok := strings.Cut(s, "/")
	if !ok {
		return "", "", fmt.Errorf("invalid channel %q: expected service/characteristic", s)
	}
	ids, err := device.ValidateUUID(svc, chr)
	if err != nil {
		return "", "", fmt.Errorf("invalid channel %q: %w", s, err)
	}
	return ids[0], ids[1], nil
}

func runConnect(cmd *cobra.Command, args []string) error {
	addr, err := device.ParseAddress(args[0])
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyConnectFlags(cmd, cfg); err != nil {
		return err
	}

	mtu, _ := cmd.Flags().GetInt("mtu")
	readList, _ := cmd.Flags().GetStringSlice("read")
	subList, _ := cmd.Flags().GetStringSlice("subscribe")
	useStdin, _ := cmd.Flags().GetBool("stdin")

	type channel struct{ svc, chr string }
	parse := func(list []string) ([]channel, error) {
		var result []channel
		for _, s := range list {
			svc, chr, err := parseChannel(s)
			if err != nil {
				return nil, err
			}
			result = append(result, channel{svc, chr})
		}
		return result, nil
	}
	reads, err := parse(readList)
	if err != nil {
		return err
	}
	subs, err := parse(subList)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := newSession(cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	out := cmd.OutOrStdout()
	printer := newEventPrinter(out, cfg.OutputFormat == "json", useColor(out))
	lost := make(chan struct{})
	var lostOnce bool
	sub, err := sess.connect(ctx, addr, func(ev events.GattEvent) {
		printer.Print(ev)
		if ev.Kind == events.KindDisconnected && !lostOnce {
			lostOnce = true
			close(lost)
		}
	})
	if err != nil {
		return err
	}
	defer sub.Close()

	if mtu > 0 {
		if err := sess.manager.RequestMtu(addr, mtu); err != nil {
			return err
		}
	}
	for _, c := range subs {
		if err := sess.manager.EnableNotification(addr, c.svc, c.chr); err != nil {
			return err
		}
	}
	for _, c := range reads {
		if err := sess.manager.Read(addr, c.svc, c.chr); err != nil {
			return err
		}
	}
	if useStdin {
		go forwardLines(ctx, cmd.InOrStdin(), sess, addr)
	}

	select {
	case <-ctx.Done():
		_ = sess.manager.Disconnect(addr)
		waitSettled(lost, time.Second)
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return ctx.Err()
	case <-lost:
		return fmt.Errorf("%w: %s", ErrConnectionLost, addr)
	}
}

// forwardLines sends each input line, newline included, until EOF or ctx ends
func forwardLines(ctx context.Context, in io.Reader, sess *session, addr device.Address) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := append(append([]byte(nil), sc.Bytes()...), '\n')
		if err := sess.manager.Send(addr, line); err != nil {
			sess.logger.WithError(err).WithField("address", addr).Warn("Failed to send line")
		}
	}
}

func waitSettled(done <-chan struct{}, timeout time.Duration) {
	select {
	case <-done:
	case <-time.After(timeout):
	}
}
