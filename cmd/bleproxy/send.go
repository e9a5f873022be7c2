package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/events"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <address> <data>",
	Short: "Send data to a device's send characteristic",
	Long: `Connect to the device, write data to the configured send characteristic
and wait for the write to be acknowledged. Writes longer than the negotiated
MTU are split into chunks.`,
	Example: `  bleproxy send AA:BB:CC:DD:EE:FF "hello"
  bleproxy send AA:BB:CC:DD:EE:FF --hex "01 02 0A FF"`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

func init() {
	addConnectFlags(sendCmd)
	sendCmd.Flags().Bool("hex", false, "Data is hex encoded (spaces allowed)")
	sendCmd.Flags().Duration("write-timeout", 5*time.Second, "Time allowed for the write acknowledgement")
}

// decodeData returns the bytes to send
func decodeData(arg string, isHex bool) ([]byte, error) {
	if !isHex {
		return []byte(arg), nil
	}
	data, err := hex.DecodeString(strings.NewReplacer(" ", "", ":", "").Replace(arg))
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	addr, err := device.ParseAddress(args[0])
	if err != nil {
		return err
	}
	isHex, _ := cmd.Flags().GetBool("hex")
	data, err := decodeData(args[1], isHex)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("nothing to send")
	}
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")

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

	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := newSession(cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	written := make(chan events.GattEvent, 1)
	sub, err := sess.connect(ctx, addr, func(ev events.GattEvent) {
		if ev.Kind == events.KindCharacteristicWrite {
			select {
			case written <- ev:
			default:
			}
		}
	})
	if err != nil {
		return err
	}
	defer sub.Close()
	defer func() { _ = sess.manager.Disconnect(addr) }()

	if err := sess.manager.Send(addr, data); err != nil {
		return err
	}

	select {
	case ev := <-written:
		if !ev.OK() {
			return fmt.Errorf("write to %s/%s failed with status %d", ev.ServiceID, ev.CharID, ev.Status)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent %d bytes to %s\n", len(data), addr)
		return nil
	case <-time.After(writeTimeout):
		return fmt.Errorf("%w: no write acknowledgement within %s", device.ErrTimeout, writeTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
