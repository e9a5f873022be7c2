package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/bleproxy/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while the command was running.
	// device.ErrNotConnected instead means the device was never connected.
	ErrConnectionLost = errors.New("connection lost")

	// ErrConnectTimeout is returned when the device does not reach Ready in time
	ErrConnectTimeout = errors.New("connection timed out")

	// ErrConnectFailed is returned when the stack reports a connection error
	ErrConnectFailed = errors.New("connection failed")
)

// FormatUserError turns an error chain into a message for the terminal
func FormatUserError(err error) string {
	var notFound *device.NotFoundError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off. Turn it on and try again."
	case errors.Is(err, device.ErrUnknownDevice):
		return fmt.Sprintf("device not found; make sure it is advertising and in range (%v)", err)
	case errors.Is(err, ErrConnectTimeout), errors.Is(err, device.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("timed out: %v", err)
	case errors.Is(err, device.ErrAlreadyConnected):
		return "device is already connected"
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("not supported on this system: %v", err)
	case errors.As(err, &notFound):
		return notFound.Error()
	default:
		return err.Error()
	}
}
