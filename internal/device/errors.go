package device

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the specific kind of connection failure
type ErrorKind string

const (
	NotConnected         ErrorKind = "not_connected"
	AlreadyConnected     ErrorKind = "already_connected"
	TransportUnavailable ErrorKind = "transport_unavailable"
	UnknownDevice        ErrorKind = "unknown_device"
	InvalidState         ErrorKind = "invalid_state"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	Kind ErrorKind
	Msg  string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by Kind
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors
var (
	ErrNotConnected         = &ConnectionError{Kind: NotConnected}
	ErrAlreadyConnected     = &ConnectionError{Kind: AlreadyConnected}
	ErrTransportUnavailable = &ConnectionError{Kind: TransportUnavailable}
	ErrUnknownDevice        = &ConnectionError{Kind: UnknownDevice}
	ErrInvalidState         = &ConnectionError{Kind: InvalidState}
)

// Operation errors
var (
	ErrTimeout      = errors.New("timeout")
	ErrUnsupported  = errors.New("unsupported")
	ErrBluetoothOff = errors.New("bluetooth is turned off")
)

// TransitionError describes an event that is not valid for the current state of an address.
// It matches ErrInvalidState with errors.Is.
type TransitionError struct {
	Address Address
	From    ConnectionState
	Trigger string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s while %s", e.Address, e.Trigger, e.From)
}

// Is matches ErrInvalidState
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidState
}

// NotFoundError represents an error when a GATT resource is not found on a peripheral
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// IsErrorKind reports whether err is a ConnectionError of the given kind
func IsErrorKind(err error, kind ErrorKind) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.Kind == kind
	}
	return false
}

// NormalizeError maps known BLE stack error strings to structured errors.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "have=4"), containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"), containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "deadline exceeded"), containsIgnoreCase(msg, "timed out"):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
