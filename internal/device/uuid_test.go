package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "short form kept", input: "1002", expected: "1002"},
		{name: "upper case folded", input: "FFE1", expected: "ffe1"},
		{name: "surrounding whitespace trimmed", input: "  1000\t", expected: "1000"},
		{name: "0x prefix stripped", input: "0x2a29", expected: "2a29"},
		{name: "0X prefix stripped after folding", input: "0X2A29", expected: "2a29"},

		// SIG base collapse
		{name: "SIG base with dashes collapses", input: "00001002-0000-1000-8000-00805f9b34fb", expected: "1002"},
		{name: "SIG base upper case without dashes collapses", input: "0000180F00001000800000805F9B34FB", expected: "180f"},
		{name: "0x prefix before SIG base collapses", input: "0x00001000-0000-1000-8000-00805f9b34fb", expected: "1000"},
		{name: "32-bit SIG alias is not collapsed", input: "12345678-0000-1000-8000-00805f9b34fb", expected: "1234567800001000800000805f9b34fb"},
		{name: "SIG-like prefix with other tail kept", input: "00001002-0000-1000-8000-000000000000", expected: "00001002000010008000000000000000"},

		// vendor UUIDs
		{name: "nordic UART kept as 128-bit", input: "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", expected: "6e400001b5a3f393e0a9e50e24dcca9e"},
		{name: "OAD service kept as 128-bit", input: OADServiceUUID, expected: "f000ffc004514000b000000000000000"},

		{name: "empty stays empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	in := []string{"0x1000", "00001001-0000-1000-8000-00805f9b34fb", "ABCD"}

	got := NormalizeUUIDs(in)

	assert.Equal(t, []string{"1000", "1001", "abcd"}, got)
	assert.Equal(t, "0x1000", in[0], "input slice MUST NOT be modified")
	assert.Empty(t, NormalizeUUIDs(nil))
}

func TestExpandUUIDRoundTrip(t *testing.T) {
	// expanding then normalizing returns the short form for every SIG-assigned UUID
	for _, short := range []string{"1000", "1001", "1002", "180f", "2a29", "2902"} {
		assert.Equal(t, short, NormalizeUUID(ExpandUUID(short)), "round trip of %s", short)
	}
}

func TestExpandUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "16-bit short form", input: "1002", expected: "00001002-0000-1000-8000-00805f9b34fb"},
		{name: "16-bit with prefix", input: "0x180F", expected: "0000180f-0000-1000-8000-00805f9b34fb"},
		{name: "32-bit short form", input: "12345678", expected: "12345678-0000-1000-8000-00805f9b34fb"},
		{name: "custom 128-bit", input: "6E400001B5A3F393E0A9E50E24DCCA9E", expected: "6e400001-b5a3-f393-e0a9-e50e24dcca9e"},
		{name: "unexpected length left as is", input: "123", expected: "123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExpandUUID(tt.input))
		})
	}
}

func TestValidateUUID(t *testing.T) {
	t.Run("accepts 16, 32 and 128-bit lengths", func(t *testing.T) {
		got, err := ValidateUUID("0x1000", "DEADBEEF", "6e400001-b5a3-f393-e0a9-e50e24dcca9e")
		require.NoError(t, err)
		assert.Equal(t, []string{"1000", "deadbeef", "6e400001b5a3f393e0a9e50e24dcca9e"}, got)
	})

	t.Run("collapses SIG base before checking length", func(t *testing.T) {
		got, err := ValidateUUID("00001002-0000-1000-8000-00805F9B34FB", OADServiceUUID)
		require.NoError(t, err)
		assert.Equal(t, []string{"1002", "f000ffc004514000b000000000000000"}, got)
	})

	t.Run("rejects empty input", func(t *testing.T) {
		_, err := ValidateUUID()
		assert.Error(t, err)

		_, err = ValidateUUID("1000", "")
		assert.ErrorContains(t, err, "index 1")
	})

	t.Run("rejects other lengths", func(t *testing.T) {
		for _, bad := range []string{"12", "123456", "6e400001b5a3f393e0a9e50e24dcca9", "6e400001b5a3f393e0a9e50e24dcca9e0"} {
			_, err := ValidateUUID(bad)
			assert.Error(t, err, "MUST reject %q (length %d)", bad, len(bad))
		}
	})

	t.Run("rejects non-hex of a valid length", func(t *testing.T) {
		for _, bad := range []string{"zzzz", "1234567g", "0xgg00"} {
			_, err := ValidateUUID(bad)
			assert.ErrorContains(t, err, "invalid UUID format", "MUST reject %q", bad)
		}
	})
}
