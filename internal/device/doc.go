// Package device holds the domain types shared by the BLE proxy:
// peripheral addresses, discovered device records, the connection state
// enumeration, UUID normalization, and the structured error kinds that the
// connection manager and transports report.
//
// Nothing in this package talks to a radio; it is pure data and helpers.
package device
