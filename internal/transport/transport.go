// Package transport abstracts "connect to a peripheral by address, read or
// write a characteristic, disconnect". The production implementation sits on
// go-ble; the basestation layer only ever sees these interfaces, so tests
// substitute a mock.
package transport

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotVisible means the address could not be resolved to a reachable
	// peripheral right now (out of range or powered off). Callers treat it
	// exactly like a connect failure.
	ErrNotVisible = errors.New("device not currently visible")

	// ErrCharacteristicNotFound means the connected peripheral does not
	// expose the requested characteristic.
	ErrCharacteristicNotFound = errors.New("characteristic not found")
)

// Conn is a live connection to one peripheral. It is held only for the
// duration of a single logical operation and never cached across polls.
type Conn interface {
	// ReadCharacteristic reads the value of the characteristic with the
	// given UUID.
	ReadCharacteristic(uuid string) ([]byte, error)

	// WriteCharacteristic writes data to the characteristic with the given
	// UUID. With withResponse false the write is fire-and-forget and must
	// not wait for acknowledgment.
	WriteCharacteristic(uuid string, data []byte, withResponse bool) error

	// Disconnected is closed when the peripheral drops the connection.
	Disconnected() <-chan struct{}

	// Disconnect tears the connection down. Safe to call more than once.
	Disconnect() error
}

// Transport dials peripherals by address.
type Transport interface {
	// Connect resolves the address and establishes a connection within the
	// timeout. Failures are transient by nature and feed the caller's
	// backoff state.
	Connect(ctx context.Context, address string, timeout time.Duration) (Conn, error)

	// Probe checks whether the address is currently advertising, without
	// establishing a connection. Returns ErrNotVisible when it is not.
	Probe(ctx context.Context, address string, timeout time.Duration) error
}

// NormalizeUUID converts a UUID string to the internal lookup format
// (lowercase, no dashes), accepting both dashed and already-normalized input.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}
