package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// BLETransport implements Transport over go-ble. One instance owns the HCI
// adapter handle and is shared by every device.
type BLETransport struct {
	logger *logrus.Logger

	initOnce sync.Once
	initErr  error
}

// NewBLETransport creates the production transport. The underlying adapter
// is initialized lazily on first use so that constructing a transport in
// tests or for --help never touches the radio.
func NewBLETransport(logger *logrus.Logger) *BLETransport {
	if logger == nil {
		logger = logrus.New()
	}
	return &BLETransport{logger: logger}
}

func (t *BLETransport) init() error {
	t.initOnce.Do(func() {
		dev, err := DeviceFactory()
		if err != nil {
			t.initErr = fmt.Errorf("failed to create BLE device: %w", err)
			return
		}
		ble.SetDefaultDevice(dev)
	})
	return t.initErr
}

// Connect dials the peripheral and discovers its GATT profile.
func (t *BLETransport) Connect(ctx context.Context, address string, timeout time.Duration) (Conn, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is not set")
	}
	if err := t.init(); err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t.logger.WithField("address", address).Debug("Connecting to BLE device...")

	client, err := ble.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device %q: %w", address, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("failed to discover profile for %q: %w", address, err)
	}

	conn := &bleConn{
		client:          client,
		logger:          t.logger,
		characteristics: make(map[string]*ble.Characteristic),
	}
	for _, svc := range profile.Services {
		for _, char := range svc.Characteristics {
			conn.characteristics[NormalizeUUID(char.UUID.String())] = char
		}
	}

	t.logger.WithFields(logrus.Fields{
		"address":  address,
		"services": len(profile.Services),
	}).Debug("BLE device connected")

	return conn, nil
}

// Probe scans briefly for an advertisement from the given address. It never
// connects; a timeout without a sighting maps to ErrNotVisible.
func (t *BLETransport) Probe(ctx context.Context, address string, timeout time.Duration) error {
	if err := t.init(); err != nil {
		return err
	}

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	want := strings.ToUpper(address)
	var sighted atomic.Bool

	err := ble.Scan(scanCtx, true, func(_ ble.Advertisement) {
		sighted.Store(true)
		cancel()
	}, func(adv ble.Advertisement) bool {
		return strings.ToUpper(adv.Addr().String()) == want
	})

	if sighted.Load() {
		return nil
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("probe scan failed: %w", err)
	}
	return ErrNotVisible
}

// bleConn wraps a live ble.Client for one operation.
type bleConn struct {
	client          ble.Client
	logger          *logrus.Logger
	characteristics map[string]*ble.Characteristic

	mu           sync.Mutex
	disconnected bool
}

func (c *bleConn) lookup(uuid string) (*ble.Characteristic, error) {
	char, ok := c.characteristics[NormalizeUUID(uuid)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCharacteristicNotFound, uuid)
	}
	return char, nil
}

func (c *bleConn) ReadCharacteristic(uuid string) ([]byte, error) {
	char, err := c.lookup(uuid)
	if err != nil {
		return nil, err
	}

	data, err := c.client.ReadCharacteristic(char)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic %s: %w", uuid, err)
	}
	return data, nil
}

func (c *bleConn) WriteCharacteristic(uuid string, data []byte, withResponse bool) error {
	char, err := c.lookup(uuid)
	if err != nil {
		return err
	}

	if err := c.client.WriteCharacteristic(char, data, !withResponse); err != nil {
		return fmt.Errorf("failed to write characteristic %s: %w", uuid, err)
	}
	return nil
}

func (c *bleConn) Disconnected() <-chan struct{} {
	return c.client.Disconnected()
}

func (c *bleConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected {
		return nil
	}
	c.disconnected = true

	if err := c.client.CancelConnection(); err != nil {
		c.logger.WithError(err).Warn("Error disconnecting from device")
		return err
	}
	return nil
}
