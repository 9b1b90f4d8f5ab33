// Package registry owns the set of managed basestations: one device and
// one poll coordinator per configured address, sharing a single transport
// and connection limiter.
package registry

import (
	"context"
	"fmt"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/bstn/internal/basestation"
	"github.com/srg/bstn/internal/coordinator"
	"github.com/srg/bstn/internal/governor"
	"github.com/srg/bstn/internal/transport"
	"github.com/srg/bstn/pkg/config"
)

// Entry pairs a device with its coordinator.
type Entry struct {
	Device      basestation.Device
	Coordinator *coordinator.Coordinator
}

// Manager holds every managed basestation, keyed by canonical address.
type Manager struct {
	entries   *hashmap.Map[string, *Entry]
	transport transport.Transport
	limiter   *governor.Limiter
	logger    *logrus.Logger
	cfg       *config.Config
}

// New builds a manager from the application configuration. Devices are
// constructed immediately; nothing talks to the radio until StartAll or an
// explicit operation.
func New(cfg *config.Config, t transport.Transport, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = logrus.New()
	}

	m := &Manager{
		entries:   hashmap.New[string, *Entry](),
		transport: t,
		limiter:   governor.NewLimiter(int64(cfg.MaxConcurrentConnections)),
		logger:    logger,
		cfg:       cfg,
	}

	for _, dc := range cfg.Devices {
		identity, err := dc.Identity()
		if err != nil {
			return nil, err
		}
		if _, err := m.Add(identity); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Add registers a device under its canonical address. Adding the same
// address twice is an error.
func (m *Manager) Add(identity basestation.Identity) (*Entry, error) {
	dev := basestation.New(identity, m.transport, basestation.Options{
		Config:   m.cfg.DeviceOptions(),
		Governor: m.cfg.GovernorOptions(),
		Limiter:  m.limiter,
		Logger:   m.logger,
	})

	entry := &Entry{
		Device:      dev,
		Coordinator: coordinator.New(dev, m.cfg.CoordinatorOptions(), m.logger),
	}

	if !m.entries.Insert(identity.Address, entry) {
		_ = dev.Close()
		return nil, fmt.Errorf("device %s already registered", identity.Address)
	}

	m.logger.WithFields(logrus.Fields{
		"address": identity.Address,
		"variant": identity.Variant,
	}).Debug("Registered basestation")
	return entry, nil
}

// Get looks up a device by address in any common notation.
func (m *Manager) Get(address string) (*Entry, bool) {
	canonical, err := basestation.CanonicalAddress(address)
	if err != nil {
		return nil, false
	}
	return m.entries.Get(canonical)
}

// Entries returns every registered entry. Order is not defined.
func (m *Manager) Entries() []*Entry {
	var entries []*Entry
	m.entries.Range(func(_ string, e *Entry) bool {
		entries = append(entries, e)
		return true
	})
	return entries
}

// Len returns the number of registered devices.
func (m *Manager) Len() int {
	return m.entries.Len()
}

// StartAll launches every coordinator's poll loop.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, e := range m.Entries() {
		if err := e.Coordinator.Start(ctx); err != nil {
			return err
		}
	}
	m.logger.WithField("devices", m.Len()).Info("Polling started")
	return nil
}

// Snapshots returns the latest published snapshot of every device.
func (m *Manager) Snapshots() []coordinator.Snapshot {
	entries := m.Entries()
	snaps := make([]coordinator.Snapshot, 0, len(entries))
	for _, e := range entries {
		snaps = append(snaps, e.Coordinator.Snapshot())
	}
	return snaps
}

// Close stops all coordinators and releases device resources.
func (m *Manager) Close() error {
	var firstErr error
	for _, e := range m.Entries() {
		e.Coordinator.Stop()
		if err := e.Device.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
