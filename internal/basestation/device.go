package basestation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/bstn/internal/governor"
	"github.com/srg/bstn/internal/groutine"
	"github.com/srg/bstn/internal/protocol"
	"github.com/srg/bstn/internal/transport"
)

// Options bundles the collaborators and tunables a device is built with.
type Options struct {
	Config   Config
	Governor governor.Config
	Limiter  *governor.Limiter
	Logger   *logrus.Logger
}

func (o *Options) fill() {
	if o.Config == (Config{}) {
		o.Config = DefaultConfig()
	}
	if o.Governor == (governor.Config{}) {
		o.Governor = governor.DefaultConfig()
	}
	if o.Limiter == nil {
		o.Limiter = governor.NewLimiter(2)
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
}

// New constructs the device matching the identity's variant.
func New(identity Identity, t transport.Transport, opts Options) Device {
	switch identity.Variant {
	case VariantVive:
		return NewVive(identity, t, opts)
	default:
		return NewValve(identity, t, opts)
	}
}

// specificInfoReader is the per-variant hook invoked while a device-info
// connection is open. It reports whether it contributed any field.
type specificInfoReader interface {
	readSpecificInfo(conn transport.Conn, set func(InfoKey, string)) bool
}

// device carries the state and governed-operation machinery shared by both
// families. The cache is owned exclusively by the device; readers get
// copies, and cache writes happen only from governed-operation completion
// paths, so the governor's serialization is the only writer lock needed
// beyond the local mutex.
type device struct {
	identity  Identity
	cfg       Config
	gov       *governor.Governor
	transport transport.Transport
	logger    *logrus.Logger
	specific  specificInfoReader
	now       func() time.Time

	mu             sync.RWMutex
	lastPowerState *protocol.PowerState
	lastPowerAt    time.Time
	isOn           bool
	info           *orderedmap.OrderedMap[InfoKey, string]
	lastInfoRead   time.Time
	infoReadOK     bool
	activeConn     transport.Conn
	closed         bool
}

func newDevice(identity Identity, t transport.Transport, opts Options) *device {
	opts.fill()
	return &device{
		identity:  identity,
		cfg:       opts.Config,
		gov:       governor.New(identity.Address, opts.Governor, opts.Limiter, opts.Logger),
		transport: t,
		logger:    opts.Logger,
		now:       time.Now,
		info:      orderedmap.New[InfoKey, string](),
	}
}

func (d *device) Identity() Identity {
	return d.identity
}

// DisplayName returns the configured name, falling back to the family's
// default name.
func (d *device) DisplayName() string {
	if d.identity.Name != "" {
		return d.identity.Name
	}
	if d.identity.Variant == VariantVive {
		return "Vive Basestation"
	}
	return "Valve Basestation"
}

func (d *device) Available() bool {
	return d.gov.Available()
}

func (d *device) ConsecutiveFailures() int {
	return d.gov.ConsecutiveFailures()
}

// CachedPowerState returns a copy of the last successfully observed power
// state and its timestamp. ok is false until the first successful read.
func (d *device) CachedPowerState() (protocol.PowerState, time.Time, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.lastPowerState == nil {
		return 0, time.Time{}, false
	}
	return *d.lastPowerState, d.lastPowerAt, true
}

// HasFreshState reports whether a cached power value exists and is younger
// than the freshness window. Staleness never invalidates the value itself,
// it only changes how availability-adjacent decisions are made.
func (d *device) HasFreshState() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.lastPowerState == nil {
		return false
	}
	return d.now().Sub(d.lastPowerAt) < d.gov.Config().FreshnessWindow
}

func (d *device) IsOn() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isOn
}

func (d *device) Info(key InfoKey) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info.Get(key)
}

// InfoFields returns the resolved info fields in stable insertion order.
func (d *device) InfoFields() []InfoField {
	d.mu.RLock()
	defer d.mu.RUnlock()

	fields := make([]InfoField, 0, d.info.Len())
	for pair := d.info.Oldest(); pair != nil; pair = pair.Next() {
		fields = append(fields, InfoField{Key: pair.Key, Value: pair.Value})
	}
	return fields
}

// updatePowerState records a successfully observed (or optimistically
// assumed) power state. Anything but full sleep counts as on.
func (d *device) updatePowerState(state protocol.PowerState) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := state
	d.lastPowerState = &s
	d.lastPowerAt = d.now()
	d.isOn = state.IsOn()
}

func (d *device) setInfo(key InfoKey, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info.Set(key, value)
}

// Close releases any in-flight connection. The device must not be used
// afterwards.
func (d *device) Close() error {
	d.mu.Lock()
	conn := d.activeConn
	d.activeConn = nil
	d.closed = true
	d.mu.Unlock()

	if conn != nil {
		d.logger.WithField("address", d.identity.Address).Debug("Disconnecting during cleanup")
		return conn.Disconnect()
	}
	return nil
}

// operation describes one characteristic access. A nil payload is a read.
type operation struct {
	characteristic string
	payload        []byte
	withResponse   bool
	retry          bool
}

// execute runs one logical governed operation: admission is decided once up
// front, then up to MaxRetries connect-operate-disconnect cycles run under
// the shared connection limiter. The attempt slot is released on every exit.
func (d *device) execute(ctx context.Context, op operation) ([]byte, error) {
	if err := d.gov.BeginAttempt(); err != nil {
		d.logger.WithFields(logrus.Fields{
			"address":  d.identity.Address,
			"failures": d.gov.ConsecutiveFailures(),
		}).Debug("Skipping connection attempt")
		return nil, err
	}

	outcome := governor.OutcomeFailure
	defer func() { d.gov.EndAttempt(outcome) }()

	attempts := 1
	if op.retry {
		attempts = d.gov.Config().MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		data, err := d.attemptOnce(ctx, op, attempt)
		if err == nil {
			outcome = governor.OutcomeSuccess
			return data, nil
		}
		lastErr = err

		d.logger.WithFields(logrus.Fields{
			"address": d.identity.Address,
			"attempt": attempt + 1,
			"of":      attempts,
			"error":   err,
		}).Debug("BLE operation attempt failed")

		if ctx.Err() != nil {
			break
		}
	}

	return nil, fmt.Errorf("operation on %s failed: %w", d.identity.Address, lastErr)
}

// attemptOnce performs a single connect-operate-disconnect cycle. The
// connection handle lives only for this cycle and is never cached.
func (d *device) attemptOnce(ctx context.Context, op operation, attempt int) ([]byte, error) {
	if err := d.gov.AcquireConnection(ctx); err != nil {
		return nil, err
	}
	defer d.gov.ReleaseConnection()

	if err := d.gov.Settle(ctx, attempt); err != nil {
		return nil, err
	}

	conn, err := d.transport.Connect(ctx, d.identity.Address, d.cfg.ConnectionTimeout)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.activeConn = conn
	d.mu.Unlock()

	done := make(chan struct{})
	groutine.Go(ctx, "disconnect-watch-"+d.identity.Address, func(context.Context) {
		d.watchDisconnect(conn, done)
	})

	defer func() {
		close(done)
		_ = conn.Disconnect()
		d.mu.Lock()
		d.activeConn = nil
		d.mu.Unlock()
	}()

	if op.payload == nil {
		return conn.ReadCharacteristic(op.characteristic)
	}
	return nil, conn.WriteCharacteristic(op.characteristic, op.payload, op.withResponse)
}

// watchDisconnect forwards an unsolicited transport disconnect into the
// governor's own state update path instead of mutating state from the
// transport callback.
func (d *device) watchDisconnect(conn transport.Conn, done <-chan struct{}) {
	select {
	case <-conn.Disconnected():
		d.gov.NoteDisconnected()
	case <-done:
	}
}

// standard device-information characteristics, read independently so that
// one missing field never blocks the others.
var standardInfoCharacteristics = []struct {
	uuid string
	key  InfoKey
}{
	{protocol.FirmwareCharacteristic, InfoFirmware},
	{protocol.ModelCharacteristic, InfoModel},
	{protocol.HardwareCharacteristic, InfoHardware},
	{protocol.ManufacturerCharacteristic, InfoManufacturer},
}

// ReadDeviceInfo populates the device-info map. Non-forced reads inside the
// cache window are free: they return without any transport traffic. When a
// read is attempted, each field is read independently over one connection;
// the operation counts as successful if at least one field came back. A
// device that is entirely unreachable is retried a few times with growing
// delay, which covers the first read at setup time. The whole retry loop is
// one logical operation: admission and cooldown are decided once up front,
// and the attempt slot stays claimed across the internal retries so they
// never trip over the cooldown started by their own previous failure.
func (d *device) ReadDeviceInfo(ctx context.Context, force bool) error {
	d.mu.RLock()
	cached := d.infoReadOK && d.now().Sub(d.lastInfoRead) < d.cfg.InfoCacheWindow
	d.mu.RUnlock()

	if !force && cached {
		d.logger.WithField("address", d.identity.Address).Debug("Using cached device info")
		return nil
	}

	if err := d.gov.BeginAttempt(); err != nil {
		// Busy or cooling down. A non-forced read settles for whatever
		// fields are already cached; a forced read surfaces the veto.
		if !force {
			d.logger.WithError(err).WithField("address", d.identity.Address).Debug("Skipping device info read")
			return nil
		}
		return err
	}

	outcome := governor.OutcomeFailure
	defer func() { d.gov.EndAttempt(outcome) }()

	var lastErr error
	for attempt := 0; attempt < d.cfg.InfoReadRetries; attempt++ {
		if attempt > 0 {
			delay := d.cfg.InfoRetryDelay << (attempt - 1)
			d.logger.WithFields(logrus.Fields{
				"address": d.identity.Address,
				"attempt": attempt + 1,
				"delay":   delay,
			}).Debug("Retrying device info read")

			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		readAny, err := d.readInfoOnce(ctx)
		if readAny {
			outcome = governor.OutcomeSuccess

			d.mu.Lock()
			d.lastInfoRead = d.now()
			d.infoReadOK = true
			fields := d.info.Len()
			d.mu.Unlock()

			d.logger.WithFields(logrus.Fields{
				"address": d.identity.Address,
				"fields":  fields,
			}).Info("Device info read")
			return nil
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no device info fields could be read")
	}
	return fmt.Errorf("device info read for %s failed: %w", d.identity.Address, lastErr)
}

// readInfoOnce connects once and reads every info field independently.
// Individual field failures are logged and swallowed.
func (d *device) readInfoOnce(ctx context.Context) (bool, error) {
	if err := d.gov.AcquireConnection(ctx); err != nil {
		return false, err
	}
	defer d.gov.ReleaseConnection()

	conn, err := d.transport.Connect(ctx, d.identity.Address, d.cfg.ConnectionTimeout)
	if err != nil {
		return false, err
	}
	defer func() { _ = conn.Disconnect() }()

	readAny := false
	for _, c := range standardInfoCharacteristics {
		data, err := conn.ReadCharacteristic(c.uuid)
		if err != nil {
			d.logger.WithFields(logrus.Fields{
				"address": d.identity.Address,
				"field":   c.key,
				"error":   err,
			}).Debug("Failed to read info field")
			continue
		}

		if value, ok := protocol.DecodeInfoString(data); ok {
			d.setInfo(c.key, value)
			readAny = true
		}
	}

	if d.specific != nil && d.specific.readSpecificInfo(conn, d.setInfo) {
		readAny = true
	}

	return readAny, nil
}
