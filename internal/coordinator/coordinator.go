// Package coordinator schedules the periodic polling of a single
// basestation and fans the resulting state out to subscribers.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/bstn/internal/basestation"
	"github.com/srg/bstn/internal/governor"
	"github.com/srg/bstn/internal/groutine"
	"github.com/srg/bstn/internal/protocol"
)

// Config holds the polling cadence.
type Config struct {
	// PollInterval is the spacing between scheduled refresh ticks.
	PollInterval time.Duration `default:"5s"`

	// InfoInterval is how often the static device info is re-read. Info
	// reads are cheap most of the time because the device caches them.
	InfoInterval time.Duration `default:"30m"`
}

// DefaultConfig returns the stock polling cadence.
func DefaultConfig() Config {
	cfg := Config{}
	defaults.SetDefaults(&cfg)
	return cfg
}

// Snapshot is one published view of a basestation. It is a value type:
// subscribers get copies and can hold them as long as they like.
type Snapshot struct {
	Address    string
	Name       string
	State      protocol.PowerState
	HasState   bool
	ObservedAt time.Time
	IsOn       bool
	Available  bool
	Fresh      bool
	UpdatedAt  time.Time
	Err        error
}

// Coordinator drives one device's poll loop. Ticks the device vetoes
// (busy, cooling down) are treated as no-ops rather than failures, so a
// long-running manual operation never poisons the published state.
type Coordinator struct {
	dev    basestation.Device
	cfg    Config
	logger *logrus.Logger
	now    func() time.Time

	mu          sync.Mutex
	snapshot    Snapshot
	subscribers map[chan Snapshot]struct{}
	lastInfo    time.Time
	started     bool

	cancel context.CancelFunc
	done   chan struct{}
	stop   sync.Once
}

// New builds a coordinator for the device. Start must be called before any
// state is published.
func New(dev basestation.Device, cfg Config, logger *logrus.Logger) *Coordinator {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	identity := dev.Identity()
	return &Coordinator{
		dev:    dev,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		snapshot: Snapshot{
			Address:   identity.Address,
			Name:      dev.DisplayName(),
			Available: dev.Available(),
		},
		subscribers: make(map[chan Snapshot]struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the background loop. The first poll runs right away, not
// after a full interval. Calling Start twice is an error.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("coordinator already started")
	}
	c.started = true
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	groutine.Go(runCtx, "poll-"+c.dev.Identity().Address, c.run)
	return nil
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	c.poll(ctx)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

// RefreshNow triggers an out-of-schedule poll, used after a power command
// so subscribers see the new state without waiting a full interval.
func (c *Coordinator) RefreshNow(ctx context.Context) {
	c.poll(ctx)
}

func (c *Coordinator) poll(ctx context.Context) {
	log := c.logger.WithField("address", c.dev.Identity().Address)

	c.mu.Lock()
	infoDue := c.lastInfo.IsZero() || c.now().Sub(c.lastInfo) >= c.cfg.InfoInterval
	c.mu.Unlock()

	if infoDue {
		if err := c.dev.ReadDeviceInfo(ctx, false); err != nil {
			log.WithError(err).Debug("Device info refresh failed")
		} else {
			c.mu.Lock()
			c.lastInfo = c.now()
			c.mu.Unlock()
		}
	}

	err := c.dev.RefreshPowerState(ctx)
	switch {
	case err == nil:
	case errors.Is(err, governor.ErrBusy), errors.Is(err, governor.ErrCoolingDown):
		// Another operation owns the device right now. Skip the tick
		// entirely: no publish, no error recorded.
		log.WithError(err).Debug("Poll tick skipped")
		return
	default:
		log.WithError(err).Debug("Poll failed")
	}

	c.publish(err)
}

// publish rebuilds the snapshot from the device's current view and fans it
// out. Slow subscribers only ever miss intermediate snapshots, never the
// latest one.
func (c *Coordinator) publish(pollErr error) {
	state, observedAt, hasState := c.dev.CachedPowerState()

	snap := Snapshot{
		Address:    c.dev.Identity().Address,
		Name:       c.dev.DisplayName(),
		State:      state,
		HasState:   hasState,
		ObservedAt: observedAt,
		IsOn:       c.dev.IsOn(),
		Available:  c.dev.Available(),
		Fresh:      c.dev.HasFreshState(),
		UpdatedAt:  c.now(),
		Err:        pollErr,
	}

	c.mu.Lock()
	c.snapshot = snap
	for ch := range c.subscribers {
		select {
		case ch <- snap:
		default:
			// Drain the stale snapshot and replace it with the fresh one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
	c.mu.Unlock()
}

// Snapshot returns the most recently published state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Subscribe registers for snapshot updates. The returned cancel function
// unregisters and closes the channel; it is safe to call more than once.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	c.mu.Lock()
	c.subscribers[ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, ch)
			c.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Stop halts the poll loop and waits for it to exit. Safe to call multiple
// times and safe to call before Start.
func (c *Coordinator) Stop() {
	c.stop.Do(func() {
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()

		if !started {
			return
		}
		c.cancel()
		<-c.done
	})
}
