// Package governor owns the per-device connection admission state machine:
// serialized attempts, exponential backoff with an extended-cooldown cap,
// and the derived availability contract. A shared Limiter bounds in-flight
// connection attempts across all devices.
package governor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

var (
	// ErrBusy signals that another attempt is already in flight for this
	// device. It is a normal "try again next tick" condition, not a failure.
	ErrBusy = errors.New("connection attempt already in progress")

	// ErrCoolingDown signals that the backoff cooldown has not elapsed yet.
	ErrCoolingDown = errors.New("connection cooldown active")
)

// Config collects every retry/backoff tunable in one place.
type Config struct {
	// MaxRetries is the number of connect cycles tried within one logical
	// operation before the operation reports failure.
	MaxRetries int `default:"2"`

	// BaseCooldown is the backoff base: after n consecutive failures the
	// next attempt must wait BaseCooldown * 2^(n-1).
	BaseCooldown time.Duration `default:"5s"`

	// ExtendedCooldown is the flat cooldown applied once consecutive
	// failures reach MaxConsecutiveFailures.
	ExtendedCooldown time.Duration `default:"30s"`

	// MaxConsecutiveFailures is the threshold at which backoff stops
	// growing and the extended cooldown takes over.
	MaxConsecutiveFailures int `default:"5"`

	// UnavailableThreshold is the consecutive-failure count at which the
	// device reports itself unavailable.
	UnavailableThreshold int `default:"3"`

	// FreshnessWindow is the maximum age of a cached power state reading
	// before it stops counting as fresh.
	FreshnessWindow time.Duration `default:"10s"`

	// SettleDelay is the fixed pause inserted before connecting, to avoid
	// hammering the shared radio. It doubles per retry within an operation.
	SettleDelay time.Duration `default:"500ms"`
}

// DefaultConfig returns the tunables with their default values applied.
func DefaultConfig() Config {
	var c Config
	defaults.SetDefaults(&c)
	return c
}

// Outcome reports how a connection attempt ended.
type Outcome int

const (
	OutcomeFailure Outcome = iota
	OutcomeSuccess
)

// Governor is the per-device connection admission state machine. All state
// is guarded by its mutex; at most one attempt is in progress at a time.
type Governor struct {
	cfg     Config
	limiter *Limiter
	address string
	logger  *logrus.Logger
	now     func() time.Time

	mu                  sync.Mutex
	inProgress          bool
	consecutiveFailures int
	lastAttempt         time.Time
	lastSuccess         time.Time
}

// New creates a governor for one device. The limiter is shared across all
// devices on the same adapter and may not be nil.
func New(address string, cfg Config, limiter *Limiter, logger *logrus.Logger) *Governor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Governor{
		cfg:     cfg,
		limiter: limiter,
		address: address,
		logger:  logger,
		now:     time.Now,
	}
}

// Config returns the tunables this governor was built with.
func (g *Governor) Config() Config {
	return g.cfg
}

// requiredCooldown computes the wait demanded by the current failure count.
// Callers must hold g.mu.
func (g *Governor) requiredCooldown() time.Duration {
	switch {
	case g.consecutiveFailures >= g.cfg.MaxConsecutiveFailures:
		return g.cfg.ExtendedCooldown
	case g.consecutiveFailures > 0:
		return g.cfg.BaseCooldown << (g.consecutiveFailures - 1)
	default:
		return 0
	}
}

// ShouldAttempt reports whether a new connection attempt is admissible:
// no attempt in progress and the backoff cooldown has elapsed.
func (g *Governor) ShouldAttempt() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inProgress {
		return false
	}
	return g.now().Sub(g.lastAttempt) >= g.requiredCooldown()
}

// BeginAttempt atomically claims the single attempt slot for this device.
// It returns ErrBusy if an attempt is already in flight and ErrCoolingDown
// if the backoff cooldown has not elapsed. On success the caller must
// guarantee a matching EndAttempt on every exit path.
func (g *Governor) BeginAttempt() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inProgress {
		return ErrBusy
	}
	if g.now().Sub(g.lastAttempt) < g.requiredCooldown() {
		return ErrCoolingDown
	}

	g.inProgress = true
	g.lastAttempt = g.now()
	return nil
}

// EndAttempt releases the attempt slot and folds the outcome into the
// backoff state. It is safe to call from a deferred cleanup path.
func (g *Governor) EndAttempt(outcome Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.inProgress = false

	if outcome == OutcomeSuccess {
		g.consecutiveFailures = 0
		g.lastSuccess = g.now()
		return
	}

	g.consecutiveFailures++
	if g.consecutiveFailures == g.cfg.MaxConsecutiveFailures {
		g.logger.WithFields(logrus.Fields{
			"address":  g.address,
			"failures": g.consecutiveFailures,
		}).Warn("Persistent connection failures, entering extended cooldown")
	}
}

// AcquireConnection claims a slot in the shared cross-device connection
// limiter, blocking until one frees up or the context ends. Every
// successful acquire must be paired with ReleaseConnection on all exits.
func (g *Governor) AcquireConnection(ctx context.Context) error {
	return g.limiter.Acquire(ctx)
}

// ReleaseConnection returns the shared connection slot.
func (g *Governor) ReleaseConnection() {
	g.limiter.Release()
}

// NoteDisconnected records an unsolicited disconnect event. It is delivered
// into the governor's own state update path rather than mutating shared
// state from the transport callback goroutine. A disconnect between
// operations is normal and does not change availability.
func (g *Governor) NoteDisconnected() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.WithField("address", g.address).Debug("Device disconnected")
}

// Available reports the derived availability: false once consecutive
// failures reach the unavailable threshold, true again after one success
// resets the streak. Nothing tracks availability independently.
func (g *Governor) Available() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutiveFailures < g.cfg.UnavailableThreshold
}

// ConsecutiveFailures returns the current failure streak.
func (g *Governor) ConsecutiveFailures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutiveFailures
}

// LastSuccess returns the time of the most recent successful attempt.
func (g *Governor) LastSuccess() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSuccess, !g.lastSuccess.IsZero()
}

// Settle sleeps the pre-connect delay for the given retry index within one
// logical operation: SettleDelay/2 before the first cycle, then doubling.
// It returns early if the context is cancelled.
func (g *Governor) Settle(ctx context.Context, attempt int) error {
	delay := g.cfg.SettleDelay / 2
	if attempt > 0 {
		delay = g.cfg.SettleDelay << attempt
	}
	if delay <= 0 {
		return nil
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
