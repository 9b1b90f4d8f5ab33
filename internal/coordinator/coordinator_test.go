package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bstn/internal/basestation"
	"github.com/srg/bstn/internal/governor"
	"github.com/srg/bstn/internal/protocol"
)

// fakeDevice is a scriptable basestation.Device.
type fakeDevice struct {
	mu           sync.Mutex
	identity     basestation.Identity
	state        protocol.PowerState
	hasState     bool
	observedAt   time.Time
	available    bool
	fresh        bool
	refreshErr   error
	refreshCalls int
	infoCalls    int
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	id, err := basestation.NewIdentity("AA:BB:CC:DD:EE:FF", "LHB-12345678", basestation.VariantValve, nil)
	require.NoError(t, err)
	return &fakeDevice{identity: id, available: true}
}

func (f *fakeDevice) Identity() basestation.Identity { return f.identity }
func (f *fakeDevice) DisplayName() string            { return f.identity.Name }

func (f *fakeDevice) TurnOn(context.Context) error  { return nil }
func (f *fakeDevice) TurnOff(context.Context) error { return nil }

func (f *fakeDevice) RefreshPowerState(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.hasState = true
	f.observedAt = time.Now()
	f.fresh = true
	return nil
}

func (f *fakeDevice) ReadDeviceInfo(context.Context, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCalls++
	return nil
}

func (f *fakeDevice) CachedPowerState() (protocol.PowerState, time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.observedAt, f.hasState
}

func (f *fakeDevice) IsOn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasState && f.state.IsOn()
}

func (f *fakeDevice) HasFreshState() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fresh
}

func (f *fakeDevice) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeDevice) ConsecutiveFailures() int { return 0 }

func (f *fakeDevice) Info(basestation.InfoKey) (string, bool) { return "", false }
func (f *fakeDevice) InfoFields() []basestation.InfoField     { return nil }
func (f *fakeDevice) Close() error                            { return nil }

func (f *fakeDevice) setRefreshErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshErr = err
}

func (f *fakeDevice) counts() (refresh, info int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls, f.infoCalls
}

func testConfig() Config {
	return Config{PollInterval: 10 * time.Millisecond, InfoInterval: time.Hour}
}

// waitFirstPoll blocks until the initial background poll has published.
func waitFirstPoll(t *testing.T, c *Coordinator) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !c.Snapshot().UpdatedAt.IsZero()
	}, time.Second, time.Millisecond)
}

func TestCoordinator_StartPublishesInitialSnapshot(t *testing.T) {
	dev := newFakeDevice(t)
	dev.state = protocol.StateOn

	c := New(dev, testConfig(), nil)
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		return c.Snapshot().HasState
	}, time.Second, time.Millisecond, "first poll runs right after Start")

	snap := c.Snapshot()
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", snap.Address)
	assert.Equal(t, "LHB-12345678", snap.Name)
	assert.True(t, snap.HasState)
	assert.Equal(t, protocol.StateOn, snap.State)
	assert.True(t, snap.Available)
	assert.True(t, snap.Fresh)
	assert.NoError(t, snap.Err)
	assert.False(t, snap.UpdatedAt.IsZero())

	refresh, info := dev.counts()
	assert.GreaterOrEqual(t, refresh, 1)
	assert.Equal(t, 1, info, "first poll reads device info")
}

func TestCoordinator_StartTwiceFails(t *testing.T) {
	c := New(newFakeDevice(t), testConfig(), nil)
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))
}

func TestCoordinator_PollLoopTicks(t *testing.T) {
	dev := newFakeDevice(t)
	c := New(dev, testConfig(), nil)
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))

	assert.Eventually(t, func() bool {
		refresh, _ := dev.counts()
		return refresh >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_BusyTickIsNoOp(t *testing.T) {
	dev := newFakeDevice(t)
	dev.state = protocol.StateOn

	c := New(dev, Config{PollInterval: time.Hour, InfoInterval: time.Hour}, nil)
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))
	waitFirstPoll(t, c)
	before := c.Snapshot()

	// The device is busy with something else; the tick must change nothing.
	dev.setRefreshErr(governor.ErrBusy)
	c.RefreshNow(context.Background())

	after := c.Snapshot()
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.NoError(t, after.Err)
}

func TestCoordinator_FailedPollPublishesError(t *testing.T) {
	dev := newFakeDevice(t)
	c := New(dev, Config{PollInterval: time.Hour, InfoInterval: time.Hour}, nil)
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))
	waitFirstPoll(t, c)

	dev.setRefreshErr(assert.AnError)
	c.RefreshNow(context.Background())

	snap := c.Snapshot()
	assert.Error(t, snap.Err)
	assert.True(t, snap.HasState, "cached state survives a failed poll")
}

func TestCoordinator_SubscribeReceivesUpdates(t *testing.T) {
	dev := newFakeDevice(t)
	c := New(dev, Config{PollInterval: time.Hour, InfoInterval: time.Hour}, nil)
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))
	waitFirstPoll(t, c)

	ch, cancel := c.Subscribe()
	defer cancel()

	c.RefreshNow(context.Background())

	select {
	case snap := <-ch:
		assert.True(t, snap.HasState)
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}
}

func TestCoordinator_SlowSubscriberGetsLatest(t *testing.T) {
	dev := newFakeDevice(t)
	c := New(dev, Config{PollInterval: time.Hour, InfoInterval: time.Hour}, nil)
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))
	waitFirstPoll(t, c)

	ch, cancel := c.Subscribe()
	defer cancel()

	// Never read between publishes; the buffered slot must hold the
	// latest snapshot, not the first.
	c.RefreshNow(context.Background())
	first := c.Snapshot()

	time.Sleep(time.Millisecond)
	c.RefreshNow(context.Background())
	latest := c.Snapshot()
	require.NotEqual(t, first.UpdatedAt, latest.UpdatedAt)

	snap := <-ch
	assert.Equal(t, latest.UpdatedAt, snap.UpdatedAt)
}

func TestCoordinator_StopIsIdempotent(t *testing.T) {
	c := New(newFakeDevice(t), testConfig(), nil)
	require.NoError(t, c.Start(context.Background()))

	c.Stop()
	c.Stop()
}

func TestCoordinator_StopBeforeStart(t *testing.T) {
	c := New(newFakeDevice(t), testConfig(), nil)
	c.Stop()
}

func TestCoordinator_SubscribeCancelTwice(t *testing.T) {
	c := New(newFakeDevice(t), testConfig(), nil)
	defer c.Stop()

	_, cancel := c.Subscribe()
	cancel()
	cancel()
}
