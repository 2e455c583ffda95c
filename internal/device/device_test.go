package device

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wemoemu/pkg/driver"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedDriver returns canned answers and counts calls.
type scriptedDriver struct {
	onResult  bool
	offResult bool
	state     driver.State

	onCalls    atomic.Int32
	offCalls   atomic.Int32
	queryCalls atomic.Int32
	closed     atomic.Int32
}

func (s *scriptedDriver) TurnOn(ctx context.Context) bool {
	s.onCalls.Add(1)
	return s.onResult
}

func (s *scriptedDriver) TurnOff(ctx context.Context) bool {
	s.offCalls.Add(1)
	return s.offResult
}

func (s *scriptedDriver) QueryState(ctx context.Context) driver.State {
	s.queryCalls.Add(1)
	return s.state
}

func (s *scriptedDriver) Close() error {
	s.closed.Add(1)
	return nil
}

type panickyDriver struct{}

func (panickyDriver) TurnOn(ctx context.Context) bool             { panic("relay on fire") }
func (panickyDriver) TurnOff(ctx context.Context) bool            { panic("relay on fire") }
func (panickyDriver) QueryState(ctx context.Context) driver.State { panic("relay on fire") }

// blockingDriver ignores its context and waits on release.
type blockingDriver struct {
	release chan struct{}
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (b *blockingDriver) enter() {
	n := b.active.Add(1)
	for {
		seen := b.maxSeen.Load()
		if n <= seen || b.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
}

func (b *blockingDriver) TurnOn(ctx context.Context) bool {
	b.enter()
	defer b.active.Add(-1)
	<-b.release
	return true
}

func (b *blockingDriver) TurnOff(ctx context.Context) bool { return b.TurnOn(ctx) }

func (b *blockingDriver) QueryState(ctx context.Context) driver.State {
	b.TurnOn(ctx)
	return driver.StateOn
}

type recordingObserver struct {
	mu      sync.Mutex
	results []Result
}

func (r *recordingObserver) CommandHandled(d *Device, res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func newTestDevice(t *testing.T, drv driver.Driver, timeout time.Duration) *Device {
	t.Helper()
	dev := New(Config{Name: "Test Outlet", Port: 12345, DriverName: "test", CommandTimeout: timeout}, drv, zap.NewNop())
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestIdentity_Deterministic(t *testing.T) {
	a := NewIdentity("Device-A")
	b := NewIdentity("Device-A")
	c := NewIdentity("Device-B")

	assert.Equal(t, a.UUID, b.UUID)
	assert.NotEqual(t, a.UUID, c.UUID)
	assert.Equal(t, "uuid:Socket-1_0-"+a.Serial, a.UDN)
	assert.Equal(t, a.UUID.String(), a.Serial)

	// name-based, MD5
	assert.Equal(t, 3, int(a.UUID.Version()))
}

func TestIdentity_CaseSensitive(t *testing.T) {
	assert.NotEqual(t, NewIdentity("kitchen").UUID, NewIdentity("Kitchen").UUID)
}

func TestHandle_TurnOnCalledOnce(t *testing.T) {
	for _, verdict := range []bool{true, false} {
		drv := &scriptedDriver{onResult: verdict}
		dev := newTestDevice(t, drv, time.Second)

		res := dev.Handle(context.Background(), ActionOn)

		assert.Equal(t, int32(1), drv.onCalls.Load())
		assert.Equal(t, int32(0), drv.offCalls.Load())
		assert.Equal(t, verdict, res.OK)
		assert.NoError(t, res.Err)
		assert.Equal(t, "1", res.BinaryState(), "set always echoes the requested value")
	}
}

func TestHandle_TurnOff(t *testing.T) {
	drv := &scriptedDriver{offResult: true}
	dev := newTestDevice(t, drv, time.Second)

	res := dev.Handle(context.Background(), ActionOff)

	assert.Equal(t, int32(1), drv.offCalls.Load())
	assert.True(t, res.OK)
	assert.Equal(t, "0", res.BinaryState())
}

func TestHandle_GetStateMapping(t *testing.T) {
	tests := []struct {
		name  string
		state driver.State
		want  string
	}{
		{"on", driver.StateOn, "1"},
		{"off", driver.StateOff, "0"},
		{"unknown", driver.StateUnknown, UnknownBinaryState},
		{"garbage", driver.State("ON"), UnknownBinaryState},
		{"empty", driver.State(""), UnknownBinaryState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv := &scriptedDriver{state: tt.state}
			dev := newTestDevice(t, drv, time.Second)

			res := dev.Handle(context.Background(), ActionGetState)

			assert.Equal(t, tt.want, res.BinaryState())
			assert.Equal(t, int32(1), drv.queryCalls.Load(), "state is never cached")
		})
	}
}

func TestHandle_PanicYieldsUnknown(t *testing.T) {
	dev := newTestDevice(t, panickyDriver{}, time.Second)

	res := dev.Handle(context.Background(), ActionGetState)
	assert.Equal(t, UnknownBinaryState, res.BinaryState())
	assert.True(t, errors.Is(res.Err, ErrDriverPanic))

	res = dev.Handle(context.Background(), ActionOn)
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrDriverPanic)

	// the device keeps serving after a panic
	res = dev.Handle(context.Background(), ActionOff)
	assert.ErrorIs(t, res.Err, ErrDriverPanic)
}

func TestHandle_Timeout(t *testing.T) {
	drv := &blockingDriver{release: make(chan struct{})}
	dev := newTestDevice(t, drv, 50*time.Millisecond)
	defer close(drv.release)

	start := time.Now()
	res := dev.Handle(context.Background(), ActionGetState)

	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	assert.Equal(t, UnknownBinaryState, res.BinaryState())
}

func TestHandle_NeverConcurrentOnSameDriver(t *testing.T) {
	drv := &blockingDriver{release: make(chan struct{})}
	dev := newTestDevice(t, drv, 100*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dev.Handle(context.Background(), ActionOn)
		}()
	}
	wg.Wait()

	// every command timed out, but the stuck driver was only ever entered once
	assert.Equal(t, int32(1), drv.maxSeen.Load())
	assert.Equal(t, int32(1), drv.active.Load())

	close(drv.release)
	require.Eventually(t, func() bool { return drv.active.Load() == 0 }, time.Second, 5*time.Millisecond)

	// slot is free again once the driver returns
	res := dev.Handle(context.Background(), ActionOn)
	assert.NoError(t, res.Err)
	assert.True(t, res.OK)
}

func TestHandle_CallerCancellation(t *testing.T) {
	drv := &blockingDriver{release: make(chan struct{})}
	dev := newTestDevice(t, drv, time.Minute)
	defer close(drv.release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := dev.Handle(ctx, ActionOn)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	assert.False(t, res.OK)
}

func TestHandle_Observer(t *testing.T) {
	obs := &recordingObserver{}
	drv := &scriptedDriver{onResult: true, state: driver.StateOn}
	dev := New(Config{Name: "Observed", Port: 1, CommandTimeout: time.Second, Observer: obs}, drv, nil)
	defer dev.Close()

	dev.Handle(context.Background(), ActionOn)
	dev.Handle(context.Background(), ActionGetState)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.results, 2)
	assert.Equal(t, ActionOn, obs.results[0].Action)
	assert.True(t, obs.results[0].OK)
	assert.Equal(t, ActionGetState, obs.results[1].Action)
	assert.Equal(t, driver.StateOn, obs.results[1].State)
}

func TestClose(t *testing.T) {
	drv := &scriptedDriver{state: driver.StateOn}
	dev := New(Config{Name: "Closing", Port: 1}, drv, nil)

	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())
	assert.Equal(t, int32(1), drv.closed.Load())

	res := dev.Handle(context.Background(), ActionGetState)
	assert.ErrorIs(t, res.Err, ErrClosed)
	assert.Equal(t, int32(0), drv.queryCalls.Load())
}

func TestClose_CancelsInFlight(t *testing.T) {
	drv := &blockingDriver{release: make(chan struct{})}
	dev := New(Config{Name: "Stuck", Port: 1, CommandTimeout: time.Minute}, drv, nil)
	defer close(drv.release)

	done := make(chan Result, 1)
	go func() { done <- dev.Handle(context.Background(), ActionOn) }()

	require.Eventually(t, func() bool { return drv.active.Load() == 1 }, time.Second, 5*time.Millisecond)
	dev.Close()

	select {
	case res := <-done:
		assert.ErrorIs(t, res.Err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Close did not cancel the in-flight command")
	}
}

func TestNew_DefaultTimeout(t *testing.T) {
	dev := New(Config{Name: "x"}, &scriptedDriver{}, nil)
	defer dev.Close()
	assert.Equal(t, DefaultCommandTimeout, dev.timeout)
	assert.Equal(t, "x", dev.Name())
}
