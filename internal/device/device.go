// Package device implements the virtual outlet: one driver instance bound to
// one protocol identity and port, with commands serialized, time-bounded and
// isolated from driver faults.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"wemoemu/pkg/driver"

	"go.uber.org/zap"
)

// DefaultCommandTimeout bounds a single driver call when no timeout is
// configured.
const DefaultCommandTimeout = 5 * time.Second

// UnknownBinaryState is the BinaryState token answered when the driver could
// not determine the state. Real sockets report "Error" in this situation.
const UnknownBinaryState = "Error"

var (
	// ErrTimeout means the command deadline passed before the driver answered.
	ErrTimeout = errors.New("command timed out")

	// ErrDriverPanic means the driver panicked while handling the command.
	ErrDriverPanic = errors.New("driver panicked")

	// ErrClosed means the device was already shut down.
	ErrClosed = errors.New("device closed")
)

// Action is one command a controller can send to an outlet.
type Action string

const (
	ActionOn       Action = "on"
	ActionOff      Action = "off"
	ActionGetState Action = "getState"
)

// Result is the outcome of one command.
type Result struct {
	Action Action

	// OK is the driver's verdict for on/off. Always false for getState.
	OK bool

	// State is the queried state for getState, StateUnknown otherwise.
	State driver.State

	// Err is set when the driver never produced a verdict (timeout, panic,
	// closed device). OK and State are then false/unknown.
	Err error

	Latency time.Duration
}

// BinaryState renders the result in the protocol's textual encoding.
// Set commands echo the requested value regardless of the driver verdict;
// getState maps on/off/unknown to 1/0/Error.
func (r Result) BinaryState() string {
	switch r.Action {
	case ActionOn:
		return "1"
	case ActionOff:
		return "0"
	}
	switch r.State {
	case driver.StateOn:
		return "1"
	case driver.StateOff:
		return "0"
	default:
		return UnknownBinaryState
	}
}

// Observer is notified after every completed command. It is called on the
// request path before the reply is written and must not block.
type Observer interface {
	CommandHandled(d *Device, res Result)
}

// Config describes a device to build.
type Config struct {
	Name       string
	Port       int
	DriverName string

	// CommandTimeout defaults to DefaultCommandTimeout.
	CommandTimeout time.Duration

	Observer Observer
}

// Device is one emulated outlet.
type Device struct {
	identity   Identity
	port       int
	driverName string
	drv        driver.Driver
	timeout    time.Duration
	observer   Observer
	logger     *zap.Logger

	// slot holds one token while a driver call is running. It is released
	// when the driver returns, not when the command deadline passes, so a
	// stuck driver is never entered twice.
	slot chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// New binds drv to a new device. The device takes ownership of drv.
func New(cfg Config, drv driver.Driver, logger *zap.Logger) *Device {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Device{
		identity:   NewIdentity(cfg.Name),
		port:       cfg.Port,
		driverName: cfg.DriverName,
		drv:        drv,
		timeout:    timeout,
		observer:   cfg.Observer,
		logger:     logger.Named("device").With(zap.String("device", cfg.Name)),
		slot:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (d *Device) Identity() Identity { return d.identity }
func (d *Device) Name() string       { return d.identity.Name }
func (d *Device) Port() int          { return d.port }
func (d *Device) DriverName() string { return d.driverName }

// Handle runs one command against the driver and returns its result. It never
// panics and never returns later than the command timeout, even when the
// driver is stuck.
func (d *Device) Handle(ctx context.Context, action Action) Result {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	stop := context.AfterFunc(d.ctx, cancel)
	defer stop()

	res := d.dispatch(ctx, action)
	res.Action = action
	res.Latency = time.Since(start)
	if res.State == "" {
		res.State = driver.StateUnknown
	}

	d.logResult(res)
	if d.observer != nil {
		d.observer.CommandHandled(d, res)
	}
	return res
}

func (d *Device) dispatch(ctx context.Context, action Action) Result {
	if d.ctx.Err() != nil {
		return Result{Err: ErrClosed}
	}

	select {
	case d.slot <- struct{}{}:
	case <-ctx.Done():
		return Result{Err: d.deadlineErr(ctx)}
	}

	done := make(chan Result, 1)
	go func() {
		defer func() { <-d.slot }()
		done <- d.invoke(ctx, action)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return Result{Err: d.deadlineErr(ctx)}
	}
}

func (d *Device) invoke(ctx context.Context, action Action) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("Driver panicked",
				zap.String("action", string(action)),
				zap.Any("panic", rec),
				zap.Stack("stack"))
			res = Result{Err: fmt.Errorf("%w: %v", ErrDriverPanic, rec)}
		}
	}()

	switch action {
	case ActionOn:
		return Result{OK: d.drv.TurnOn(ctx)}
	case ActionOff:
		return Result{OK: d.drv.TurnOff(ctx)}
	case ActionGetState:
		return Result{State: driver.ParseState(string(d.drv.QueryState(ctx)))}
	default:
		return Result{Err: fmt.Errorf("unsupported action %q", action)}
	}
}

func (d *Device) deadlineErr(ctx context.Context) error {
	if d.ctx.Err() != nil {
		return ErrClosed
	}
	return fmt.Errorf("%w after %s: %v", ErrTimeout, d.timeout, ctx.Err())
}

func (d *Device) logResult(res Result) {
	fields := []zap.Field{
		zap.String("action", string(res.Action)),
		zap.Duration("latency", res.Latency),
	}
	switch {
	case res.Err != nil:
		d.logger.Warn("Command failed", append(fields, zap.Error(res.Err))...)
	case res.Action == ActionGetState:
		d.logger.Info("Command handled", append(fields, zap.String("state", string(res.State)))...)
	default:
		d.logger.Info("Command handled", append(fields, zap.Bool("ok", res.OK))...)
	}
}

// Close cancels in-flight commands and releases the driver if it implements
// io.Closer. Safe to call more than once; the driver is closed exactly once.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.cancel()
		if c, ok := d.drv.(io.Closer); ok {
			d.closeErr = c.Close()
		}
	})
	return d.closeErr
}
