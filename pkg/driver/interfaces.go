// Package driver provides the driver contract and registry for emulated
// outlets. Every virtual device is backed by exactly one Driver instance that
// knows how to switch the real appliance and read back its state. Drivers
// register themselves with the global registry from init() functions, so the
// set of available backends is fixed at compile time and selected by name in
// the device configuration.
package driver

import "context"

// State is the power state reported by a driver.
type State string

const (
	StateOn      State = "on"
	StateOff     State = "off"
	StateUnknown State = "unknown"
)

// ParseState maps a loosely formatted state string onto a State.
// Anything other than on/off is StateUnknown.
func ParseState(s string) State {
	switch State(s) {
	case StateOn, StateOff:
		return State(s)
	}
	return StateUnknown
}

// Driver is the capability contract every device backend must satisfy.
//
// Implementations must not panic or block forever for expected failure modes
// (network errors, timeouts, failed subprocesses): those map to false or
// StateUnknown. The context carries the per-command deadline and is cancelled
// on shutdown, so drivers doing I/O should honour it.
//
// The owning device never calls a Driver concurrently with itself.
type Driver interface {
	// TurnOn attempts to power on the underlying device and reports whether
	// the action is believed to have succeeded.
	TurnOn(ctx context.Context) bool

	// TurnOff is the symmetric counterpart of TurnOn.
	TurnOff(ctx context.Context) bool

	// QueryState performs a best-effort read of the current state.
	// It returns StateUnknown when the state cannot be determined.
	QueryState(ctx context.Context) State
}

// Factory creates a new driver instance for one device from its parameters.
// Factories validate their parameters and return an error (typically wrapping
// ErrMissingParam or ErrParamType) when the configuration is unusable.
type Factory func(ctx *Context, params Params) (Driver, error)
