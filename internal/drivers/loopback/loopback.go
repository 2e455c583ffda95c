// Package loopback provides drivers that need no external system: Echo keeps
// the state in memory and AlwaysFails reports failure for everything. They
// back the test harness and are handy for checking a voice assistant setup
// before wiring real appliances.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"wemoemu/pkg/driver"

	"go.uber.org/zap"
)

const (
	EchoName        = "Echo"
	AlwaysFailsName = "AlwaysFails"
)

func init() {
	for _, info := range Drivers() {
		if err := driver.Register(info); err != nil {
			panic(fmt.Sprintf("register %s: %v", info.Name, err))
		}
	}
}

// Drivers returns the registration info for every loopback driver.
func Drivers() []driver.Info {
	return []driver.Info{
		{
			Name:        EchoName,
			Description: "In-memory outlet that remembers the last command",
			Priority:    driver.PriorityDefault,
			Factory:     NewEcho,
		},
		{
			Name:        AlwaysFailsName,
			Description: "Outlet whose every command fails",
			Priority:    driver.PriorityDefault,
			Factory:     NewAlwaysFails,
		},
	}
}

// Echo is an in-memory driver.
type Echo struct {
	mu     sync.Mutex
	state  driver.State
	logger *zap.Logger
}

// NewEcho builds an Echo driver. The optional initial_state parameter sets
// the state reported before the first command (default off).
func NewEcho(ctx *driver.Context, params driver.Params) (driver.Driver, error) {
	initial, err := params.StringOr("initial_state", string(driver.StateOff))
	if err != nil {
		return nil, err
	}
	state := driver.State(initial)
	switch state {
	case driver.StateOn, driver.StateOff, driver.StateUnknown:
	default:
		return nil, fmt.Errorf("%w: initial_state must be on, off or unknown, got %q", driver.ErrParamType, initial)
	}
	return &Echo{state: state, logger: ctx.Logger}, nil
}

func (e *Echo) TurnOn(ctx context.Context) bool {
	e.set(driver.StateOn)
	return true
}

func (e *Echo) TurnOff(ctx context.Context) bool {
	e.set(driver.StateOff)
	return true
}

func (e *Echo) QueryState(ctx context.Context) driver.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Echo) set(state driver.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logger.Debug("Echo state changed", zap.String("from", string(e.state)), zap.String("to", string(state)))
	e.state = state
}

// AlwaysFails reports failure for every command.
type AlwaysFails struct{}

// NewAlwaysFails builds an AlwaysFails driver. It takes no parameters.
func NewAlwaysFails(ctx *driver.Context, params driver.Params) (driver.Driver, error) {
	return AlwaysFails{}, nil
}

func (AlwaysFails) TurnOn(ctx context.Context) bool             { return false }
func (AlwaysFails) TurnOff(ctx context.Context) bool            { return false }
func (AlwaysFails) QueryState(ctx context.Context) driver.State { return driver.StateUnknown }
