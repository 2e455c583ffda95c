// Package commandline drives an outlet by running local commands.
//
// Commands are split shell-style (or given as an argv list) but executed
// directly, never through a shell, so pipes, redirection and && chains are
// not available. A command that exits 0 counts as success.
package commandline

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"wemoemu/pkg/driver"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

const Name = "CommandLine"

// waitDelay bounds how long Wait keeps reading output after the command
// exited or its deadline passed. Backgrounded children inherit the pipes.
const waitDelay = 500 * time.Millisecond

func init() {
	if err := driver.Register(driver.Info{
		Name:        Name,
		Description: "Runs a local command for on, off and optionally state",
		Priority:    driver.PriorityDefault,
		Factory:     New,
	}); err != nil {
		panic(err)
	}
}

// Driver runs configured commands.
type Driver struct {
	onCmd    []string
	offCmd   []string
	stateCmd []string

	// fakeState makes QueryState report the last successful command when
	// there is no state command.
	fakeState bool

	mu   sync.Mutex
	last driver.State

	logger *zap.Logger
}

// New builds a Driver from on_cmd, off_cmd and the optional state_cmd and
// use_fake_state parameters.
func New(ctx *driver.Context, params driver.Params) (driver.Driver, error) {
	onCmd, err := requiredCommand(params, "on_cmd")
	if err != nil {
		return nil, err
	}
	offCmd, err := requiredCommand(params, "off_cmd")
	if err != nil {
		return nil, err
	}

	var stateCmd []string
	if params.Has("state_cmd") {
		if stateCmd, err = requiredCommand(params, "state_cmd"); err != nil {
			return nil, err
		}
	}

	fakeState, err := params.BoolOr("use_fake_state", false)
	if err != nil {
		return nil, err
	}

	return &Driver{
		onCmd:     onCmd,
		offCmd:    offCmd,
		stateCmd:  stateCmd,
		fakeState: fakeState,
		last:      driver.StateUnknown,
		logger:    ctx.Logger,
	}, nil
}

// requiredCommand reads a command either as one string, split shell-style,
// or as a ready argv list.
func requiredCommand(params driver.Params, key string) ([]string, error) {
	var argv []string
	switch params[key].(type) {
	case []interface{}, []string:
		list, err := params.Strings(key)
		if err != nil {
			return nil, err
		}
		argv = list
	default:
		raw, err := params.String(key)
		if err != nil {
			return nil, err
		}
		if argv, err = shlex.Split(raw); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", driver.ErrParamType, key, err)
		}
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", driver.ErrMissingParam, key)
	}
	return argv, nil
}

func (d *Driver) TurnOn(ctx context.Context) bool {
	return d.switchTo(ctx, d.onCmd, driver.StateOn)
}

func (d *Driver) TurnOff(ctx context.Context) bool {
	return d.switchTo(ctx, d.offCmd, driver.StateOff)
}

func (d *Driver) switchTo(ctx context.Context, argv []string, state driver.State) bool {
	if !d.run(ctx, argv) {
		return false
	}
	d.mu.Lock()
	d.last = state
	d.mu.Unlock()
	return true
}

// QueryState runs state_cmd: exit 0 means on, any other exit status off.
// Without state_cmd the state is unknown unless use_fake_state is set.
func (d *Driver) QueryState(ctx context.Context) driver.State {
	if d.stateCmd == nil {
		if !d.fakeState {
			return driver.StateUnknown
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.last
	}

	err := command(ctx, d.stateCmd).Run()
	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		d.logger.Warn("State command ran past its deadline",
			zap.String("cmd", strings.Join(d.stateCmd, " ")),
			zap.Error(ctx.Err()))
		return driver.StateUnknown
	case err == nil, errors.Is(err, exec.ErrWaitDelay):
		return driver.StateOn
	case errors.As(err, &exitErr):
		return driver.StateOff
	default:
		d.logger.Warn("State command failed",
			zap.String("cmd", strings.Join(d.stateCmd, " ")),
			zap.Error(err))
		return driver.StateUnknown
	}
}

func (d *Driver) run(ctx context.Context, argv []string) bool {
	out, err := command(ctx, argv).CombinedOutput()
	if ctx.Err() != nil {
		d.logger.Warn("Command ran past its deadline",
			zap.String("cmd", strings.Join(argv, " ")),
			zap.ByteString("output", out),
			zap.Error(ctx.Err()))
		return false
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		// exited 0 but a child still holds the output pipe
		err = nil
	}
	if err != nil {
		d.logger.Warn("Command failed",
			zap.String("cmd", strings.Join(argv, " ")),
			zap.ByteString("output", out),
			zap.Error(err))
		return false
	}
	d.logger.Debug("Command succeeded",
		zap.String("cmd", strings.Join(argv, " ")),
		zap.ByteString("output", out))
	return true
}

func command(ctx context.Context, argv []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = waitDelay
	return cmd
}
