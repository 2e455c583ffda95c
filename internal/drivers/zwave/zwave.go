// Package zwave switches devices through a z-way server's REST API.
package zwave

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"wemoemu/pkg/driver"

	"go.uber.org/zap"
)

const Name = "Zwave"

const (
	defaultHost = "localhost"
	defaultPort = 8083
	defaultUser = "admin"

	maxBody = 64 << 10
)

func init() {
	if err := driver.Register(driver.Info{
		Name:        Name,
		Description: "Sends on/off commands to a z-way server device",
		Priority:    driver.PriorityDefault,
		Factory:     New,
	}); err != nil {
		panic(err)
	}
}

// envelope is the z-way API response wrapper.
type envelope struct {
	Data    json.RawMessage `json:"data"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
}

func (e envelope) ok() bool {
	return e.Code == http.StatusOK && (len(e.Error) == 0 || string(e.Error) == "null")
}

// Driver talks to one z-way device.
type Driver struct {
	baseURL string
	device  string
	user    string
	pass    string

	fakeState bool
	stateMu   sync.Mutex
	state     driver.State

	client *http.Client
	logger *zap.Logger
}

// New builds a Driver. Only device is required.
func New(ctx *driver.Context, params driver.Params) (driver.Driver, error) {
	device, err := params.String("device")
	if err != nil {
		return nil, err
	}
	host, err := params.StringOr("zwave_host", defaultHost)
	if err != nil {
		return nil, err
	}
	port, err := portParam(params, "zwave_port", defaultPort)
	if err != nil {
		return nil, err
	}
	user, err := params.StringOr("zwave_user", defaultUser)
	if err != nil {
		return nil, err
	}
	pass, err := params.StringOr("zwave_pass", "")
	if err != nil {
		return nil, err
	}
	fake, err := params.BoolOr("fake_state", false)
	if err != nil {
		return nil, err
	}
	// reported by fake_state until the first successful command
	initial, err := params.StringOr("state", string(driver.StateUnknown))
	if err != nil {
		return nil, err
	}

	return &Driver{
		baseURL:   fmt.Sprintf("http://%s:%d", host, port),
		device:    device,
		user:      user,
		pass:      pass,
		fakeState: fake,
		state:     driver.ParseState(strings.ToLower(strings.TrimSpace(initial))),
		client:    &http.Client{},
		logger:    ctx.Logger.With(zap.String("zwave_device", device)),
	}, nil
}

// portParam accepts a number or a numeric string.
func portParam(params driver.Params, key string, def int) (int, error) {
	if s, ok := params[key].(string); ok {
		port, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be a port number, got %q", driver.ErrParamType, key, s)
		}
		return checkPort(key, port)
	}
	port, err := params.IntOr(key, def)
	if err != nil {
		return 0, err
	}
	return checkPort(key, port)
}

func checkPort(key string, port int) (int, error) {
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: %s %d out of range", driver.ErrParamType, key, port)
	}
	return port, nil
}

func (d *Driver) TurnOn(ctx context.Context) bool {
	return d.command(ctx, driver.StateOn)
}

func (d *Driver) TurnOff(ctx context.Context) bool {
	return d.command(ctx, driver.StateOff)
}

func (d *Driver) command(ctx context.Context, target driver.State) bool {
	url := fmt.Sprintf("%s/ZAutomation/api/v1/devices/%s/command/%s", d.baseURL, d.device, target)

	status, body, err := d.get(ctx, url)
	if err != nil {
		d.logger.Warn("Command request failed", zap.String("url", url), zap.Error(err))
		return false
	}

	var env envelope
	if status != http.StatusOK || json.Unmarshal(body, &env) != nil || !env.ok() {
		d.logger.Warn("Command rejected",
			zap.Int("status", status),
			zap.String("body", string(body)))
		return false
	}

	d.stateMu.Lock()
	d.state = target
	d.stateMu.Unlock()
	return true
}

// QueryState asks z-way for metrics:level, or returns the last commanded
// state when fake_state is set.
func (d *Driver) QueryState(ctx context.Context) driver.State {
	if d.fakeState {
		d.stateMu.Lock()
		defer d.stateMu.Unlock()
		return d.state
	}

	url := fmt.Sprintf("%s/JS/Run/controller.devices.get('%s').get('metrics:level')", d.baseURL, d.device)
	status, body, err := d.get(ctx, url)
	if err != nil {
		d.logger.Warn("State request failed", zap.Error(err))
		return driver.StateUnknown
	}
	if status == http.StatusOK {
		switch strings.TrimSpace(string(body)) {
		case `"on"`:
			return driver.StateOn
		case `"off"`:
			return driver.StateOff
		}
	}

	d.logger.Warn("Unexpected state response",
		zap.Int("status", status),
		zap.String("body", string(body)))
	return driver.StateUnknown
}

func (d *Driver) get(ctx context.Context, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	if d.pass != "" {
		req.SetBasicAuth(d.user, d.pass)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// Close releases idle connections.
func (d *Driver) Close() error {
	d.client.CloseIdleConnections()
	return nil
}
