// Package restapi drives an outlet through HTTP calls to the appliance or a
// bridge in front of it.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"wemoemu/pkg/driver"

	"github.com/icholy/digest"
	"go.uber.org/zap"
)

const Name = "RESTAPI"

// maxStateBody caps how much of a state response is scanned for markers.
const maxStateBody = 1 << 20

func init() {
	if err := driver.Register(driver.Info{
		Name:        Name,
		Description: "Calls a REST endpoint for on, off and state",
		Priority:    driver.PriorityDefault,
		Factory:     New,
	}); err != nil {
		panic(err)
	}
}

// call is one configured HTTP request.
type call struct {
	method      string
	url         string
	body        []byte
	contentType string
}

// Driver issues HTTP requests.
type Driver struct {
	on      call
	off     call
	state   *call
	headers map[string]string

	stateOn  string
	stateOff string

	client *http.Client
	user   string
	pass   string
	basic  bool

	logger *zap.Logger
}

// New builds a Driver. on_cmd and off_cmd are URLs; everything else is
// optional.
func New(ctx *driver.Context, params driver.Params) (driver.Driver, error) {
	method, err := params.StringOr("method", http.MethodGet)
	if err != nil {
		return nil, err
	}
	headers, err := params.StringMap("headers")
	if err != nil {
		return nil, err
	}

	d := &Driver{headers: headers, logger: ctx.Logger}

	if d.on, err = buildCall(params, "on", method); err != nil {
		return nil, err
	}
	if d.off, err = buildCall(params, "off", method); err != nil {
		return nil, err
	}

	if params.Has("state_cmd") {
		stateMethod, err := params.StringOr("state_method", http.MethodGet)
		if err != nil {
			return nil, err
		}
		state, err := buildCall(params, "state", stateMethod)
		if err != nil {
			return nil, err
		}
		d.state = &state
		if d.stateOn, err = params.StringOr("state_response_on", ""); err != nil {
			return nil, err
		}
		if d.stateOff, err = params.StringOr("state_response_off", ""); err != nil {
			return nil, err
		}
	}

	var transport http.RoundTripper = http.DefaultTransport
	authType, err := params.StringOr("auth_type", "")
	if err != nil {
		return nil, err
	}
	if authType != "" {
		if d.user, err = params.String("user"); err != nil {
			return nil, err
		}
		if d.pass, err = params.StringOr("password", ""); err != nil {
			return nil, err
		}
		switch strings.ToLower(authType) {
		case "basic":
			d.basic = true
		case "digest":
			transport = &digest.Transport{
				Username:  d.user,
				Password:  d.pass,
				Transport: http.DefaultTransport,
			}
		default:
			return nil, fmt.Errorf("%w: auth_type must be basic or digest, got %q", driver.ErrParamType, authType)
		}
	}

	timeout, err := params.IntOr("timeout", 0)
	if err != nil {
		return nil, err
	}
	d.client = &http.Client{
		Transport: transport,
		// 0 disables the client timeout; the command deadline still applies.
		Timeout: time.Duration(timeout) * time.Second,
	}
	return d, nil
}

// buildCall reads <prefix>_cmd, <prefix>_data and <prefix>_json.
func buildCall(params driver.Params, prefix, method string) (call, error) {
	c := call{method: strings.ToUpper(method)}

	raw, err := params.String(prefix + "_cmd")
	if err != nil {
		return c, err
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return c, fmt.Errorf("%w: %s_cmd must be an absolute URL, got %q", driver.ErrParamType, prefix, raw)
	}
	c.url = raw

	dataKey, jsonKey := prefix+"_data", prefix+"_json"
	switch {
	case params.Has(jsonKey):
		body, err := json.Marshal(params[jsonKey])
		if err != nil {
			return c, fmt.Errorf("%w: %s: %v", driver.ErrParamType, jsonKey, err)
		}
		c.body, c.contentType = body, "application/json"
	case params.Has(dataKey):
		if s, ok := params[dataKey].(string); ok {
			c.body = []byte(s)
			break
		}
		form, err := params.StringMap(dataKey)
		if err != nil {
			return c, err
		}
		c.body, c.contentType = []byte(encodeForm(form)), "application/x-www-form-urlencoded"
	}
	return c, nil
}

func encodeForm(form map[string]string) string {
	values := url.Values{}
	for k, v := range form {
		values.Set(k, v)
	}
	return values.Encode()
}

func (d *Driver) TurnOn(ctx context.Context) bool {
	return d.switchState(ctx, d.on)
}

func (d *Driver) TurnOff(ctx context.Context) bool {
	return d.switchState(ctx, d.off)
}

// switchState succeeds on 200 or 201.
func (d *Driver) switchState(ctx context.Context, c call) bool {
	resp, err := d.do(ctx, c)
	if err != nil {
		d.logger.Warn("Request failed", zap.String("url", c.url), zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		d.logger.Warn("Unexpected status",
			zap.String("url", c.url),
			zap.Int("status", resp.StatusCode))
		return false
	}
	return true
}

// QueryState calls state_cmd and looks for the configured markers in the
// response body. The off marker is checked first.
func (d *Driver) QueryState(ctx context.Context) driver.State {
	if d.state == nil {
		return driver.StateUnknown
	}

	resp, err := d.do(ctx, *d.state)
	if err != nil {
		d.logger.Warn("State request failed", zap.String("url", d.state.url), zap.Error(err))
		return driver.StateUnknown
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStateBody))
	if err != nil {
		d.logger.Warn("Failed to read state response", zap.Error(err))
		return driver.StateUnknown
	}
	text := string(body)

	switch {
	case d.stateOff != "" && strings.Contains(text, d.stateOff):
		return driver.StateOff
	case d.stateOn != "" && strings.Contains(text, d.stateOn):
		return driver.StateOn
	}
	return driver.StateUnknown
}

func (d *Driver) do(ctx context.Context, c call) (*http.Response, error) {
	var body io.Reader
	if c.body != nil {
		body = bytes.NewReader(c.body)
	}
	req, err := http.NewRequestWithContext(ctx, c.method, c.url, body)
	if err != nil {
		return nil, err
	}
	if c.contentType != "" {
		req.Header.Set("Content-Type", c.contentType)
	}
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}
	if d.basic {
		req.SetBasicAuth(d.user, d.pass)
	}
	return d.client.Do(req)
}

// Close releases idle connections.
func (d *Driver) Close() error {
	d.client.CloseIdleConnections()
	return nil
}
