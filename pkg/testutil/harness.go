// Package testutil provides testing utilities for the emulator: a harness
// that runs a Supervisor over loopback drivers on ephemeral ports, and a mock
// Home Assistant websocket server.
package testutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"wemoemu/internal/config"
	"wemoemu/internal/drivers/loopback"
	"wemoemu/internal/supervisor"
	"wemoemu/pkg/driver"

	"go.uber.org/zap"
)

const (
	setBinaryStateAction = `"urn:Belkin:service:basicevent:1#SetBinaryState"`
	getBinaryStateAction = `"urn:Belkin:service:basicevent:1#GetBinaryState"`
)

var binaryStateRe = regexp.MustCompile(`<BinaryState>(.*?)</BinaryState>`)

// Harness runs a Supervisor on the loopback interface for tests.
//
// Example usage:
//
//	h := testutil.NewHarness(logger)
//	err := h.Start(ctx, []config.DeviceConfig{
//	    {Name: "Device-A", Driver: "Echo"},
//	})
//	defer h.Stop(context.Background())
//
//	state, err := h.GetBinaryState("Device-A")
type Harness struct {
	// Registry starts with the loopback drivers. Register additional test
	// drivers before Start.
	Registry   *driver.Registry
	Supervisor *supervisor.Supervisor
	Logger     *zap.Logger
	Options    supervisor.Options

	client *http.Client
}

// NewHarness creates a harness bound to 127.0.0.1. A nil logger uses a
// development logger.
func NewHarness(logger *zap.Logger) *Harness {
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	registry := driver.NewRegistry()
	for _, info := range loopback.Drivers() {
		// loopback infos are static and valid
		_ = registry.Register(info)
	}
	return &Harness{
		Registry: registry,
		Logger:   logger,
		Options: supervisor.Options{
			Host:           "127.0.0.1",
			CommandTimeout: 2 * time.Second,
			ShutdownGrace:  2 * time.Second,
		},
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Start builds a Supervisor from the harness registry and options and starts
// the devices. Devices with port 0 get an ephemeral port.
func (h *Harness) Start(ctx context.Context, devices []config.DeviceConfig) error {
	h.Supervisor = supervisor.New(h.Registry, h.Logger, h.Options)
	return h.Supervisor.Start(ctx, devices)
}

// Stop shuts the supervisor down.
func (h *Harness) Stop(ctx context.Context) error {
	if h.Supervisor == nil {
		return nil
	}
	return h.Supervisor.Stop(ctx)
}

// BaseURL returns the http base URL of the named running device.
func (h *Harness) BaseURL(name string) (string, error) {
	if h.Supervisor == nil {
		return "", fmt.Errorf("harness not started")
	}
	for _, d := range h.Supervisor.Devices() {
		if d.Name == name {
			return "http://" + d.Addr, nil
		}
	}
	return "", fmt.Errorf("device %q is not running", name)
}

// Response is a raw endpoint reply.
type Response struct {
	StatusCode int
	Body       string
}

// BinaryState extracts the BinaryState value from the body, or "".
func (r Response) BinaryState() string {
	m := binaryStateRe.FindStringSubmatch(r.Body)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// Post sends a raw control request to the named device.
func (h *Harness) Post(name, soapAction, body string) (Response, error) {
	base, err := h.BaseURL(name)
	if err != nil {
		return Response{}, err
	}
	req, err := http.NewRequest(http.MethodPost, base+"/upnp/control/basicevent1", strings.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	if soapAction != "" {
		req.Header.Set("SOAPACTION", soapAction)
	}
	return h.do(req)
}

// Get fetches path from the named device.
func (h *Harness) Get(name, path string) (Response, error) {
	base, err := h.BaseURL(name)
	if err != nil {
		return Response{}, err
	}
	req, err := http.NewRequest(http.MethodGet, base+path, nil)
	if err != nil {
		return Response{}, err
	}
	return h.do(req)
}

func (h *Harness) do(req *http.Request) (Response, error) {
	resp, err := h.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}
	return Response{StatusCode: resp.StatusCode, Body: string(body)}, nil
}

// SetBinaryState turns the named device on or off and returns the reply.
func (h *Harness) SetBinaryState(name string, on bool) (Response, error) {
	value := "0"
	if on {
		value = "1"
	}
	return h.Post(name, setBinaryStateAction, soapEnvelope("SetBinaryState", "<BinaryState>"+value+"</BinaryState>"))
}

// GetBinaryState queries the named device and returns the BinaryState token
// (1, 0 or Error).
func (h *Harness) GetBinaryState(name string) (string, error) {
	resp, err := h.Post(name, getBinaryStateAction, soapEnvelope("GetBinaryState", ""))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GetBinaryState on %q: status %d", name, resp.StatusCode)
	}
	return resp.BinaryState(), nil
}

func soapEnvelope(action, inner string) string {
	return `<?xml version="1.0" encoding="utf-8"?>` +
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` +
		`<s:Body><u:` + action + ` xmlns:u="urn:Belkin:service:basicevent:1">` + inner + `</u:` + action + `></s:Body></s:Envelope>`
}
