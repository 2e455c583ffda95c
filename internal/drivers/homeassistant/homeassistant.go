// Package homeassistant switches a Home Assistant entity over the websocket
// API.
package homeassistant

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"wemoemu/internal/ha"
	"wemoemu/pkg/driver"

	"go.uber.org/zap"
)

const Name = "HomeAssistant"

const defaultPort = 8123

func init() {
	if err := driver.Register(driver.Info{
		Name:        Name,
		Description: "Calls Home Assistant services for an entity",
		Priority:    driver.PriorityDefault,
		Factory:     New,
	}); err != nil {
		panic(err)
	}
}

// services maps an entity domain to its on/off services and the entity
// states that mean on and off.
type services struct {
	on, off           string
	onState, offState string
}

var defaultServices = services{on: "turn_on", off: "turn_off", onState: "on", offState: "off"}

var serviceMap = map[string]services{
	"cover": {on: "open_cover", off: "close_cover", onState: "open", offState: "closed"},
}

// Driver calls services on one entity.
type Driver struct {
	entityID string
	domain   string
	services services

	client ha.HAClient
	connMu sync.Mutex

	logger *zap.Logger
}

// New builds a Driver from ha_url, ha_token and entity_id. The connection
// is opened on first use. Without ha_url the URL is derived from ha_host and
// ha_port (default 8123).
func New(ctx *driver.Context, params driver.Params) (driver.Driver, error) {
	url, err := serverURL(params)
	if err != nil {
		return nil, err
	}
	token, err := params.String("ha_token")
	if err != nil {
		return nil, err
	}
	return newWithClient(ctx, params, ha.NewClient(url, token, ctx.Logger.Named("ha")))
}

func serverURL(params driver.Params) (string, error) {
	if params.Has("ha_url") || !params.Has("ha_host") {
		return params.String("ha_url")
	}
	host, err := params.String("ha_host")
	if err != nil {
		return "", err
	}
	port, err := params.IntOr("ha_port", defaultPort)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ws://%s/api/websocket", net.JoinHostPort(host, strconv.Itoa(port))), nil
}

func newWithClient(ctx *driver.Context, params driver.Params, client ha.HAClient) (*Driver, error) {
	entityID, err := params.String("entity_id")
	if err != nil {
		return nil, err
	}
	domain, _, found := strings.Cut(entityID, ".")
	if !found || domain == "" {
		return nil, fmt.Errorf("%w: entity_id must look like domain.object_id, got %q", driver.ErrParamType, entityID)
	}
	domain = strings.ToLower(domain)
	if domain == "group" {
		domain = "homeassistant"
	}

	svc, ok := serviceMap[domain]
	if !ok {
		svc = defaultServices
	}

	return &Driver{
		entityID: entityID,
		domain:   domain,
		services: svc,
		client:   client,
		logger:   ctx.Logger.With(zap.String("entity_id", entityID)),
	}, nil
}

func (d *Driver) TurnOn(ctx context.Context) bool {
	return d.call(ctx, d.services.on)
}

func (d *Driver) TurnOff(ctx context.Context) bool {
	return d.call(ctx, d.services.off)
}

func (d *Driver) call(ctx context.Context, service string) bool {
	if err := d.ensureConnected(ctx); err != nil {
		d.logger.Warn("Home Assistant unavailable", zap.Error(err))
		return false
	}

	err := d.client.CallService(ctx, d.domain, service, map[string]interface{}{
		"entity_id": d.entityID,
	})
	if err != nil {
		d.logger.Warn("Service call failed",
			zap.String("domain", d.domain),
			zap.String("service", service),
			zap.Error(err))
		return false
	}
	return true
}

// QueryState reads the entity state and maps it through the domain's
// on/off vocabulary.
func (d *Driver) QueryState(ctx context.Context) driver.State {
	if err := d.ensureConnected(ctx); err != nil {
		d.logger.Warn("Home Assistant unavailable", zap.Error(err))
		return driver.StateUnknown
	}

	state, err := d.client.GetState(ctx, d.entityID)
	if err != nil {
		d.logger.Warn("Failed to read state", zap.Error(err))
		return driver.StateUnknown
	}

	switch strings.ToLower(state.State) {
	case d.services.onState:
		return driver.StateOn
	case d.services.offState:
		return driver.StateOff
	}
	return driver.StateUnknown
}

func (d *Driver) ensureConnected(ctx context.Context) error {
	d.connMu.Lock()
	defer d.connMu.Unlock()

	if d.client.IsConnected() {
		return nil
	}
	return d.client.Connect(ctx)
}

// Close drops the websocket connection.
func (d *Driver) Close() error {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	return d.client.Disconnect()
}
