// Package mqtt switches an outlet by publishing to an MQTT broker and
// tracks its state from a status topic.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"wemoemu/pkg/driver"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const Name = "MQTT"

const (
	defaultPort           = 1883
	defaultConnectTimeout = 10 * time.Second
	defaultKeepAlive      = 60 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

func init() {
	if err := driver.Register(driver.Info{
		Name:        Name,
		Description: "Publishes on/off payloads and follows a state topic",
		Priority:    driver.PriorityDefault,
		Factory:     New,
	}); err != nil {
		panic(err)
	}
}

type publication struct {
	topic   string
	payload string
}

// Driver publishes on/off payloads.
type Driver struct {
	on, off    publication
	stateTopic string
	stateOn    string
	stateOff   string
	qos        byte
	retain     bool

	client pahomqtt.Client

	lastMu  sync.RWMutex
	last    string
	hasLast bool

	// subscribed is set once the state topic subscription is acknowledged.
	subscribed atomic.Bool

	logger *zap.Logger
}

// New builds a Driver and starts connecting in the background; commands
// fail until the broker accepts the connection.
func New(ctx *driver.Context, params driver.Params) (driver.Driver, error) {
	d, opts, err := build(ctx, params)
	if err != nil {
		return nil, err
	}

	d.client = pahomqtt.NewClient(opts)
	d.client.Connect()
	return d, nil
}

func build(ctx *driver.Context, params driver.Params) (*Driver, *pahomqtt.ClientOptions, error) {
	params, err := legacyParams(params)
	if err != nil {
		return nil, nil, err
	}
	server, err := params.String("mqtt_server")
	if err != nil {
		return nil, nil, err
	}
	port, err := params.IntOr("mqtt_port", defaultPort)
	if err != nil {
		return nil, nil, err
	}
	if port < 1 || port > 65535 {
		return nil, nil, fmt.Errorf("%w: mqtt_port %d out of range", driver.ErrParamType, port)
	}

	d := &Driver{logger: ctx.Logger}
	if d.on, err = readPublication(params, "on"); err != nil {
		return nil, nil, err
	}
	if d.off, err = readPublication(params, "off"); err != nil {
		return nil, nil, err
	}
	if d.stateTopic, err = params.StringOr("state_topic", ""); err != nil {
		return nil, nil, err
	}
	if d.stateOn, err = params.StringOr("state_on", "on"); err != nil {
		return nil, nil, err
	}
	if d.stateOff, err = params.StringOr("state_off", "off"); err != nil {
		return nil, nil, err
	}
	qos, err := params.IntOr("qos", 0)
	if err != nil {
		return nil, nil, err
	}
	if qos < 0 || qos > 2 {
		return nil, nil, fmt.Errorf("%w: qos must be 0, 1 or 2, got %d", driver.ErrParamType, qos)
	}
	d.qos = byte(qos)
	if d.retain, err = params.BoolOr("retain", false); err != nil {
		return nil, nil, err
	}

	clientID, err := params.StringOr("mqtt_client_id", "wemoemu-"+uuid.NewString()[:8])
	if err != nil {
		return nil, nil, err
	}
	user, err := params.StringOr("user", "")
	if err != nil {
		return nil, nil, err
	}
	password, err := params.StringOr("password", "")
	if err != nil {
		return nil, nil, err
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", server, port))
	opts.SetClientID(clientID)
	if user != "" {
		opts.SetUsername(user)
		opts.SetPassword(password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Second)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	// state payloads must be applied in arrival order
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(d.handleConnect)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		d.subscribed.Store(false)
		d.logger.Warn("MQTT connection lost", zap.Error(err))
	})

	return d, opts, nil
}

// legacyParams maps the older names (MQTTserver, MQTTport and the
// on_cmd/off_cmd [topic, payload] pairs with a [topic] state_cmd) onto the
// current ones. Explicit current names win.
func legacyParams(params driver.Params) (driver.Params, error) {
	params = params.WithAliases(map[string]string{
		"MQTTserver": "mqtt_server",
		"MQTTport":   "mqtt_port",
	})
	for _, prefix := range []string{"on", "off", "state"} {
		key := prefix + "_cmd"
		if !params.Has(key) {
			continue
		}
		pair, ok := params[key].([]interface{})
		want := 2
		if prefix == "state" {
			want = 1
		}
		if !ok || len(pair) != want {
			return nil, fmt.Errorf("%w: %s must be a list of %d elements", driver.ErrParamType, key, want)
		}
		if !params.Has(prefix + "_topic") {
			params[prefix+"_topic"] = fmt.Sprint(pair[0])
		}
		if want == 2 && !params.Has(prefix+"_payload") {
			params[prefix+"_payload"] = pair[1]
		}
	}
	return params, nil
}

// readPublication reads <prefix>_topic and <prefix>_payload.
func readPublication(params driver.Params, prefix string) (publication, error) {
	var p publication
	var err error
	if p.topic, err = params.String(prefix + "_topic"); err != nil {
		return p, err
	}
	if !params.Has(prefix + "_payload") {
		return p, fmt.Errorf("%w: %s_payload", driver.ErrMissingParam, prefix)
	}
	// payloads are often bare numbers in YAML
	p.payload = fmt.Sprint(params[prefix+"_payload"])
	return p, nil
}

// handleConnect (re)subscribes to the state topic on every connect.
func (d *Driver) handleConnect(c pahomqtt.Client) {
	d.logger.Debug("MQTT connected")
	if d.stateTopic == "" {
		return
	}

	token := c.Subscribe(d.stateTopic, d.qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		d.lastMu.Lock()
		d.last = string(msg.Payload())
		d.hasLast = true
		d.lastMu.Unlock()
	})
	go func() {
		if !token.WaitTimeout(defaultConnectTimeout) || token.Error() != nil {
			d.logger.Warn("Failed to subscribe to state topic",
				zap.String("topic", d.stateTopic),
				zap.Error(token.Error()))
			return
		}
		d.subscribed.Store(true)
	}()
}

func (d *Driver) TurnOn(ctx context.Context) bool {
	return d.publish(ctx, d.on)
}

func (d *Driver) TurnOff(ctx context.Context) bool {
	return d.publish(ctx, d.off)
}

func (d *Driver) publish(ctx context.Context, p publication) bool {
	if !d.client.IsConnectionOpen() {
		d.logger.Warn("MQTT broker not connected", zap.String("topic", p.topic))
		return false
	}

	token := d.client.Publish(p.topic, d.qos, d.retain, p.payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		d.logger.Warn("Publish not confirmed", zap.String("topic", p.topic), zap.Error(ctx.Err()))
		return false
	}
	if err := token.Error(); err != nil {
		d.logger.Warn("Publish failed", zap.String("topic", p.topic), zap.Error(err))
		return false
	}
	return true
}

// QueryState reports the last payload seen on the state topic.
func (d *Driver) QueryState(ctx context.Context) driver.State {
	if d.stateTopic == "" {
		return driver.StateUnknown
	}

	d.lastMu.RLock()
	last, ok := d.last, d.hasLast
	d.lastMu.RUnlock()
	if !ok {
		if !d.subscribed.Load() {
			d.logger.Warn("State topic not subscribed yet", zap.String("topic", d.stateTopic))
		}
		return driver.StateUnknown
	}

	payload := strings.TrimSpace(last)
	switch {
	case strings.EqualFold(payload, d.stateOn):
		return driver.StateOn
	case strings.EqualFold(payload, d.stateOff):
		return driver.StateOff
	}
	return driver.StateUnknown
}

// Close disconnects from the broker.
func (d *Driver) Close() error {
	d.client.Disconnect(disconnectQuiesce)
	return nil
}
