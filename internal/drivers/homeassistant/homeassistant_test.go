package homeassistant

import (
	"context"
	"errors"
	"testing"

	"wemoemu/internal/ha"
	"wemoemu/pkg/driver"
	"wemoemu/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDriver(t *testing.T, entityID string) (*Driver, *ha.MockClient) {
	t.Helper()
	mock := ha.NewMockClient()
	drv, err := newWithClient(driver.NewContext("ha", nil), driver.Params{"entity_id": entityID}, mock)
	require.NoError(t, err)
	return drv, mock
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		params  driver.Params
		wantErr error
	}{
		{"missing url", driver.Params{"ha_token": "t", "entity_id": "switch.x"}, driver.ErrMissingParam},
		{"missing token", driver.Params{"ha_url": "ws://h/api/websocket", "entity_id": "switch.x"}, driver.ErrMissingParam},
		{"missing entity", driver.Params{"ha_url": "ws://h/api/websocket", "ha_token": "t"}, driver.ErrMissingParam},
		{"entity without domain", driver.Params{"ha_url": "ws://h/api/websocket", "ha_token": "t", "entity_id": "kettle"}, driver.ErrParamType},
		{"entity with empty domain", driver.Params{"ha_url": "ws://h/api/websocket", "ha_token": "t", "entity_id": ".kettle"}, driver.ErrParamType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(driver.NewContext("ha", nil), tt.params)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestServiceMapping(t *testing.T) {
	tests := []struct {
		entityID   string
		wantDomain string
		wantOn     string
		wantOff    string
	}{
		{"switch.kettle", "switch", "turn_on", "turn_off"},
		{"light.porch", "light", "turn_on", "turn_off"},
		{"media_player.tv", "media_player", "turn_on", "turn_off"},
		{"cover.garage", "cover", "open_cover", "close_cover"},
		{"group.downstairs", "homeassistant", "turn_on", "turn_off"},
		{"Switch.Upper", "switch", "turn_on", "turn_off"},
	}

	for _, tt := range tests {
		t.Run(tt.entityID, func(t *testing.T) {
			ctx := context.Background()
			drv, mock := newMockDriver(t, tt.entityID)

			require.True(t, drv.TurnOn(ctx))
			require.True(t, drv.TurnOff(ctx))

			calls := mock.GetServiceCalls()
			require.Len(t, calls, 2)
			assert.Equal(t, tt.wantDomain, calls[0].Domain)
			assert.Equal(t, tt.wantOn, calls[0].Service)
			assert.Equal(t, tt.wantOff, calls[1].Service)
			assert.Equal(t, tt.entityID, calls[0].Data["entity_id"])
		})
	}
}

func TestQueryState(t *testing.T) {
	tests := []struct {
		name     string
		entityID string
		haState  string
		want     driver.State
	}{
		{"switch on", "switch.kettle", "on", driver.StateOn},
		{"switch off", "switch.kettle", "off", driver.StateOff},
		{"switch unavailable", "switch.kettle", "unavailable", driver.StateUnknown},
		{"cover open", "cover.garage", "open", driver.StateOn},
		{"cover closed", "cover.garage", "closed", driver.StateOff},
		{"cover opening", "cover.garage", "opening", driver.StateUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv, mock := newMockDriver(t, tt.entityID)
			mock.SetState(tt.entityID, tt.haState, nil)
			assert.Equal(t, tt.want, drv.QueryState(context.Background()))
		})
	}
}

func TestQueryState_MissingEntity(t *testing.T) {
	drv, _ := newMockDriver(t, "switch.ghost")
	assert.Equal(t, driver.StateUnknown, drv.QueryState(context.Background()))
}

func TestLazyConnectAndReconnect(t *testing.T) {
	ctx := context.Background()
	drv, mock := newMockDriver(t, "switch.kettle")
	assert.False(t, mock.IsConnected(), "no connection before first command")

	require.True(t, drv.TurnOn(ctx))
	assert.Equal(t, 1, mock.ConnectCount())

	require.True(t, drv.TurnOff(ctx))
	assert.Equal(t, 1, mock.ConnectCount(), "connection is reused")

	mock.DropConnection()
	require.True(t, drv.TurnOn(ctx))
	assert.Equal(t, 2, mock.ConnectCount())

	require.NoError(t, drv.Close())
	assert.False(t, mock.IsConnected())
}

func TestFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("connect fails", func(t *testing.T) {
		drv, mock := newMockDriver(t, "switch.kettle")
		mock.SetConnectError(errors.New("connection refused"))
		assert.False(t, drv.TurnOn(ctx))
		assert.Equal(t, driver.StateUnknown, drv.QueryState(ctx))
	})

	t.Run("service fails", func(t *testing.T) {
		drv, mock := newMockDriver(t, "switch.kettle")
		mock.SetServiceError(errors.New("HA error: not_found"))
		assert.False(t, drv.TurnOff(ctx))
	})
}

func TestAgainstMockServer(t *testing.T) {
	server := testutil.NewMockHAServer("secret")
	defer server.Close()
	server.SetState("cover.garage", "closed", map[string]interface{}{"friendly_name": "Garage"})

	ctx := context.Background()
	drv, err := New(driver.NewContext("Garage", nil), driver.Params{
		"ha_url":    server.URL(),
		"ha_token":  "secret",
		"entity_id": "cover.garage",
	})
	require.NoError(t, err)
	defer drv.(*Driver).Close()

	assert.Equal(t, driver.StateOff, drv.QueryState(ctx))
	require.True(t, drv.TurnOn(ctx))
	assert.Equal(t, driver.StateOn, drv.QueryState(ctx))

	calls := server.GetServiceCalls()
	assert.NotNil(t, testutil.FindServiceCallWithEntityID(calls, "cover", "open_cover", "cover.garage"))

	server.SetFailServices(true)
	assert.False(t, drv.TurnOff(ctx))
	assert.Equal(t, driver.StateOn, drv.QueryState(ctx))
}

func TestBadToken(t *testing.T) {
	server := testutil.NewMockHAServer("secret")
	defer server.Close()

	drv, err := New(driver.NewContext("Kettle", nil), driver.Params{
		"ha_url":    server.URL(),
		"ha_token":  "wrong",
		"entity_id": "switch.kettle",
	})
	require.NoError(t, err)
	defer drv.(*Driver).Close()

	assert.False(t, drv.TurnOn(context.Background()))
	assert.Equal(t, 0, server.ConnectionCount())
}

func TestServerURL(t *testing.T) {
	tests := []struct {
		name   string
		params driver.Params
		want   string
	}{
		{"explicit url", driver.Params{"ha_url": "wss://ha.example/api/websocket", "ha_host": "ignored"}, "wss://ha.example/api/websocket"},
		{"host with default port", driver.Params{"ha_host": "192.168.0.50"}, "ws://192.168.0.50:8123/api/websocket"},
		{"host and port", driver.Params{"ha_host": "hass.local", "ha_port": 8124}, "ws://hass.local:8124/api/websocket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := serverURL(tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := serverURL(driver.Params{"ha_host": "h", "ha_port": "eighty"})
	assert.ErrorIs(t, err, driver.ErrParamType)
}
