package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleConfig = `server:
  host: 127.0.0.1
  command_timeout: 3s
  api_port: 8080
telemetry:
  influx_url: http://influx:8086
  influx_org: home
  influx_bucket: wemo
drivers:
  RESTAPI:
    settings:
      method: POST
      headers:
        x-token: secret
    devices:
      - name: "kitchen light"
        port: 12340
        on_cmd: "http://relay/on"
        off_cmd: "http://relay/off"
      - name: "fan"
        port: 12341
        on_cmd: "http://fan/on"
        off_cmd: "http://fan/off"
        method: PUT
  Echo:
    devices:
      - name: "Device-A"
        port: 12345
        initial_state: on
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoader_Load(t *testing.T) {
	loader := NewLoader(writeConfig(t, sampleConfig), zap.NewNop())

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, loader.Config())

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 3*time.Second, cfg.Server.CommandTimeout)
	assert.Equal(t, DefaultShutdownGrace, cfg.Server.ShutdownGrace)
	assert.Equal(t, 8080, cfg.Server.APIPort)

	assert.True(t, cfg.Telemetry.Enabled())
	assert.Equal(t, "wemo", cfg.Telemetry.InfluxBucket)

	require.Len(t, cfg.Devices, 3)
	assert.Empty(t, cfg.Rejected)

	// file order is preserved across driver sections
	assert.Equal(t, "kitchen light", cfg.Devices[0].Name)
	assert.Equal(t, "fan", cfg.Devices[1].Name)
	assert.Equal(t, "Device-A", cfg.Devices[2].Name)

	kitchen := cfg.Devices[0]
	assert.Equal(t, "RESTAPI", kitchen.Driver)
	assert.Equal(t, 12340, kitchen.Port)
	assert.Equal(t, "http://relay/on", kitchen.Params["on_cmd"])
	assert.Equal(t, "POST", kitchen.Params["method"], "shared settings are merged in")
	assert.NotContains(t, kitchen.Params, "name")
	assert.NotContains(t, kitchen.Params, "port")

	headers, err := kitchen.Params.StringMap("headers")
	require.NoError(t, err)
	assert.Equal(t, "secret", headers["x-token"])

	assert.Equal(t, "PUT", cfg.Devices[1].Params["method"], "device params win over settings")

	assert.Equal(t, "Echo", cfg.Devices[2].Driver)
	assert.Equal(t, "on", cfg.Devices[2].Params["initial_state"])
}

func TestLoader_MissingFile(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope.yaml"), zap.NewNop())

	_, err := loader.Load()
	assert.Error(t, err)
	assert.Nil(t, loader.Config())
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("drivers: {}"))
	require.NoError(t, err)

	assert.Equal(t, DefaultCommandTimeout, cfg.Server.CommandTimeout)
	assert.Equal(t, DefaultShutdownGrace, cfg.Server.ShutdownGrace)
	assert.False(t, cfg.Telemetry.Enabled())
	assert.Empty(t, cfg.Devices)
}

func TestParse_JSONFlow(t *testing.T) {
	doc := `{"server": {"command_timeout": "2s"}, "drivers": {"AlwaysFails": {"devices": [{"name": "Device-B", "port": 12346}]}}}`

	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, "Device-B", cfg.Devices[0].Name)
	assert.Equal(t, 2*time.Second, cfg.Server.CommandTimeout)
}

func TestParse_RejectsBadEntries(t *testing.T) {
	doc := `drivers:
  Echo:
    devices:
      - name: good
        port: 12345
      - name: ""
        port: 12346
      - name: bad-port
        port: 70000
      - name: no-port
      - name: wrong-type
        port: "not a number"
      - name: also-good
        port: 12347
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	require.Len(t, cfg.Devices, 2)
	assert.Equal(t, "good", cfg.Devices[0].Name)
	assert.Equal(t, "also-good", cfg.Devices[1].Name)

	require.Len(t, cfg.Rejected, 4)
	for _, r := range cfg.Rejected {
		assert.ErrorIs(t, r.Err, ErrInvalidConfig)
		assert.Equal(t, "Echo", r.Driver)
	}
	assert.Equal(t, 1, cfg.Rejected[0].Index)
	assert.Equal(t, "bad-port", cfg.Rejected[1].Name)
}

func TestParse_FileLevelErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "drivers: [unterminated"},
		{"drivers not a mapping", "drivers: [1, 2]"},
		{"negative timeout", "server:\n  command_timeout: -1s\n"},
		{"api port out of range", "server:\n  api_port: 99999\n"},
		{"duplicate driver section", "drivers:\n  Echo: {}\n  Echo: {}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, DefaultConfigPath, PathFromEnv())

	t.Setenv(EnvConfigPath, "/etc/wemoemu/config.yaml")
	assert.Equal(t, "/etc/wemoemu/config.yaml", PathFromEnv())
}
