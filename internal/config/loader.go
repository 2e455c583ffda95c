package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"wemoemu/pkg/driver"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig marks unusable configuration. Load only fails with it for
// file-level problems; a bad device entry is skipped and reported through
// Config.Rejected.
var ErrInvalidConfig = errors.New("invalid configuration")

// Environment variables consulted by the process entry point.
const (
	EnvConfigPath = "WEMOEMU_CONFIG"
	EnvLogLevel   = "WEMOEMU_LOG_LEVEL"

	DefaultConfigPath = "config.yaml"
)

// Defaults applied when the server section leaves a value unset.
const (
	DefaultCommandTimeout = 5 * time.Second
	DefaultShutdownGrace  = 5 * time.Second
)

// ServerConfig holds process-wide settings.
type ServerConfig struct {
	// Host is the bind address for every device endpoint; empty means all
	// interfaces.
	Host           string        `yaml:"host"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	// APIPort enables the operator API when non-zero.
	APIPort  int    `yaml:"api_port"`
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig configures the optional InfluxDB command recorder.
type TelemetryConfig struct {
	InfluxURL    string `yaml:"influx_url"`
	InfluxToken  string `yaml:"influx_token"`
	InfluxOrg    string `yaml:"influx_org"`
	InfluxBucket string `yaml:"influx_bucket"`
}

// Enabled reports whether telemetry should be recorded.
func (t TelemetryConfig) Enabled() bool {
	return t.InfluxURL != ""
}

// DeviceEntry is one device as written in the file. Every key other than
// name and port is a driver parameter.
type DeviceEntry struct {
	Name   string                 `yaml:"name"`
	Port   int                    `yaml:"port"`
	Params map[string]interface{} `yaml:",inline"`
}

// DriverSection groups the devices served by one driver.
type DriverSection struct {
	// Settings are shared parameters merged beneath every device's own.
	Settings map[string]interface{} `yaml:"settings"`

	// Devices are decoded one by one so a malformed entry only costs that
	// device.
	Devices []yaml.Node `yaml:"devices"`
}

// DriverSections keeps the driver sections in file order so that
// "first device wins" on conflicts follows what the operator wrote.
type DriverSections struct {
	Order    []string
	Sections map[string]DriverSection
}

// UnmarshalYAML decodes a mapping while remembering key order.
func (d *DriverSections) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: drivers must be a mapping", node.Line)
	}
	d.Sections = make(map[string]DriverSection, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var id string
		if err := node.Content[i].Decode(&id); err != nil {
			return err
		}
		var section DriverSection
		if err := node.Content[i+1].Decode(&section); err != nil {
			return fmt.Errorf("driver %s: %w", id, err)
		}
		if _, dup := d.Sections[id]; dup {
			return fmt.Errorf("line %d: driver %s listed twice", node.Content[i].Line, id)
		}
		d.Order = append(d.Order, id)
		d.Sections[id] = section
	}
	return nil
}

// File is the on-disk layout.
type File struct {
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Drivers   DriverSections  `yaml:"drivers"`
}

// DeviceConfig is the immutable description of one virtual device handed to
// the supervisor.
type DeviceConfig struct {
	Name   string
	Port   int
	Driver string
	Params driver.Params
}

// Rejected records a device entry the loader had to skip.
type Rejected struct {
	Driver string
	Index  int
	Name   string
	Err    error
}

// Config is the validated result of loading a file.
type Config struct {
	Server    ServerConfig
	Telemetry TelemetryConfig
	Devices   []DeviceConfig
	Rejected  []Rejected
}

// Loader reads the configuration file.
type Loader struct {
	path   string
	logger *zap.Logger
	config *Config
}

// NewLoader creates a new configuration loader
func NewLoader(path string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		path:   path,
		logger: logger.Named("config"),
	}
}

// PathFromEnv returns the configuration path from the environment, or the
// default.
func PathFromEnv() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load reads and validates the file.
func (l *Loader) Load() (*Config, error) {
	l.logger.Debug("Loading configuration", zap.String("path", l.path))

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	for _, r := range cfg.Rejected {
		l.logger.Warn("Skipping device entry",
			zap.String("driver", r.Driver),
			zap.Int("index", r.Index),
			zap.String("name", r.Name),
			zap.Error(r.Err))
	}

	l.config = cfg
	l.logger.Info("Configuration loaded",
		zap.String("path", l.path),
		zap.Int("devices", len(cfg.Devices)),
		zap.Int("rejected", len(cfg.Rejected)))
	return cfg, nil
}

// Config returns the last successfully loaded configuration.
func (l *Loader) Config() *Config {
	return l.config
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if file.Server.CommandTimeout < 0 || file.Server.ShutdownGrace < 0 {
		return nil, fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	if file.Server.CommandTimeout == 0 {
		file.Server.CommandTimeout = DefaultCommandTimeout
	}
	if file.Server.ShutdownGrace == 0 {
		file.Server.ShutdownGrace = DefaultShutdownGrace
	}
	if file.Server.APIPort < 0 || file.Server.APIPort > 65535 {
		return nil, fmt.Errorf("%w: api_port %d out of range", ErrInvalidConfig, file.Server.APIPort)
	}

	cfg := &Config{
		Server:    file.Server,
		Telemetry: file.Telemetry,
	}

	for _, id := range file.Drivers.Order {
		section := file.Drivers.Sections[id]
		shared := driver.Params(section.Settings)

		for i, node := range section.Devices {
			var entry DeviceEntry
			if err := node.Decode(&entry); err != nil {
				cfg.Rejected = append(cfg.Rejected, Rejected{Driver: id, Index: i, Err: fmt.Errorf("%w: %v", ErrInvalidConfig, err)})
				continue
			}
			if err := validateEntry(id, entry); err != nil {
				cfg.Rejected = append(cfg.Rejected, Rejected{Driver: id, Index: i, Name: entry.Name, Err: err})
				continue
			}
			cfg.Devices = append(cfg.Devices, DeviceConfig{
				Name:   entry.Name,
				Port:   entry.Port,
				Driver: id,
				Params: driver.Params(entry.Params).Merge(shared),
			})
		}
	}

	return cfg, nil
}

func validateEntry(driverID string, entry DeviceEntry) error {
	if strings.TrimSpace(driverID) == "" {
		return fmt.Errorf("%w: empty driver identifier", ErrInvalidConfig)
	}
	if strings.TrimSpace(entry.Name) == "" {
		return fmt.Errorf("%w: device name is empty", ErrInvalidConfig)
	}
	if entry.Port < 1 || entry.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, entry.Port)
	}
	return nil
}
