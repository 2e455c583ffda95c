// Package supervisor owns the set of virtual devices: it builds them from
// configuration, runs one endpoint per device and coordinates shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"wemoemu/internal/config"
	"wemoemu/internal/device"
	"wemoemu/internal/endpoint"
	"wemoemu/pkg/driver"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrDuplicateName  = errors.New("duplicate device name")
	ErrDuplicatePort  = errors.New("duplicate device port")
	ErrNoDevices      = errors.New("no device could be started")
	ErrForcedShutdown = errors.New("shutdown grace period expired, connections were closed")
	ErrAlreadyStarted = errors.New("supervisor already started")
)

// Options tune a Supervisor. Zero values select the defaults.
type Options struct {
	// Host is the bind address; empty binds all interfaces.
	Host string

	CommandTimeout time.Duration
	ShutdownGrace  time.Duration

	// Observer, when set, sees every command handled by any device.
	Observer device.Observer
}

// Failure describes a configured device that is not running.
type Failure struct {
	Name   string `json:"name"`
	Port   int    `json:"port"`
	Driver string `json:"driver"`
	Err    error  `json:"-"`
}

// Error returns the failure reason as text.
func (f Failure) Error() string {
	return fmt.Sprintf("device %q (port %d, driver %s): %v", f.Name, f.Port, f.Driver, f.Err)
}

// DeviceStatus describes a running device.
type DeviceStatus struct {
	Name   string `json:"name"`
	Port   int    `json:"port"`
	Driver string `json:"driver"`
	UUID   string `json:"uuid"`
	UDN    string `json:"udn"`
	Addr   string `json:"addr"`
}

type unit struct {
	dev *device.Device
	srv *endpoint.Server
	ln  net.Listener
}

// Supervisor runs many devices side by side. A device that fails to build or
// bind is recorded and skipped; the others still serve.
type Supervisor struct {
	registry *driver.Registry
	logger   *zap.Logger
	opts     Options

	mu       sync.Mutex
	units    []*unit
	failures []Failure
	started  bool
	stopped  bool

	serving errgroup.Group
}

// New creates a supervisor that builds drivers from registry.
func New(registry *driver.Registry, logger *zap.Logger, opts Options) *Supervisor {
	if registry == nil {
		registry = driver.Global()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = device.DefaultCommandTimeout
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = config.DefaultShutdownGrace
	}
	return &Supervisor{
		registry: registry,
		logger:   logger,
		opts:     opts,
	}
}

// Start builds every device and begins serving the ones that succeed.
// Port 0 binds an ephemeral port. It returns ErrNoDevices when nothing could
// be started; individual failures are available from Failures.
func (s *Supervisor) Start(ctx context.Context, devices []config.DeviceConfig) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	accepted := s.dedupe(devices)

	// Factories may dial their backends, so devices are built in parallel.
	units := make([]*unit, len(accepted))
	var build errgroup.Group
	for i, cfg := range accepted {
		build.Go(func() error {
			u, err := s.build(ctx, cfg)
			if err != nil {
				s.recordFailure(cfg, err)
				return nil
			}
			units[i] = u
			return nil
		})
	}
	_ = build.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range units {
		if u == nil {
			continue
		}
		s.units = append(s.units, u)
		s.serving.Go(func() error {
			if err := u.srv.Serve(u.ln); err != nil {
				s.logger.Error("Endpoint stopped unexpectedly",
					zap.String("device", u.dev.Name()),
					zap.Error(err))
				return fmt.Errorf("device %s: %w", u.dev.Name(), err)
			}
			return nil
		})
	}

	s.logger.Info("Devices started",
		zap.Int("running", len(s.units)),
		zap.Int("failed", len(s.failures)))

	if len(s.units) == 0 {
		return ErrNoDevices
	}
	return nil
}

// dedupe keeps the first device for every name and port.
func (s *Supervisor) dedupe(devices []config.DeviceConfig) []config.DeviceConfig {
	names := make(map[string]string, len(devices))
	ports := make(map[int]string, len(devices))
	accepted := make([]config.DeviceConfig, 0, len(devices))

	for _, cfg := range devices {
		if first, dup := names[cfg.Name]; dup {
			s.recordFailure(cfg, fmt.Errorf("%w: %q already used by the device on port %s", ErrDuplicateName, cfg.Name, first))
			continue
		}
		if cfg.Port != 0 {
			if first, dup := ports[cfg.Port]; dup {
				s.recordFailure(cfg, fmt.Errorf("%w: %d already used by %q", ErrDuplicatePort, cfg.Port, first))
				continue
			}
			ports[cfg.Port] = cfg.Name
		}
		names[cfg.Name] = strconv.Itoa(cfg.Port)
		accepted = append(accepted, cfg)
	}
	return accepted
}

func (s *Supervisor) build(ctx context.Context, cfg config.DeviceConfig) (*unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := s.logger.With(zap.String("device", cfg.Name))
	// names only, values may hold credentials
	logger.Debug("Building device",
		zap.String("driver", cfg.Driver),
		zap.Strings("params", cfg.Params.Keys()))
	drv, err := s.registry.Create(cfg.Driver,
		driver.NewContext(cfg.Name, logger.Named("driver").With(zap.String("driver", cfg.Driver))),
		cfg.Params)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.opts.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		closeDriver(drv, logger)
		return nil, fmt.Errorf("bind port %d: %w", cfg.Port, err)
	}
	port := cfg.Port
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}

	dev := device.New(device.Config{
		Name:           cfg.Name,
		Port:           port,
		DriverName:     cfg.Driver,
		CommandTimeout: s.opts.CommandTimeout,
		Observer:       s.opts.Observer,
	}, drv, s.logger)

	srv, err := endpoint.New(dev, s.logger)
	if err != nil {
		ln.Close()
		dev.Close()
		return nil, err
	}

	logger.Info("Device ready",
		zap.String("driver", cfg.Driver),
		zap.String("addr", ln.Addr().String()),
		zap.String("uuid", dev.Identity().Serial))
	return &unit{dev: dev, srv: srv, ln: ln}, nil
}

func (s *Supervisor) recordFailure(cfg config.DeviceConfig, err error) {
	s.logger.Error("Device not started",
		zap.String("device", cfg.Name),
		zap.Int("port", cfg.Port),
		zap.String("driver", cfg.Driver),
		zap.Error(err))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, Failure{Name: cfg.Name, Port: cfg.Port, Driver: cfg.Driver, Err: err})
}

// Devices lists the running devices.
func (s *Supervisor) Devices() []DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]DeviceStatus, 0, len(s.units))
	for _, u := range s.units {
		id := u.dev.Identity()
		out = append(out, DeviceStatus{
			Name:   id.Name,
			Port:   u.dev.Port(),
			Driver: u.dev.DriverName(),
			UUID:   id.Serial,
			UDN:    id.UDN,
			Addr:   u.ln.Addr().String(),
		})
	}
	return out
}

// Failures lists configured devices that are not running.
func (s *Supervisor) Failures() []Failure {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Failure, len(s.failures))
	copy(out, s.failures)
	return out
}

// Stop shuts every endpoint down concurrently. In-flight commands get the
// shutdown grace period; after that connections are dropped and Stop returns
// ErrForcedShutdown. Drivers are released last.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	units := append([]*unit(nil), s.units...)
	s.mu.Unlock()

	s.logger.Info("Stopping devices",
		zap.Int("devices", len(units)),
		zap.Duration("grace", s.opts.ShutdownGrace))

	graceCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownGrace)
	defer cancel()

	var shutdown errgroup.Group
	for _, u := range units {
		shutdown.Go(func() error {
			if err := u.srv.Shutdown(graceCtx); err != nil {
				return fmt.Errorf("device %s: %w", u.dev.Name(), err)
			}
			return nil
		})
	}

	forced := false
	if err := shutdown.Wait(); err != nil {
		forced = true
		s.logger.Warn("Grace period expired, closing remaining connections", zap.Error(err))
		for _, u := range units {
			u.srv.Close()
		}
	}

	if err := s.serving.Wait(); err != nil {
		s.logger.Warn("Endpoint exited with error", zap.Error(err))
	}

	for _, u := range units {
		if err := u.dev.Close(); err != nil {
			s.logger.Warn("Failed to release driver",
				zap.String("device", u.dev.Name()),
				zap.Error(err))
		}
	}

	s.logger.Info("All devices stopped", zap.Bool("forced", forced))
	if forced {
		return ErrForcedShutdown
	}
	return nil
}

func closeDriver(drv driver.Driver, logger *zap.Logger) {
	if c, ok := drv.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Warn("Failed to release driver", zap.Error(err))
		}
	}
}
