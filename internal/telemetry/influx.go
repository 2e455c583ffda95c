// Package telemetry records handled outlet commands as InfluxDB points.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"wemoemu/internal/config"
	"wemoemu/internal/device"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

// Measurement is the point name written for every command.
const Measurement = "wemo_command"

const (
	defaultBatchSize       = 50
	defaultFlushIntervalMs = 1000
	pingTimeout            = 5 * time.Second

	// queueSize is how many points may wait for the write API before new
	// ones are dropped.
	queueSize = 256
)

// Recorder is a device.Observer that writes one point per command through
// the non-blocking write API. Points are handed over through a bounded
// queue so a slow or hung InfluxDB never delays a device reply; when the
// queue is full the point is dropped. Write failures are logged and
// otherwise ignored.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *zap.Logger

	queue    chan queued
	runDone  chan struct{}
	errsDone chan struct{}
	dropped  atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// queued is either a point or a flush request.
type queued struct {
	point   *write.Point
	flushed chan struct{}
}

var _ device.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder for cfg. An unreachable server is logged
// but not fatal; points are retried by the client.
func NewRecorder(cfg config.TelemetryConfig, logger *zap.Logger) (*Recorder, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("telemetry: influx_url not set")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("telemetry")

	client := influxdb2.NewClientWithOptions(
		cfg.InfluxURL,
		cfg.InfluxToken,
		influxdb2.DefaultOptions().
			SetBatchSize(defaultBatchSize).
			SetFlushInterval(defaultFlushIntervalMs),
	)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if healthy, err := client.Ping(ctx); err != nil || !healthy {
		logger.Warn("InfluxDB not reachable, points will be retried",
			zap.String("url", cfg.InfluxURL),
			zap.Error(err))
	}

	r := &Recorder{
		client:   client,
		writeAPI: client.WriteAPI(cfg.InfluxOrg, cfg.InfluxBucket),
		logger:   logger,
		queue:    make(chan queued, queueSize),
		runDone:  make(chan struct{}),
		errsDone: make(chan struct{}),
	}
	go r.handleWriteErrors(r.writeAPI.Errors())
	go r.run()

	logger.Info("Recording commands to InfluxDB",
		zap.String("url", cfg.InfluxURL),
		zap.String("bucket", cfg.InfluxBucket))
	return r, nil
}

func (r *Recorder) handleWriteErrors(errs <-chan error) {
	defer close(r.errsDone)
	for err := range errs {
		r.logger.Warn("InfluxDB write failed", zap.Error(err))
	}
}

// run feeds queued points to the write API, which may block while a
// write is in flight.
func (r *Recorder) run() {
	defer close(r.runDone)
	for q := range r.queue {
		if q.flushed != nil {
			r.writeAPI.Flush()
			close(q.flushed)
			continue
		}
		r.writeAPI.WritePoint(q.point)
	}
}

// CommandHandled implements device.Observer. It never blocks.
func (r *Recorder) CommandHandled(d *device.Device, res device.Result) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.queue <- queued{point: commandPoint(d, res, time.Now())}:
	default:
		n := r.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			r.logger.Warn("Telemetry queue full, dropping points",
				zap.String("device", d.Name()),
				zap.Uint64("dropped", n))
		}
	}
}

// Dropped returns how many points were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func commandPoint(d *device.Device, res device.Result, ts time.Time) *write.Point {
	fields := map[string]interface{}{
		"ok":         res.OK,
		"state":      string(res.State),
		"latency_ms": float64(res.Latency) / float64(time.Millisecond),
	}
	if res.Err != nil {
		fields["error"] = res.Err.Error()
	}

	return write.NewPoint(Measurement,
		map[string]string{
			"device": d.Name(),
			"driver": d.DriverName(),
			"action": string(res.Action),
		},
		fields,
		ts)
}

// Flush blocks until every point queued so far has been sent.
func (r *Recorder) Flush() {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return
	}
	done := make(chan struct{})
	r.queue <- queued{flushed: done}
	r.mu.RUnlock()
	<-done
}

// Close flushes pending points and releases the client. Commands handled
// after Close are dropped.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.runDone
	r.client.Close()
	<-r.errsDone
	return nil
}
