package telemetry

import (
	"context"
	"runtime"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Sample is one telemetry report pushed to the backend.
type Sample struct {
	DeviceID          string    `json:"device_id"`
	Timestamp         time.Time `json:"timestamp"`
	UptimeSeconds     int64     `json:"uptime_seconds"`
	Goroutines        int       `json:"goroutines"`
	HeapAllocBytes    uint64    `json:"heap_alloc_bytes"`
	HeapSysBytes      uint64    `json:"heap_sys_bytes"`
	NumGC             uint32    `json:"num_gc"`
	PendingDeploys    int       `json:"pending_deployments"`
	InProgressDeploys int       `json:"in_progress_deployments"`
	RunningWorkflows  int       `json:"running_workflows"`
	RelayConnected    bool      `json:"relay_connected"`
}

// Pusher ships a sample to the backend.
type Pusher interface {
	PushTelemetry(ctx context.Context, deviceID string, sample any) error
}

// WorkloadStats exposes agent workload counters for sampling.
type WorkloadStats interface {
	DeploymentCounts() (pending, inProgress int)
	RunningWorkflows() int
	RelayConnected() bool
}

// Sampler periodically collects process and workload stats and pushes them
// to the backend. Push failures are logged and skipped; the next tick tries
// again with fresh data.
type Sampler struct {
	deviceID string
	pusher   Pusher
	stats    WorkloadStats
	interval time.Duration
	log      *slog.Logger
	started  time.Time

	goroutinesGauge prometheus.Gauge
	heapGauge       prometheus.Gauge
	uptimeGauge     prometheus.Gauge
	registerOnce    sync.Once
}

// NewSampler creates a telemetry sampler.
func NewSampler(deviceID string, pusher Pusher, stats WorkloadStats, interval time.Duration, log *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	s := &Sampler{
		deviceID: deviceID,
		pusher:   pusher,
		stats:    stats,
		interval: interval,
		log:      log,
		started:  time.Now(),
	}
	s.initMetrics()
	return s
}

func (s *Sampler) initMetrics() {
	s.registerOnce.Do(func() {
		s.goroutinesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ajime",
			Subsystem: "agent",
			Name:      "goroutines",
			Help:      "Goroutines in the agent process",
		})
		s.heapGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ajime",
			Subsystem: "agent",
			Name:      "heap_alloc_bytes",
			Help:      "Heap bytes allocated and in use",
		})
		s.uptimeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ajime",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Seconds since the agent started",
		})
		for _, collector := range []prometheus.Collector{s.goroutinesGauge, s.heapGauge, s.uptimeGauge} {
			if err := prometheus.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					if gauge, ok := are.ExistingCollector.(prometheus.Gauge); ok {
						switch collector {
						case s.goroutinesGauge:
							s.goroutinesGauge = gauge
						case s.heapGauge:
							s.heapGauge = gauge
						case s.uptimeGauge:
							s.uptimeGauge = gauge
						}
					}
				}
			}
		}
	})
}

// Collect builds a sample from the current process state.
func (s *Sampler) Collect() Sample {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	pending, inProgress := s.stats.DeploymentCounts()
	sample := Sample{
		DeviceID:          s.deviceID,
		Timestamp:         time.Now().UTC(),
		UptimeSeconds:     int64(time.Since(s.started).Seconds()),
		Goroutines:        runtime.NumGoroutine(),
		HeapAllocBytes:    mem.HeapAlloc,
		HeapSysBytes:      mem.HeapSys,
		NumGC:             mem.NumGC,
		PendingDeploys:    pending,
		InProgressDeploys: inProgress,
		RunningWorkflows:  s.stats.RunningWorkflows(),
		RelayConnected:    s.stats.RelayConnected(),
	}

	s.goroutinesGauge.Set(float64(sample.Goroutines))
	s.heapGauge.Set(float64(sample.HeapAllocBytes))
	s.uptimeGauge.Set(float64(sample.UptimeSeconds))
	return sample
}

// Run pushes samples on the configured cadence until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sample := s.Collect()
			pushCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := s.pusher.PushTelemetry(pushCtx, s.deviceID, sample)
			cancel()
			if err != nil {
				s.log.Warn("telemetry push failed", "error", err)
			}
		}
	}
}
