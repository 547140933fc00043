package metrics

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// SelfCollector samples CPU and memory usage of the running daemon.
type SelfCollector struct {
	interval time.Duration
	logger   *slog.Logger
	proc     *process.Process

	cpuPercent prometheus.Gauge
	memoryRSS  prometheus.Gauge
	numThreads prometheus.Gauge
}

func NewSelfCollector(interval time.Duration, logger *slog.Logger) (*SelfCollector, error) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &SelfCollector{
		interval: interval,
		logger:   logger.With("component", "metrics"),
		proc:     proc,
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trackr", Subsystem: "daemon", Name: "cpu_percent",
			Help: "CPU usage of the daemon process.",
		}),
		memoryRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trackr", Subsystem: "daemon", Name: "memory_rss_bytes",
			Help: "Resident memory of the daemon process.",
		}),
		numThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trackr", Subsystem: "daemon", Name: "threads",
			Help: "OS threads used by the daemon process.",
		}),
	}, nil
}

func (c *SelfCollector) Register(r prometheus.Registerer) error {
	for _, g := range []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads} {
		if err := r.Register(g); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Run samples until ctx is done.
func (c *SelfCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect takes one sample.
func (c *SelfCollector) Collect() {
	if cpu, err := c.proc.CPUPercent(); err == nil {
		c.cpuPercent.Set(cpu)
	} else {
		c.logger.Debug("cpu sample failed", "error", err)
	}
	if mem, err := c.proc.MemoryInfo(); err == nil {
		c.memoryRSS.Set(float64(mem.RSS))
	} else {
		c.logger.Debug("memory sample failed", "error", err)
	}
	if n, err := c.proc.NumThreads(); err == nil {
		c.numThreads.Set(float64(n))
	}
}
