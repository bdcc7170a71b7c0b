package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Target is a running backend to sample.
type Target struct {
	WorkspaceID string
	PID         int
}

// ResourceCollector samples CPU and memory of running backends at scrape time.
// targets is called on every Collect; it must be cheap and concurrency safe.
type ResourceCollector struct {
	targets func() []Target
	timeout time.Duration

	cpu     *prometheus.Desc
	rss     *prometheus.Desc
	threads *prometheus.Desc
}

func NewResourceCollector(targets func() []Target) *ResourceCollector {
	labels := []string{"workspace", "pid"}
	return &ResourceCollector{
		targets: targets,
		timeout: 2 * time.Second,
		cpu: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "cpu_percent"),
			"CPU usage of the backend process since it started.", labels, nil),
		rss: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "memory_rss_bytes"),
			"Resident set size of the backend process.", labels, nil),
		threads: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "threads"),
			"Thread count of the backend process.", labels, nil),
	}
}

func (c *ResourceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpu
	ch <- c.rss
	ch <- c.threads
}

func (c *ResourceCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	for _, t := range c.targets() {
		s, ok := Sample(ctx, t.PID)
		if !ok {
			continue
		}
		pid := strconv.Itoa(t.PID)
		ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, s.CPUPercent, t.WorkspaceID, pid)
		ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(s.RSS), t.WorkspaceID, pid)
		ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(s.Threads), t.WorkspaceID, pid)
	}
}

// Usage is a point-in-time resource sample.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSS        uint64  `json:"memory_rss"`
	Threads    int32   `json:"num_threads"`
}

// Sample reads resource usage for pid. ok is false when the process is gone
// or not readable.
func Sample(ctx context.Context, pid int) (Usage, bool) {
	if pid <= 0 {
		return Usage{}, false
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Usage{}, false
	}
	var u Usage
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		u.RSS = mi.RSS
	} else {
		return Usage{}, false
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.Threads = n
	}
	return u, true
}
