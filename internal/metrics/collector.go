package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/arrowops/procsupd/internal/eventbus"
	"github.com/arrowops/procsupd/internal/model"
	"github.com/arrowops/procsupd/internal/store"
)

const (
	defaultInterval = 10 * time.Second
	ringCap         = 100
	storeQueryCap   = 1000
)

// RunningProcess is the minimal view of a supervised process the
// Collector needs in order to sample it: its id and current pid.
type RunningProcess struct {
	ID  string
	PID int32
}

// ProcessSource reports which processes are currently RUNNING. Supervisor
// implements this; the narrow interface avoids metrics importing supervisor.
type ProcessSource interface {
	RunningProcesses() []RunningProcess
}

// Snapshot is published on every sampling cycle for live subscribers.
type Snapshot struct {
	System    model.SystemStats
	Processes []model.MetricSample
}

type ring struct {
	samples []model.MetricSample
}

func (r *ring) add(s model.MetricSample) {
	r.samples = append(r.samples, s)
	if len(r.samples) > ringCap {
		r.samples = r.samples[len(r.samples)-ringCap:]
	}
}

// Collector periodically samples host-wide and per-process resource usage,
// persists every sample, and keeps a bounded recent-history ring per
// process for fast reads that don't need to touch the Store.
type Collector struct {
	st     *store.Store
	source ProcessSource

	mu       sync.RWMutex
	rings    map[string]*ring
	procs    map[string]*process.Process
	system   model.SystemStats
	systemAt time.Time

	collected *eventbus.Bus[Snapshot]

	prom        *promMetrics
	promEnabled bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Collector. Start must be called to begin sampling.
func New(st *store.Store, source ProcessSource) *Collector {
	return &Collector{
		st:        st,
		source:    source,
		rings:     make(map[string]*ring),
		procs:     make(map[string]*process.Process),
		collected: eventbus.New[Snapshot](32),
		stopCh:    make(chan struct{}),
	}
}

// SubscribeCollected delivers a Snapshot after every sampling cycle.
func (c *Collector) SubscribeCollected() *eventbus.Subscription[Snapshot] {
	return c.collected.Subscribe()
}

// EnablePrometheus registers per-process and system gauges with r. Safe to
// call more than once; later samples update the registered collectors.
func (c *Collector) EnablePrometheus(r prometheus.Registerer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prom == nil {
		c.prom = newPromMetrics()
	}
	if err := c.prom.register(r); err != nil {
		return err
	}
	c.promEnabled = true
	return nil
}

// Start begins sampling every interval (defaultInterval when <= 0) until
// ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.collectOnce(ctx)
			}
		}
	}()
}

// Stop halts the sampling loop and waits for it to exit.
func (c *Collector) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.wg.Wait()
}

func (c *Collector) collectOnce(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	var sys model.SystemStats
	go func() {
		defer wg.Done()
		sys = sampleSystem()
	}()

	var samples []model.MetricSample
	go func() {
		defer wg.Done()
		samples = c.sampleProcesses()
	}()
	wg.Wait()

	c.mu.Lock()
	c.system = sys
	c.systemAt = time.Now()
	for _, s := range samples {
		r, ok := c.rings[s.ProcessID]
		if !ok {
			r = &ring{}
			c.rings[s.ProcessID] = r
		}
		r.add(s)
	}
	if c.promEnabled {
		c.prom.systemCPUPercent.Set(sys.CPUPercent)
		c.prom.systemMemPercent.Set(sys.MemoryPercent)
		for _, s := range samples {
			c.prom.processCPUPercent.WithLabelValues(s.ProcessID).Set(s.CPUPercent)
			c.prom.processMemoryMB.WithLabelValues(s.ProcessID).Set(float64(s.MemoryBytes) / (1024 * 1024))
		}
	}
	c.mu.Unlock()

	for _, s := range samples {
		if err := c.st.InsertMetric(ctx, s); err != nil {
			slog.Debug("persist metric sample failed", "process_id", s.ProcessID, "error", err)
		}
	}

	c.collected.Publish(Snapshot{System: sys, Processes: samples})
}

func sampleSystem() model.SystemStats {
	stats := model.SystemStats{Timestamp: time.Now()}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	} else if err != nil {
		slog.Debug("sample system cpu failed", "error", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryFree = vm.Available
		stats.MemoryTotal = vm.Total
		stats.MemoryPercent = vm.UsedPercent
	} else {
		slog.Debug("sample system memory failed", "error", err)
	}
	if hi, err := host.Info(); err == nil {
		stats.UptimeSeconds = hi.Uptime
	} else {
		slog.Debug("sample host uptime failed", "error", err)
	}
	if avg, err := load.Avg(); err == nil {
		stats.LoadAvg1, stats.LoadAvg5, stats.LoadAvg15 = avg.Load1, avg.Load5, avg.Load15
	}
	return stats
}

func (c *Collector) sampleProcesses() []model.MetricSample {
	running := c.source.RunningProcesses()
	now := time.Now().UnixMilli()
	out := make([]model.MetricSample, 0, len(running))

	c.mu.Lock()
	defer c.mu.Unlock()

	live := make(map[string]bool, len(running))
	for _, rp := range running {
		live[rp.ID] = true
		proc, ok := c.procs[rp.ID]
		if !ok || proc.Pid != rp.PID {
			p, err := process.NewProcess(rp.PID)
			if err != nil {
				slog.Debug("sample process failed: open handle", "process_id", rp.ID, "pid", rp.PID, "error", err)
				continue
			}
			proc = p
			c.procs[rp.ID] = proc
		}

		cpuPct, err := proc.CPUPercent()
		if err != nil {
			slog.Debug("sample process cpu failed", "process_id", rp.ID, "error", err)
			continue
		}
		memInfo, err := proc.MemoryInfo()
		if err != nil {
			slog.Debug("sample process memory failed", "process_id", rp.ID, "error", err)
			continue
		}
		out = append(out, model.MetricSample{ProcessID: rp.ID, CPUPercent: cpuPct, MemoryBytes: memInfo.RSS, Timestamp: now})
	}

	for id := range c.procs {
		if !live[id] {
			delete(c.procs, id)
		}
	}
	return out
}

// GetSystemStats returns the most recently sampled host-wide snapshot.
func (c *Collector) GetSystemStats() model.SystemStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.system
}

// GetProcessStats returns samples for processID within windowMs (the full
// ring when windowMs <= 0), preferring the in-memory ring when it already
// covers the requested window, falling back to the Store otherwise.
func (c *Collector) GetProcessStats(ctx context.Context, processID string, windowMs int64) ([]model.MetricSample, error) {
	c.mu.RLock()
	r, ok := c.rings[processID]
	var ringCopy []model.MetricSample
	if ok {
		ringCopy = append(ringCopy, r.samples...)
	}
	c.mu.RUnlock()

	if windowMs <= 0 {
		return ringCopy, nil
	}
	cutoff := time.Now().UnixMilli() - windowMs
	if len(ringCopy) > 0 && ringCopy[0].Timestamp <= cutoff {
		return filterSince(ringCopy, cutoff), nil
	}
	rows, err := c.st.GetMetrics(ctx, processID, storeQueryCap)
	if err != nil {
		return nil, err
	}
	return filterSince(rows, cutoff), nil
}

func filterSince(samples []model.MetricSample, cutoff int64) []model.MetricSample {
	out := make([]model.MetricSample, 0, len(samples))
	for _, s := range samples {
		if s.Timestamp >= cutoff {
			out = append(out, s)
		}
	}
	return out
}

// Aggregated summarizes a window of samples.
type Aggregated struct {
	AvgCPU      float64
	MaxCPU      float64
	AvgMemory   float64
	MaxMemory   uint64
	SampleCount int
}

// GetAggregatedStats summarizes the samples for processID within windowMs.
func (c *Collector) GetAggregatedStats(ctx context.Context, processID string, windowMs int64) (Aggregated, error) {
	samples, err := c.GetProcessStats(ctx, processID, windowMs)
	if err != nil {
		return Aggregated{}, err
	}
	if len(samples) == 0 {
		return Aggregated{}, nil
	}
	var agg Aggregated
	var cpuSum, memSum float64
	for _, s := range samples {
		cpuSum += s.CPUPercent
		memSum += float64(s.MemoryBytes)
		if s.CPUPercent > agg.MaxCPU {
			agg.MaxCPU = s.CPUPercent
		}
		if s.MemoryBytes > agg.MaxMemory {
			agg.MaxMemory = s.MemoryBytes
		}
	}
	agg.SampleCount = len(samples)
	agg.AvgCPU = cpuSum / float64(len(samples))
	agg.AvgMemory = memSum / float64(len(samples))
	return agg, nil
}
