package sidecar

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crossstack-ai/crossbridge/internal/health"
)

// Sample is one profiler observation.
type Sample struct {
	At         time.Time
	CPUPercent float64
	RSSMB      float64
}

// Summary aggregates samples over a window.
type Summary struct {
	Samples        int     `json:"samples"`
	AvgCPU         float64 `json:"avg_cpu"`
	PeakCPU        float64 `json:"peak_cpu"`
	AvgMemoryMB    float64 `json:"avg_memory_mb"`
	PeakMemoryMB   float64 `json:"peak_memory_mb"`
	MemoryGrowthMB float64 `json:"memory_growth_mb"`
}

// OverBudget is the per-dimension budget verdict.
type OverBudget struct {
	CPU    bool
	Memory bool
}

// probe reads the current process CPU percent and RSS. Injected in tests.
type probe func() (cpuPercent, rssMB float64, err error)

// recoverySamples is the hysteresis: this many consecutive in-budget
// samples before shedding is undone.
const recoverySamples = 2

// Profiler samples process CPU and RSS on an interval into a ring buffer
// and drives the load-shedding reactions on the sampler and observer.
type Profiler struct {
	mu      sync.RWMutex
	ring    []Sample
	pos     int
	full    bool
	lastOK  int // consecutive in-budget samples
	overCPU bool
	overMem bool

	interval  time.Duration
	retention time.Duration
	cpuBudget float64
	memBudget float64

	sampler      *Sampler
	observer     *Observer
	metrics      *health.Metrics
	logger       *zap.Logger
	probe        probe
	fullQueueCap int // configured cap, restored after memory recovery
}

func NewProfiler(interval, retention time.Duration, cpuBudget, memBudget float64,
	sampler *Sampler, observer *Observer, metrics *health.Metrics, logger *zap.Logger) *Profiler {
	if interval <= 0 {
		interval = time.Second
	}
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n := int(retention / interval)
	if n < 1 {
		n = 1
	}
	p := &Profiler{
		ring:      make([]Sample, n),
		interval:  interval,
		retention: retention,
		cpuBudget: cpuBudget,
		memBudget: memBudget,
		sampler:   sampler,
		observer:  observer,
		metrics:   metrics,
		logger:    logger,
	}
	if observer != nil {
		p.fullQueueCap = observer.MaxQueueSize()
	}
	p.probe = newProcProbe()
	return p
}

// Run samples until ctx is done.
func (p *Profiler) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.SampleOnce(time.Now())
		}
	}
}

// SampleOnce takes one observation and applies the budget reactions.
func (p *Profiler) SampleOnce(now time.Time) {
	cpu, rss, err := p.probe()
	if err != nil {
		if p.metrics != nil {
			p.metrics.ErrorsTotal.WithLabelValues("profiler").Inc()
		}
		return
	}
	p.mu.Lock()
	p.ring[p.pos] = Sample{At: now, CPUPercent: cpu, RSSMB: rss}
	p.pos = (p.pos + 1) % len(p.ring)
	if p.pos == 0 {
		p.full = true
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.CPUUsage.Set(cpu)
		p.metrics.MemoryUsageMB.Set(rss)
	}
	p.react(cpu, rss)
}

// react applies load shedding: over CPU budget lowers sampling to 25%,
// over memory budget halves the queue. Recovery needs two consecutive
// in-budget samples.
func (p *Profiler) react(cpu, rss float64) {
	over := p.Over(cpu, rss)

	p.mu.Lock()
	defer p.mu.Unlock()

	if over.CPU && !p.overCPU {
		p.overCPU = true
		p.lastOK = 0
		if p.sampler != nil {
			p.sampler.Reduce()
		}
		p.logger.Warn("cpu budget exceeded, sampling reduced",
			zap.Float64("cpu", cpu), zap.Float64("budget", p.cpuBudget))
	}
	if over.Memory && !p.overMem {
		p.overMem = true
		p.lastOK = 0
		if p.observer != nil {
			half := p.observer.MaxQueueSize() / 2
			p.observer.SetMaxQueueSize(half)
		}
		p.logger.Warn("memory budget exceeded, queue halved",
			zap.Float64("rss_mb", rss), zap.Float64("budget_mb", p.memBudget))
	}
	if over.CPU || over.Memory {
		p.lastOK = 0
		return
	}

	if !p.overCPU && !p.overMem {
		return
	}
	p.lastOK++
	if p.lastOK < recoverySamples {
		return
	}
	if p.overCPU {
		p.overCPU = false
		if p.sampler != nil {
			p.sampler.Restore()
		}
		p.logger.Info("cpu budget recovered, sampling restored")
	}
	if p.overMem {
		p.overMem = false
		if p.observer != nil && p.fullQueueCap > 0 {
			p.observer.SetMaxQueueSize(p.fullQueueCap)
		}
		p.logger.Info("memory budget recovered, queue restored")
	}
	p.lastOK = 0
}

// Over checks one observation against the budgets. A zero budget is
// immediately over.
func (p *Profiler) Over(cpu, rss float64) OverBudget {
	return OverBudget{
		CPU:    cpu >= p.cpuBudget,
		Memory: rss >= p.memBudget,
	}
}

// IsOverBudget reports the sticky shedding state per dimension.
func (p *Profiler) IsOverBudget() OverBudget {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return OverBudget{CPU: p.overCPU, Memory: p.overMem}
}

// Recent returns samples within the window, oldest first.
func (p *Profiler) Recent(window time.Duration, now time.Time) []Sample {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cutoff := now.Add(-window)
	n := p.pos
	if p.full {
		n = len(p.ring)
	}
	var out []Sample
	for i := 0; i < n; i++ {
		idx := i
		if p.full {
			idx = (p.pos + i) % len(p.ring)
		}
		s := p.ring[idx]
		if !s.At.IsZero() && !s.At.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// GetSummary aggregates the window.
func (p *Profiler) GetSummary(window time.Duration) Summary {
	samples := p.Recent(window, time.Now())
	sum := Summary{Samples: len(samples)}
	if len(samples) == 0 {
		return sum
	}
	for _, s := range samples {
		sum.AvgCPU += s.CPUPercent
		sum.AvgMemoryMB += s.RSSMB
		if s.CPUPercent > sum.PeakCPU {
			sum.PeakCPU = s.CPUPercent
		}
		if s.RSSMB > sum.PeakMemoryMB {
			sum.PeakMemoryMB = s.RSSMB
		}
	}
	sum.AvgCPU /= float64(len(samples))
	sum.AvgMemoryMB /= float64(len(samples))
	sum.MemoryGrowthMB = samples[len(samples)-1].RSSMB - samples[0].RSSMB
	return sum
}

// WithinBudgetRecently reports whether at least 2 of the last 3 samples
// were inside both budgets. Used by the health check.
func (p *Profiler) WithinBudgetRecently() bool {
	samples := p.Recent(p.retention, time.Now())
	if len(samples) == 0 {
		return true
	}
	if len(samples) > 3 {
		samples = samples[len(samples)-3:]
	}
	ok := 0
	for _, s := range samples {
		over := p.Over(s.CPUPercent, s.RSSMB)
		if !over.CPU && !over.Memory {
			ok++
		}
	}
	need := 2
	if len(samples) < need {
		need = len(samples)
	}
	return ok >= need
}

// newProcProbe builds a /proc-based CPU and RSS reader. CPU percent is the
// utime+stime delta between calls over wall time.
func newProcProbe() probe {
	var (
		lastTicks uint64
		lastAt    time.Time
	)
	const clockTick = 100.0 // USER_HZ
	return func() (float64, float64, error) {
		ticks, err := readSelfCPUTicks()
		if err != nil {
			return 0, 0, err
		}
		rssMB, err := readSelfRSSMB()
		if err != nil {
			return 0, 0, err
		}
		now := time.Now()
		cpu := 0.0
		if !lastAt.IsZero() && now.After(lastAt) && ticks >= lastTicks {
			seconds := now.Sub(lastAt).Seconds()
			cpu = float64(ticks-lastTicks) / clockTick / seconds * 100.0
		}
		lastTicks, lastAt = ticks, now
		return cpu, rssMB, nil
	}
}

// readSelfCPUTicks parses utime+stime from /proc/self/stat.
func readSelfCPUTicks() (uint64, error) {
	data, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0, err
	}
	// Field 2 (comm) may contain spaces; skip past the closing paren.
	text := string(data)
	end := strings.LastIndexByte(text, ')')
	if end < 0 {
		return 0, fmt.Errorf("malformed /proc/self/stat")
	}
	fields := strings.Fields(text[end+1:])
	// After comm: state is index 0, utime is index 11, stime is index 12.
	if len(fields) < 13 {
		return 0, fmt.Errorf("short /proc/self/stat")
	}
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, err
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, err
	}
	return utime + stime, nil
}

// readSelfRSSMB parses VmRSS from /proc/self/status.
func readSelfRSSMB() (float64, error) {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0, err
		}
		return kb / 1024.0, nil
	}
	return 0, fmt.Errorf("VmRSS not found")
}
