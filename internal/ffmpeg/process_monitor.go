package ffmpeg

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats contains resource usage statistics for a transcoder process.
type ProcessStats struct {
	PID int `json:"pid"`

	CPUPercent float64       `json:"cpu_percent"` // 0-100 per core
	CPUUser    time.Duration `json:"cpu_user"`
	CPUSystem  time.Duration `json:"cpu_system"`

	MemoryRSSBytes uint64  `json:"memory_rss_bytes"`
	MemoryRSSMB    float64 `json:"memory_rss_mb"`
	MemoryVMSBytes uint64  `json:"memory_vms_bytes"`
	MemoryPercent  float64 `json:"memory_percent"`

	// Bytes the relay read from the process's output connection.
	BytesRead   uint64  `json:"bytes_read"`
	ReadRateBps float64 `json:"read_rate_bps"`

	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	LastUpdated time.Time     `json:"last_updated"`
}

// ProcessMonitor samples resource usage of a process at a fixed interval.
type ProcessMonitor struct {
	pid       int
	startedAt time.Time
	interval  time.Duration

	mu      sync.RWMutex
	stats   ProcessStats
	running bool
	proc    *process.Process

	lastBytesRead  uint64
	lastBytesCheck time.Time
	bytesRead      atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessMonitor creates a monitor for pid. Sampling starts with Start.
func NewProcessMonitor(pid int) *ProcessMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &ProcessMonitor{
		pid:       pid,
		startedAt: now,
		interval:  time.Second,
		stats:     ProcessStats{PID: pid, StartedAt: now},
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetInterval changes the sampling interval. It must be called before Start.
func (pm *ProcessMonitor) SetInterval(d time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.interval = d
}

// Start begins sampling.
func (pm *ProcessMonitor) Start() {
	pm.mu.Lock()
	if pm.running {
		pm.mu.Unlock()
		return
	}
	pm.running = true
	pm.lastBytesCheck = time.Now()
	pm.mu.Unlock()

	pm.wg.Add(1)
	go pm.monitorLoop()
}

// Stop stops sampling and waits for the sampler to exit.
func (pm *ProcessMonitor) Stop() {
	pm.cancel()
	pm.wg.Wait()

	pm.mu.Lock()
	pm.running = false
	pm.mu.Unlock()
}

// Stats returns the latest sample.
func (pm *ProcessMonitor) Stats() ProcessStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	s := pm.stats
	s.BytesRead = pm.bytesRead.Load()
	s.Duration = time.Since(pm.startedAt)
	return s
}

// AddBytesRead records bytes read from the process's output.
func (pm *ProcessMonitor) AddBytesRead(n uint64) {
	pm.bytesRead.Add(n)
}

func (pm *ProcessMonitor) monitorLoop() {
	defer pm.wg.Done()

	pm.mu.RLock()
	interval := pm.interval
	pm.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.sample()
	for {
		select {
		case <-pm.ctx.Done():
			return
		case <-ticker.C:
			pm.sample()
		}
	}
}

func (pm *ProcessMonitor) sample() {
	if pm.proc == nil {
		p, err := process.NewProcessWithContext(pm.ctx, int32(pm.pid))
		if err != nil {
			return
		}
		pm.proc = p
	}

	now := time.Now()
	var next ProcessStats
	next.PID = pm.pid
	next.StartedAt = pm.startedAt
	next.LastUpdated = now

	// Percent with a zero interval reports usage since the previous call.
	if cpu, err := pm.proc.PercentWithContext(pm.ctx, 0); err == nil {
		next.CPUPercent = cpu
	}
	if times, err := pm.proc.TimesWithContext(pm.ctx); err == nil && times != nil {
		next.CPUUser = time.Duration(times.User * float64(time.Second))
		next.CPUSystem = time.Duration(times.System * float64(time.Second))
	}
	if mem, err := pm.proc.MemoryInfoWithContext(pm.ctx); err == nil && mem != nil {
		next.MemoryRSSBytes = mem.RSS
		next.MemoryRSSMB = float64(mem.RSS) / 1024 / 1024
		next.MemoryVMSBytes = mem.VMS
	}
	if pct, err := pm.proc.MemoryPercentWithContext(pm.ctx); err == nil {
		next.MemoryPercent = float64(pct)
	}

	total := pm.bytesRead.Load()

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if elapsed := now.Sub(pm.lastBytesCheck).Seconds(); elapsed > 0 {
		next.ReadRateBps = float64(total-pm.lastBytesRead) / elapsed
	}
	pm.lastBytesRead = total
	pm.lastBytesCheck = now
	pm.stats = next
}
