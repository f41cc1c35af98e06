package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/jmylchreest/hubstream/internal/ffmpeg"
	"github.com/jmylchreest/hubstream/internal/rebroadcast"
	"github.com/jmylchreest/hubstream/internal/rtsprelay"
)

// SessionLister lists active rebroadcast sessions.
type SessionLister interface {
	Sessions() []*rebroadcast.Session
}

// PathLister lists published relay paths.
type PathLister interface {
	Paths() []rtsprelay.PathInfo
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version    string
	startTime  time.Time
	ffmpegPath string
	sessions   SessionLister
	paths      PathLister
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithFFmpegPath sets the configured transcoder path to resolve.
func (h *HealthHandler) WithFFmpegPath(path string) *HealthHandler {
	h.ffmpegPath = path
	return h
}

// WithSessions sets the rebroadcast session source.
func (h *HealthHandler) WithSessions(s SessionLister) *HealthHandler {
	h.sessions = s
	return h
}

// WithRelay sets the relay path source.
func (h *HealthHandler) WithRelay(p PathLister) *HealthHandler {
	h.paths = p
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the health status of the service. A missing transcoder
// binary degrades the status since no rebroadcast session can start.
func (h *HealthHandler) GetHealth(_ context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	cpuInfo := h.getCPUInfo()
	components := h.getComponents()

	status := "healthy"
	if components.FFmpeg.Status != "ok" {
		status = "degraded"
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        status,
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			SystemLoad:    cpuInfo.LoadPercentage1Min / 100,
			CPUInfo:       cpuInfo,
			Memory:        h.getMemoryInfo(),
			Components:    components,
			Checks: map[string]string{
				"ffmpeg": components.FFmpeg.Status,
			},
		},
	}, nil
}

func (h *HealthHandler) getComponents() HealthComponents {
	var c HealthComponents

	if path, err := ffmpeg.ResolveBinary(h.ffmpegPath); err != nil {
		c.FFmpeg = FFmpegHealth{Status: "not_found", Error: err.Error()}
	} else {
		c.FFmpeg = FFmpegHealth{Status: "ok", Path: path}
	}

	if h.sessions != nil {
		for _, s := range h.sessions.Sessions() {
			c.Sessions++
			c.SessionClients += s.Clients()
		}
	}
	if h.paths != nil {
		for _, p := range h.paths.Paths() {
			c.RelayPaths++
			c.RelayReaders += p.Readers
		}
	}
	return c
}

// getCPUInfo returns CPU load information.
func (h *HealthHandler) getCPUInfo() CPUInfo {
	cores := runtime.NumCPU()
	info := CPUInfo{Cores: cores}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}

	return info
}

// getMemoryInfo returns memory usage information.
func (h *HealthHandler) getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.FreeMemoryMB = float64(vmStat.Free) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	swapStat, err := mem.SwapMemory()
	if err == nil && swapStat != nil {
		info.SwapTotalMB = float64(swapStat.Total) / 1024 / 1024
		info.SwapUsedMB = float64(swapStat.Used) / 1024 / 1024
	}

	info.ProcessMemory = h.getProcessMemoryInfo(info.TotalMemoryMB)
	return info
}

// getProcessMemoryInfo sums RSS over this process and its transcoders.
func (h *HealthHandler) getProcessMemoryInfo(totalSystemMB float64) ProcessMemoryInfo {
	info := ProcessMemoryInfo{}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return info
	}

	memInfo, err := proc.MemoryInfo()
	if err == nil && memInfo != nil {
		info.MainProcessMB = float64(memInfo.RSS) / 1024 / 1024
		info.TotalProcessTreeMB = info.MainProcessMB
	}

	children, err := proc.Children()
	if err == nil {
		info.ChildProcessCount = len(children)
		for _, child := range children {
			childMem, err := child.MemoryInfo()
			if err == nil && childMem != nil {
				childMB := float64(childMem.RSS) / 1024 / 1024
				info.ChildProcessesMB += childMB
				info.TotalProcessTreeMB += childMB
			}
		}
	}

	if totalSystemMB > 0 {
		info.PercentageOfSystem = (info.TotalProcessTreeMB / totalSystemMB) * 100
	}
	return info
}
