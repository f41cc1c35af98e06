// Package handlers provides HTTP API handlers for hubstream.
package handlers

import (
	"github.com/jmylchreest/hubstream/internal/rebroadcast"
	"github.com/jmylchreest/hubstream/internal/rtsprelay"
)

// Health types

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string            `json:"status" doc:"Overall status"`
	Timestamp     string            `json:"timestamp" doc:"Server time (RFC3339)"`
	Version       string            `json:"version" doc:"Build version"`
	Uptime        string            `json:"uptime" doc:"Time since start"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	SystemLoad    float64           `json:"system_load" doc:"1 minute load divided by core count"`
	CPUInfo       CPUInfo           `json:"cpu_info"`
	Memory        MemoryInfo        `json:"memory"`
	Components    HealthComponents  `json:"components"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// CPUInfo holds load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds system and process memory usage.
type MemoryInfo struct {
	TotalMemoryMB     float64           `json:"total_memory_mb"`
	UsedMemoryMB      float64           `json:"used_memory_mb"`
	FreeMemoryMB      float64           `json:"free_memory_mb"`
	AvailableMemoryMB float64           `json:"available_memory_mb"`
	SwapTotalMB       float64           `json:"swap_total_mb"`
	SwapUsedMB        float64           `json:"swap_used_mb"`
	ProcessMemory     ProcessMemoryInfo `json:"process_memory"`
}

// ProcessMemoryInfo covers this process and its transcoder children.
type ProcessMemoryInfo struct {
	MainProcessMB      float64 `json:"main_process_mb"`
	ChildProcessesMB   float64 `json:"child_processes_mb"`
	TotalProcessTreeMB float64 `json:"total_process_tree_mb"`
	PercentageOfSystem float64 `json:"percentage_of_system"`
	ChildProcessCount  int     `json:"child_process_count"`
}

// HealthComponents reports the media components.
type HealthComponents struct {
	FFmpeg         FFmpegHealth `json:"ffmpeg"`
	Sessions       int          `json:"sessions" doc:"Active rebroadcast sessions"`
	SessionClients int          `json:"session_clients" doc:"Clients attached to rebroadcast sessions"`
	RelayPaths     int          `json:"relay_paths" doc:"Published RTSP relay paths"`
	RelayReaders   int          `json:"relay_readers" doc:"Readers playing RTSP relay paths"`
}

// FFmpegHealth reports whether a transcoder binary is available.
type FFmpegHealth struct {
	Status string `json:"status" enum:"ok,not_found"`
	Path   string `json:"path,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Stream types

// StreamResponse is a rebroadcast session in API responses.
type StreamResponse = rebroadcast.Stats

// CreateStreamRequest is the body of POST /api/v1/streams.
type CreateStreamRequest struct {
	URL       string   `json:"url" minLength:"1" doc:"Source URL or absolute file path passed to the transcoder"`
	InputArgs []string `json:"input_args,omitempty" doc:"Transcoder arguments placed before the input"`
}

// CreateStreamResponse is returned by POST /api/v1/streams.
type CreateStreamResponse struct {
	Created bool           `json:"created" doc:"False when an existing session for the source was reused"`
	Stream  StreamResponse `json:"stream"`
}

// Relay types

// RelayPathResponse is a relay path in API responses.
type RelayPathResponse = rtsprelay.PathInfo
