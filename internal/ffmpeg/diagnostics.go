package ffmpeg

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// StreamInfo is what the transcoder reports about its input on stderr.
type StreamInfo struct {
	VideoCodec string `json:"video_codec,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	AudioCodec string `json:"audio_codec,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

var (
	videoStreamRe = regexp.MustCompile(`Stream #\d+:\d+.*?: Video: ([\w-]+).*?\b(\d{2,5})x(\d{2,5})\b`)
	audioStreamRe = regexp.MustCompile(`Stream #\d+:\d+.*?: Audio: ([\w-]+).*?\b(\d+) Hz\b`)
)

// Diagnostics accumulates StreamInfo from stderr lines. The first video and
// audio stream lines win, which describe the input rather than the output.
type Diagnostics struct {
	mu   sync.RWMutex
	info StreamInfo
}

// Observe parses one stderr line.
func (d *Diagnostics) Observe(line string) {
	if !strings.Contains(line, "Stream #") {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.info.VideoCodec == "" {
		if m := videoStreamRe.FindStringSubmatch(line); m != nil {
			d.info.VideoCodec = m[1]
			d.info.Width, _ = strconv.Atoi(m[2])
			d.info.Height, _ = strconv.Atoi(m[3])
			return
		}
	}
	if d.info.AudioCodec == "" {
		if m := audioStreamRe.FindStringSubmatch(line); m != nil {
			d.info.AudioCodec = m[1]
			d.info.SampleRate, _ = strconv.Atoi(m[2])
		}
	}
}

// Info returns what has been parsed so far.
func (d *Diagnostics) Info() StreamInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info
}

// ParseStreamInfo parses a complete stderr capture.
func ParseStreamInfo(lines []string) StreamInfo {
	var d Diagnostics
	for _, line := range lines {
		d.Observe(line)
	}
	return d.Info()
}
