package container

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
)

// Track describes one elementary stream of a container.
type Track struct {
	ID        int    `json:"id"`
	TimeScale uint32 `json:"time_scale,omitempty"`
	Codec     string `json:"codec"`
	Kind      string `json:"kind"`
}

// Track kinds.
const (
	KindVideo   = "video"
	KindAudio   = "audio"
	KindUnknown = "unknown"
)

// InitSegment retains the first ftyp+moov pair of a fragmented MP4 stream so
// it can be replayed to consumers that join after the stream started.
type InitSegment struct {
	mu   sync.RWMutex
	ftyp *MP4Atom
	moov *MP4Atom
}

// Observe records atom if it belongs to the initialization segment. It
// returns true when the atom was kept.
func (s *InitSegment) Observe(atom *MP4Atom) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch atom.Type {
	case "ftyp":
		if s.ftyp == nil {
			s.ftyp = atom
			return true
		}
	case "moov":
		if s.moov == nil {
			s.moov = atom
			return true
		}
	}
	return false
}

// Complete reports whether both ftyp and moov have been seen.
func (s *InitSegment) Complete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ftyp != nil && s.moov != nil
}

// Bytes returns ftyp followed by moov, or nil until the segment is complete.
func (s *InitSegment) Bytes() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ftyp == nil || s.moov == nil {
		return nil
	}
	return append(s.ftyp.Bytes(), s.moov.Bytes()...)
}

// Tracks decodes the tracks declared by the moov atom.
func (s *InitSegment) Tracks() ([]Track, error) {
	data := s.Bytes()
	if data == nil {
		return nil, fmt.Errorf("init segment incomplete")
	}

	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parsing init segment: %w", err)
	}

	tracks := make([]Track, 0, len(init.Tracks))
	for _, t := range init.Tracks {
		codec, kind := mp4CodecName(t.Codec)
		tracks = append(tracks, Track{
			ID:        t.ID,
			TimeScale: t.TimeScale,
			Codec:     codec,
			Kind:      kind,
		})
	}
	return tracks, nil
}

func mp4CodecName(c mp4.Codec) (string, string) {
	switch c.(type) {
	case *mp4.CodecH264:
		return "h264", KindVideo
	case *mp4.CodecH265:
		return "h265", KindVideo
	case *mp4.CodecAV1:
		return "av1", KindVideo
	case *mp4.CodecVP9:
		return "vp9", KindVideo
	case *mp4.CodecMPEG4Audio:
		return "aac", KindAudio
	case *mp4.CodecOpus:
		return "opus", KindAudio
	case *mp4.CodecAC3:
		return "ac3", KindAudio
	case *mp4.CodecMPEG1Audio:
		return "mp3", KindAudio
	default:
		return "unknown", KindUnknown
	}
}
