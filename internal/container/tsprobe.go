package container

import (
	"fmt"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// ProbeTSTracks reads the PAT and PMT at the start of r and reports the
// elementary streams they declare. Track IDs are PIDs.
func ProbeTSTracks(r io.Reader) ([]Track, error) {
	reader := &mpegts.Reader{R: r}
	if err := reader.Initialize(); err != nil {
		return nil, fmt.Errorf("reading mpeg-ts tables: %w", err)
	}

	tracks := make([]Track, 0, len(reader.Tracks()))
	for _, t := range reader.Tracks() {
		codec, kind := tsCodecName(t.Codec)
		tracks = append(tracks, Track{
			ID:        int(t.PID),
			TimeScale: 90000,
			Codec:     codec,
			Kind:      kind,
		})
	}
	return tracks, nil
}

func tsCodecName(c mpegts.Codec) (string, string) {
	switch c.(type) {
	case *mpegts.CodecH264:
		return "h264", KindVideo
	case *mpegts.CodecH265:
		return "h265", KindVideo
	case *mpegts.CodecMPEG1Video:
		return "mpeg1video", KindVideo
	case *mpegts.CodecMPEG4Video:
		return "mpeg4video", KindVideo
	case *mpegts.CodecMPEG4Audio:
		return "aac", KindAudio
	case *mpegts.CodecOpus:
		return "opus", KindAudio
	case *mpegts.CodecAC3:
		return "ac3", KindAudio
	case *mpegts.CodecMPEG1Audio:
		return "mp3", KindAudio
	default:
		return "unknown", KindUnknown
	}
}
