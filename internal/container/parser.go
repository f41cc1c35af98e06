package container

import (
	"fmt"
	"io"
)

// Parser turns a byte stream into media units. The arguments it reports are
// the transcoder output flags that make the producer emit the container the
// parser expects.
type Parser interface {
	Name() string
	OutputArgs() []string
	Parse(r io.Reader) (*Units, error)
}

// Parser names accepted by NewParser.
const (
	FormatMP4      = "mp4"
	FormatMPEGTS   = "mpegts"
	FormatRawVideo = "rawvideo"
)

// NewParser returns the parser registered under name. Width and height are
// only used by the raw video parser.
func NewParser(name string, width, height int) (Parser, error) {
	switch name {
	case FormatMP4:
		return MP4Parser{}, nil
	case FormatMPEGTS:
		return MPEGTSParser{}, nil
	case FormatRawVideo:
		return RawVideoParser{Width: width, Height: height}, nil
	default:
		return nil, fmt.Errorf("unknown container format %q", name)
	}
}
