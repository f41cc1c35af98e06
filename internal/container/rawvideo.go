package container

import (
	"errors"
	"io"

	"github.com/jmylchreest/hubstream/internal/bytereader"
)

// ErrUnknownDimensions is returned by RawVideoParser.Parse without a frame
// size.
var ErrUnknownDimensions = errors.New("raw video dimensions unknown")

// RawVideoParser chunks a yuv420p stream into fixed-size frames.
type RawVideoParser struct {
	Width  int
	Height int
}

func (RawVideoParser) Name() string { return FormatRawVideo }

func (RawVideoParser) OutputArgs() []string {
	return []string{"-f", "rawvideo", "-pix_fmt", "yuv420p"}
}

// FrameSize is width*height*1.5.
func (p RawVideoParser) FrameSize() int {
	return p.Width * p.Height * 3 / 2
}

func (p RawVideoParser) Parse(r io.Reader) (*Units, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return nil, ErrUnknownDimensions
	}

	br := bytereader.New(r)
	size := p.FrameSize()
	return NewUnits(func() (Unit, error) {
		data, err := br.ReadExact(size)
		if err != nil {
			return nil, err
		}
		return &RawVideoFrame{Data: data, Width: p.Width, Height: p.Height}, nil
	}), nil
}
