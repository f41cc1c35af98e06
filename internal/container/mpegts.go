package container

import (
	"fmt"
	"io"

	"github.com/jmylchreest/hubstream/internal/streamerr"
)

// MPEG-TS framing.
const (
	TSPacketSize = 188
	TSSyncByte   = 0x47
)

const tsReadSize = 64 * 1024

// MPEGTSParser realigns arbitrary reads into blocks of whole TS packets.
type MPEGTSParser struct{}

func (MPEGTSParser) Name() string { return FormatMPEGTS }

func (MPEGTSParser) OutputArgs() []string {
	return []string{"-f", "mpegts"}
}

func (MPEGTSParser) Parse(r io.Reader) (*Units, error) {
	var ra realigner
	buf := make([]byte, tsReadSize)

	return NewUnits(func() (Unit, error) {
		for {
			n, err := r.Read(buf)
			if n > 0 {
				block, perr := ra.push(buf[:n])
				if perr != nil {
					return nil, perr
				}
				if block != nil {
					return &TSPackets{Data: block}, nil
				}
			}
			if err != nil {
				return nil, fmt.Errorf("%w: %w", streamerr.ErrStreamEnded, err)
			}
		}
	}), nil
}

// realigner accumulates chunks and splits off the largest 188-aligned prefix
// once at least one whole packet is pending. There is no resynchronisation:
// a block that does not start with the sync byte is fatal.
type realigner struct {
	pending [][]byte
	size    int
}

func (ra *realigner) push(chunk []byte) ([]byte, error) {
	ra.pending = append(ra.pending, append([]byte(nil), chunk...))
	ra.size += len(chunk)
	if ra.size < TSPacketSize {
		return nil, nil
	}

	data := make([]byte, 0, ra.size)
	for _, p := range ra.pending {
		data = append(data, p...)
	}
	ra.pending = ra.pending[:0]
	ra.size = 0

	if data[0] != TSSyncByte {
		return nil, fmt.Errorf("%w: mpeg-ts sync byte 0x%02x", streamerr.ErrProtocolViolation, data[0])
	}

	aligned := len(data) - len(data)%TSPacketSize
	if rest := data[aligned:]; len(rest) > 0 {
		ra.pending = append(ra.pending, rest)
		ra.size = len(rest)
	}
	return data[:aligned:aligned], nil
}
