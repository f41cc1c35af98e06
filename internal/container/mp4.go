package container

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jmylchreest/hubstream/internal/bytereader"
	"github.com/jmylchreest/hubstream/internal/streamerr"
)

// MP4Parser reads fragmented MP4 as a sequence of top-level atoms.
type MP4Parser struct{}

func (MP4Parser) Name() string { return FormatMP4 }

func (MP4Parser) OutputArgs() []string {
	return []string{"-f", "mp4", "-movflags", "frag_keyframe+empty_moov+default_base_moof"}
}

func (MP4Parser) Parse(r io.Reader) (*Units, error) {
	br := bytereader.New(r)
	return NewUnits(func() (Unit, error) {
		return ReadAtom(br)
	}), nil
}

// ReadAtom reads one [int32BE length][fourcc][payload] atom.
func ReadAtom(br *bytereader.Reader) (*MP4Atom, error) {
	header, err := br.ReadExact(8)
	if err != nil {
		return nil, err
	}

	atom := &MP4Atom{
		Length: int32(binary.BigEndian.Uint32(header[:4])),
		Type:   string(header[4:8]),
	}
	copy(atom.Header[:], header)

	// Extended (size 1) and to-end-of-file (size 0) atoms are never emitted
	// by a fragmenting muxer writing to a socket.
	if atom.Length < 8 {
		return nil, fmt.Errorf("%w: mp4 atom %q has length %d", streamerr.ErrProtocolViolation, atom.Type, atom.Length)
	}

	atom.Data, err = br.ReadExact(int(atom.Length) - 8)
	if err != nil {
		return nil, err
	}
	return atom, nil
}

// EncodeAtom renders an atom of the given type around payload.
func EncodeAtom(fourcc string, payload []byte) []byte {
	out := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint32(out, uint32(8+len(payload)))
	copy(out[4:8], fourcc)
	return append(out, payload...)
}
