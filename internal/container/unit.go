// Package container turns a raw transcoder byte stream into discrete media
// units: fragmented MP4 atoms, realigned MPEG-TS packet blocks and raw YUV
// video frames.
package container

import (
	"errors"
	"io"
	"iter"
	"sync"
)

// Unit is one media unit produced by a Parser. It is implemented by
// *MP4Atom, *TSPackets and *RawVideoFrame only.
type Unit interface {
	// Bytes returns the unit exactly as it appeared on the wire.
	Bytes() []byte
	unit()
}

// MP4Atom is a single length-prefixed MP4 box.
type MP4Atom struct {
	Header [8]byte
	Length int32
	Type   string
	Data   []byte
}

func (a *MP4Atom) Bytes() []byte {
	out := make([]byte, 0, len(a.Header)+len(a.Data))
	out = append(out, a.Header[:]...)
	return append(out, a.Data...)
}

func (*MP4Atom) unit() {}

// TSPackets is a block of whole MPEG-TS packets. Its length is always a
// multiple of TSPacketSize.
type TSPackets struct {
	Data []byte
}

func (p *TSPackets) Bytes() []byte { return p.Data }

// Count returns the number of 188-byte packets in the block.
func (p *TSPackets) Count() int { return len(p.Data) / TSPacketSize }

// Packet returns the i'th packet of the block.
func (p *TSPackets) Packet(i int) []byte {
	return p.Data[i*TSPacketSize : (i+1)*TSPacketSize]
}

func (*TSPackets) unit() {}

// RawVideoFrame is one planar YUV 4:2:0 frame.
type RawVideoFrame struct {
	Data   []byte
	Width  int
	Height int
}

func (f *RawVideoFrame) Bytes() []byte { return f.Data }

func (*RawVideoFrame) unit() {}

// Units is an infinite, non-restartable sequence of media units read from a
// live connection. It only terminates when the connection ends or the
// stream violates its container format; the first error is sticky.
type Units struct {
	mu   sync.Mutex
	next func() (Unit, error)
	err  error
}

// NewUnits wraps a producer function into a Units sequence.
func NewUnits(next func() (Unit, error)) *Units {
	return &Units{next: next}
}

// Next returns the next unit. After the first error every call returns that
// same error.
func (u *Units) Next() (Unit, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.err != nil {
		return nil, u.err
	}
	unit, err := u.next()
	if err != nil {
		u.err = err
		return nil, err
	}
	return unit, nil
}

// Err returns the terminal error, if any.
func (u *Units) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// All ranges over the remaining units. A terminal io.EOF ends the range
// silently; any other error is yielded once as the final element.
func (u *Units) All() iter.Seq2[Unit, error] {
	return func(yield func(Unit, error) bool) {
		for {
			unit, err := u.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(nil, err)
				}
				return
			}
			if !yield(unit, nil) {
				return
			}
		}
	}
}
