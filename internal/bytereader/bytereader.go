// Package bytereader provides exact-length, delimiter and length-prefixed
// reads over a byte-oriented connection.
package bytereader

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jmylchreest/hubstream/internal/streamerr"
)

const defaultBufferSize = 64 * 1024

// maxPrealloc bounds the allocation made before any payload byte arrives.
// Longer reads grow with the data actually received.
const maxPrealloc = 64 * 1024

// Reader wraps a connection with buffered exact reads. Once a read fails the
// reader is ended and every later call fails immediately.
type Reader struct {
	br *bufio.Reader

	mu  sync.Mutex
	err error
}

// New creates a Reader over r.
func New(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, defaultBufferSize)}
}

// End marks the reader as ended. Pending and future reads fail with
// streamerr.ErrStreamEnded wrapping cause.
func (r *Reader) End(cause error) {
	if cause == nil {
		cause = io.EOF
	}
	r.setErr(fmt.Errorf("%w: %w", streamerr.ErrStreamEnded, cause))
}

// Err returns the terminal error, or nil while the reader is usable.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Reader) setErr(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
	return r.err
}

// Buffered returns the number of bytes that can be read without touching the
// connection.
func (r *Reader) Buffered() int {
	return r.br.Buffered()
}

// ReadExact returns exactly n bytes. It fails with streamerr.ErrStreamEnded
// if the connection closes first, or has already closed.
func (r *Reader) ReadExact(n int) ([]byte, error) {
	if err := r.Err(); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("read exact: negative length %d", n)
	}

	if n <= maxPrealloc {
		buf := make([]byte, n)
		if _, err := io.ReadFull(r.br, buf); err != nil {
			return nil, r.setErr(fmt.Errorf("%w: %w", streamerr.ErrStreamEnded, err))
		}
		return buf, nil
	}

	var buf bytes.Buffer
	buf.Grow(maxPrealloc)
	if _, err := io.CopyN(&buf, r.br, int64(n)); err != nil {
		return nil, r.setErr(fmt.Errorf("%w: %w", streamerr.ErrStreamEnded, err))
	}
	return buf.Bytes(), nil
}

// ReadUntilByte reads one byte at a time until delim and returns the bytes
// before it as text. The delimiter is consumed but not returned.
func (r *Reader) ReadUntilByte(delim byte) (string, error) {
	var data []byte
	for {
		b, err := r.ReadExact(1)
		if err != nil {
			return "", err
		}
		if b[0] == delim {
			return string(data), nil
		}
		data = append(data, b[0])
	}
}

// ReadLine reads a LF-terminated line and strips a trailing CR.
func (r *Reader) ReadLine() (string, error) {
	line, err := r.ReadUntilByte('\n')
	if err != nil {
		return "", err
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

// LoopConfig describes a length-prefixed framing.
type LoopConfig struct {
	// HeaderLength is the fixed size of each frame header.
	HeaderLength int
	// LengthOffset is where the big-endian uint16 payload length sits inside
	// the header.
	LengthOffset int
}

// SkipFunc inspects a header before its payload is read. Returning true
// discards the header without reading a payload; the loop does not resume
// until SkipFunc returns, so it may consume further bytes from the same
// reader (for example an interleaved text message) before handing back
// control.
type SkipFunc func(header []byte) (bool, error)

// FrameFunc receives each header and payload.
type FrameFunc func(header, payload []byte) error

// ReadLoop reads frames until the connection ends or a callback fails. It
// never returns nil: a closed connection is reported as
// streamerr.ErrStreamEnded.
func (r *Reader) ReadLoop(cfg LoopConfig, skip SkipFunc, onFrame FrameFunc) error {
	if cfg.HeaderLength <= 0 || cfg.LengthOffset < 0 || cfg.LengthOffset+2 > cfg.HeaderLength {
		return errors.New("read loop: length field outside header")
	}

	for {
		header, err := r.ReadExact(cfg.HeaderLength)
		if err != nil {
			return err
		}

		if skip != nil {
			skipped, err := skip(header)
			if err != nil {
				return err
			}
			if skipped {
				continue
			}
		}

		length := int(binary.BigEndian.Uint16(header[cfg.LengthOffset:]))
		payload, err := r.ReadExact(length)
		if err != nil {
			return err
		}

		if err := onFrame(header, payload); err != nil {
			return err
		}
	}
}
