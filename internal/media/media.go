// Package media defines the two types collaborators exchange with the relay
// core: the input descriptor they hand in and the stream handle they get
// back.
package media

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/jmylchreest/hubstream/internal/container"
)

// ErrInvalidInput is returned for a descriptor the transcoder cannot consume.
var ErrInvalidInput = errors.New("invalid media input")

// Input is a media input descriptor: the source URL plus the transcoder
// arguments that must precede it, in order.
type Input struct {
	URL       string   `json:"url" doc:"Source URL handed to the transcoder" example:"rtsp://camera.local/stream1"`
	InputArgs []string `json:"input_args,omitempty" doc:"Transcoder arguments placed before -i, in order"`
}

// Schemes lists the source URL schemes the transcoder may be pointed at.
// Local files and devices are not reachable through a descriptor.
var Schemes = []string{"rtsp", "rtsps", "rtmp", "rtmps", "http", "https", "srt", "udp", "tcp", "rtp"}

// Validate checks that the URL is a network source and that InputArgs is a
// list of options, each followed by at most one value. Bare tokens would be
// read by the transcoder as extra inputs or outputs.
func (in Input) Validate() error {
	if in.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	u, err := url.Parse(in.URL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if u.Host == "" || !slices.Contains(Schemes, strings.ToLower(u.Scheme)) {
		return fmt.Errorf("%w: url must be one of %s with a host", ErrInvalidInput, strings.Join(Schemes, ", "))
	}
	return validateInputArgs(in.InputArgs)
}

func validateInputArgs(args []string) error {
	valueAllowed := false
	for i, arg := range args {
		switch {
		case arg == "-i":
			return fmt.Errorf("%w: input_args must not contain -i", ErrInvalidInput)
		case len(arg) > 1 && arg[0] == '-':
			valueAllowed = true
		case valueAllowed:
			valueAllowed = false
		default:
			return fmt.Errorf("%w: input_args[%d] %q is not an option or its value", ErrInvalidInput, i, arg)
		}
	}
	return nil
}

// Key identifies the source for session sharing. Two descriptors with the
// same URL share one transcoder.
func (in Input) Key() string {
	return in.URL
}

// Redacted returns the URL with any password removed, for logs.
func (in Input) Redacted() string {
	u, err := url.Parse(in.URL)
	if err != nil {
		return in.URL
	}
	return u.Redacted()
}

// Stream is a media stream handle. Exactly one of URL and Units is set: URL
// speaks MPEG-TS over TCP or RTSP, Units is a lazy, non-restartable sequence
// of container units.
type Stream struct {
	URL       string
	Container string
	Units     *container.Units
	// Init is set on fragmented MP4 unit streams. It fills in as the ftyp
	// and moov atoms pass through Units, so a consumer that takes over the
	// handle after they were read can still prefix them.
	Init *container.InitSegment

	close func() error
}

// NewURLStream wraps a URL handle.
func NewURLStream(rawURL, format string, closeFn func() error) *Stream {
	return &Stream{URL: rawURL, Container: format, close: closeFn}
}

// NewUnitStream wraps a unit sequence handle.
func NewUnitStream(units *container.Units, format string, closeFn func() error) *Stream {
	return &Stream{Units: units, Container: format, close: closeFn}
}

// Close releases the resources behind the handle.
func (s *Stream) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
