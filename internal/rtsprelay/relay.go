// Package rtsprelay serves named RTSP paths. Each path has at most one
// publisher, either a client pushing with ANNOUNCE and RECORD or an upstream
// camera pulled with the RTSP client, and any number of readers that receive
// every packet published after they PLAY.
package rtsprelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/headers"
	"github.com/pion/rtcp"

	"github.com/jmylchreest/hubstream/internal/metrics"
	"github.com/jmylchreest/hubstream/internal/pubsub"
	"github.com/jmylchreest/hubstream/internal/rtsp"
	"github.com/jmylchreest/hubstream/internal/streamerr"
)

var (
	// ErrPathNotFound is returned for a path with no publisher.
	ErrPathNotFound = errors.New("rtsp path not found")
	// ErrPathBusy is returned when a second publisher claims a path.
	ErrPathBusy = errors.New("rtsp path already has a publisher")
	// ErrUnknownTrack is returned for a SETUP that matches no media.
	ErrUnknownTrack = errors.New("setup for unknown track")
)

// Config configures the relay.
type Config struct {
	// MaxPending is the per-reader packet backlog before it is dropped.
	MaxPending int
	// ConnectTimeout bounds dialing a pulled source.
	ConnectTimeout time.Duration
	// RetryInterval is the pause between pull attempts.
	RetryInterval time.Duration
	// UserAgent is sent to pulled sources.
	UserAgent string
}

// frame is one RTP or RTCP packet tagged with its media index in the SDP.
type frame struct {
	track   int
	rtcp    bool
	payload []byte
}

// Path is one published stream.
type Path struct {
	Name string

	source  string
	sdp     string
	desc    *description.Session
	since   time.Time
	packets *pubsub.Broadcaster[frame]

	readers atomic.Int64
	count   atomic.Uint64

	statsMu sync.Mutex
	stats   []TrackStats
}

// TrackStats summarises what the publisher sent on one media.
type TrackStats struct {
	SSRC          uint32 `json:"ssrc"`
	LastSequence  uint16 `json:"last_sequence"`
	RTPPackets    uint64 `json:"rtp_packets"`
	SenderReports uint64 `json:"sender_reports"`
	Malformed     uint64 `json:"malformed"`
}

// PathInfo describes a path for the API.
type PathInfo struct {
	Name    string       `json:"name"`
	Source  string       `json:"source"`
	Tracks  []string     `json:"tracks"`
	Stats   []TrackStats `json:"stats,omitempty"`
	Readers int          `json:"readers"`
	Packets uint64       `json:"packets"`
	Since   time.Time    `json:"since"`
}

func (p *Path) info() PathInfo {
	tracks := make([]string, len(p.desc.Medias))
	for i, m := range p.desc.Medias {
		tracks[i] = string(m.Type)
	}
	p.statsMu.Lock()
	stats := slices.Clone(p.stats)
	p.statsMu.Unlock()
	return PathInfo{
		Name:    p.Name,
		Source:  p.source,
		Tracks:  tracks,
		Stats:   stats,
		Readers: int(p.readers.Load()),
		Packets: p.count.Load(),
		Since:   p.since,
	}
}

// observe decodes pkt and folds it into the stats of track. Payloads that
// do not decode are counted and still relayed.
func (p *Path) observe(track int, pkt rtsp.Packet) {
	if track < 0 || track >= len(p.stats) {
		return
	}

	if !pkt.RTCP {
		rp, err := pkt.RTP()
		p.statsMu.Lock()
		defer p.statsMu.Unlock()
		st := &p.stats[track]
		if err != nil {
			st.Malformed++
			return
		}
		st.SSRC = rp.SSRC
		st.LastSequence = rp.SequenceNumber
		st.RTPPackets++
		return
	}

	pkts, err := pkt.RTCPPackets()
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	st := &p.stats[track]
	if err != nil {
		st.Malformed++
		return
	}
	for _, rp := range pkts {
		if sr, ok := rp.(*rtcp.SenderReport); ok {
			st.SenderReports++
			if st.SSRC == 0 {
				st.SSRC = sr.SSRC
			}
		}
	}
}

// Relay routes packets from publishers to readers by path name.
type Relay struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	paths map[string]*Path
}

// New creates a relay.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Relay {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = pubsub.DefaultMaxPending
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = rtsp.DefaultConnectTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "rtsprelay")),
		metrics: m,
		paths:   make(map[string]*Path),
	}
}

// Paths returns the published paths ordered by name.
func (r *Relay) Paths() []PathInfo {
	r.mu.RLock()
	out := make([]PathInfo, 0, len(r.paths))
	for _, p := range r.paths {
		out = append(out, p.info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Relay) path(name string) *Path {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paths[name]
}

func (r *Relay) publish(name, source string, raw []byte, desc *description.Session) (*Path, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.paths[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPathBusy, name)
	}
	sdp := readerSDP(string(raw))
	if rewritten, err := rtsp.ParseSDP([]byte(sdp)); err == nil {
		desc = rewritten
	}
	p := &Path{
		Name:    name,
		source:  source,
		sdp:     sdp,
		desc:    desc,
		since:   time.Now(),
		packets: pubsub.New[frame](r.cfg.MaxPending),
		stats:   make([]TrackStats, len(desc.Medias)),
	}
	r.paths[name] = p

	r.logger.Info("path published",
		slog.String("path", name),
		slog.String("source", source),
		slog.Int("tracks", len(desc.Medias)))
	return p, nil
}

func (r *Relay) unpublish(p *Path, cause error) {
	r.mu.Lock()
	if r.paths[p.Name] == p {
		delete(r.paths, p.Name)
	}
	r.mu.Unlock()

	p.packets.Close(nil)
	r.logger.Info("path unpublished",
		slog.String("path", p.Name),
		slog.Uint64("packets", p.count.Load()),
		slog.String("reason", errString(cause)))
}

func (r *Relay) forward(p *Path, track int, pkt rtsp.Packet) {
	p.count.Add(1)
	p.observe(track, pkt)
	p.packets.Publish(frame{track: track, rtcp: pkt.RTCP, payload: pkt.Payload})

	kind := "rtp"
	if pkt.RTCP {
		kind = "rtcp"
	}
	r.metrics.RelayPacket(p.Name, kind)
}

// trackTransport is where one media of a connection is delivered.
type trackTransport struct {
	port    int
	channel int
}

// connState is what the handshake hooks learn about one connection.
type connState struct {
	base      string
	announced *description.Session
	tracks    map[int]trackTransport
}

// Handle serves one RTSP connection. It satisfies rtsp.ConnHandler.
func (r *Relay) Handle(ctx context.Context, conn *rtsp.ServerConn) {
	st := &connState{tracks: make(map[int]trackTransport)}
	logger := r.logger.With(slog.String("remote_addr", conn.RemoteAddr().String()))

	conn.SetHooks(rtsp.ServerHooks{
		Describe: func(rawURL string) (string, error) {
			st.base = pathName(rawURL)
			p := r.path(st.base)
			if p == nil {
				return "", fmt.Errorf("%w: %s", ErrPathNotFound, st.base)
			}
			return p.sdp, nil
		},
		Announce: func(rawURL string, desc *description.Session) error {
			st.base = pathName(rawURL)
			if r.path(st.base) != nil {
				return fmt.Errorf("%w: %s", ErrPathBusy, st.base)
			}
			st.announced = desc
			return nil
		},
		Setup: func(rawURL string, th *headers.Transport) error {
			desc := st.announced
			if desc == nil {
				if st.base == "" {
					st.base = parentPath(rawURL)
				}
				p := r.path(st.base)
				if p == nil {
					return fmt.Errorf("%w: %s", ErrPathNotFound, st.base)
				}
				desc = p.desc
			}
			idx, ok := trackIndex(desc, rawURL)
			if !ok {
				return fmt.Errorf("%w: %s", ErrUnknownTrack, rawURL)
			}
			tt := trackTransport{channel: -1}
			if th.ClientPorts != nil {
				tt.port = th.ClientPorts[0]
			}
			if th.InterleavedIDs != nil {
				tt.channel = th.InterleavedIDs[0]
			}
			st.tracks[idx] = tt
			return nil
		},
		Handled: r.metrics.RTSPRequest,
	})

	method, err := conn.Handshake(ctx)
	if err != nil {
		logHandshakeError(logger, err)
		return
	}
	if st.base == "" {
		st.base = pathName(conn.URL())
	}

	switch method {
	case rtsp.MethodRecord:
		if st.announced == nil {
			logger.Warn("record without announce", slog.String("path", st.base))
			return
		}
		err = r.record(ctx, conn, st)
	case rtsp.MethodPlay:
		err = r.play(ctx, conn, st)
	default:
		return
	}
	if err != nil && !streamerr.IsExpected(err) && !errors.Is(err, streamerr.ErrStreamEnded) {
		logger.Warn("rtsp connection ended", slog.String("path", st.base), slog.String("error", err.Error()))
	}
}

func (r *Relay) record(ctx context.Context, conn *rtsp.ServerConn, st *connState) error {
	p, err := r.publish(st.base, conn.RemoteAddr().String(), []byte(conn.SDP()), st.announced)
	if err != nil {
		return err
	}

	byChannel := make(map[int]int, len(st.tracks))
	for idx, tt := range st.tracks {
		if tt.channel >= 0 {
			byChannel[tt.channel] = idx
		}
	}

	err = conn.ReadInterleaved(ctx, func(pkt rtsp.Packet) error {
		idx, ok := byChannel[pkt.Channel-pkt.Channel%2]
		if !ok {
			return nil
		}
		r.forward(p, idx, pkt)
		return nil
	})
	r.unpublish(p, err)
	return err
}

func (r *Relay) play(ctx context.Context, conn *rtsp.ServerConn, st *connState) error {
	p := r.path(st.base)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrPathNotFound, st.base)
	}

	sub := p.packets.Subscribe()
	defer sub.Close()
	p.readers.Add(1)
	defer p.readers.Add(-1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Receiver reports, keep-alives and TEARDOWN arrive on the same
	// connection; draining them also notices the reader going away.
	readErr := make(chan error, 1)
	go func() {
		readErr <- conn.ReadInterleaved(ctx, func(rtsp.Packet) error { return nil })
		cancel()
	}()

	r.logger.Debug("reader attached", slog.String("path", p.Name), slog.String("remote_addr", conn.RemoteAddr().String()))

	for {
		f, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return <-readErr
			}
			return err
		}
		tt, ok := st.tracks[f.track]
		if !ok {
			continue
		}
		if err := conn.SendTo(tt.port, tt.channel, f.payload, f.rtcp); err != nil {
			return err
		}
	}
}

func logHandshakeError(logger *slog.Logger, err error) {
	if streamerr.IsExpected(err) || errors.Is(err, streamerr.ErrStreamEnded) {
		logger.Debug("rtsp handshake ended", slog.String("error", err.Error()))
		return
	}
	logger.Warn("rtsp handshake failed", slog.String("error", err.Error()))
}

// pathName returns the path of an RTSP URL without surrounding slashes.
func pathName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.Trim(rawURL, "/")
	}
	return strings.Trim(u.Path, "/")
}

// parentPath drops the last segment, which in a SETUP URL names the track.
func parentPath(rawURL string) string {
	name := pathName(rawURL)
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[:i]
	}
	return name
}

// trackIndex maps a SETUP URL to a media by its control attribute. URLs
// matching no control fall back to the first media of the type the URL
// names: "audio" anywhere means audio, anything else video.
func trackIndex(desc *description.Session, rawURL string) (int, bool) {
	for i, m := range desc.Medias {
		if m.Control == "" || m.Control == "*" {
			continue
		}
		if rawURL == m.Control || strings.HasSuffix(rawURL, "/"+m.Control) {
			return i, true
		}
	}

	want := description.MediaTypeVideo
	if strings.Contains(rawURL, "audio") {
		want = description.MediaTypeAudio
	}
	for i, m := range desc.Medias {
		if m.Type == want {
			return i, true
		}
	}
	return 0, len(desc.Medias) == 1
}

// readerSDP rewrites control attributes so readers SETUP relative to the
// relay rather than the publisher: the session gets "*" and each media
// "trackID=<index>".
func readerSDP(raw string) string {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines)+4)
	media := -1
	controlled := false

	flush := func() {
		if media >= 0 && !controlled {
			out = append(out, "a=control:trackID="+strconv.Itoa(media))
		}
	}

	for _, line := range lines {
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "m="):
			flush()
			media++
			controlled = false
			out = append(out, line)
		case strings.HasPrefix(line, "a=control:"):
			if media < 0 {
				out = append(out, "a=control:*")
			} else {
				out = append(out, "a=control:trackID="+strconv.Itoa(media))
				controlled = true
			}
		default:
			out = append(out, line)
		}
	}
	flush()
	return strings.Join(out, "\r\n") + "\r\n"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
