// Package rebroadcast multiplexes one transcoder feed to any number of
// downstream TCP clients.
//
// A Session owns the transcoder process, a loopback listener the transcoder
// connects to (ingest) and a loopback listener downstream clients connect to
// (fan-out). MPEG-TS packets read from the ingest connection are published
// to every attached client. When the last client leaves, an idle timer
// starts; if it fires before anyone reattaches the session is torn down and
// never reused.
package rebroadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/hubstream/internal/bytereader"
	"github.com/jmylchreest/hubstream/internal/container"
	"github.com/jmylchreest/hubstream/internal/ffmpeg"
	"github.com/jmylchreest/hubstream/internal/media"
	"github.com/jmylchreest/hubstream/internal/metrics"
	"github.com/jmylchreest/hubstream/internal/pubsub"
	"github.com/jmylchreest/hubstream/internal/streamerr"
)

// ErrSessionClosed is returned when using a torn-down session.
var ErrSessionClosed = errors.New("rebroadcast session closed")

// Config holds the settings shared by every session.
type Config struct {
	// FFmpegPath is the transcoder binary.
	FFmpegPath string
	// LogLevel is passed to the transcoder's -loglevel.
	LogLevel string
	// IdleTimeout is how long a session survives with no clients.
	IdleTimeout time.Duration
	// AcceptTimeout bounds the wait for the transcoder to connect.
	AcceptTimeout time.Duration
	// MaxPending is the per-client packet backlog before it is dropped.
	MaxPending int
	// Host is the loopback address both listeners bind to.
	Host string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FFmpegPath:    "ffmpeg",
		LogLevel:      "info",
		IdleTimeout:   30 * time.Second,
		AcceptTimeout: 30 * time.Second,
		MaxPending:    pubsub.DefaultMaxPending,
		Host:          "127.0.0.1",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FFmpegPath == "" {
		c.FFmpegPath = d.FFmpegPath
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = d.AcceptTimeout
	}
	if c.MaxPending <= 0 {
		c.MaxPending = d.MaxPending
	}
	if c.Host == "" {
		c.Host = d.Host
	}
	return c
}

// Session is one transcoder feed shared by its downstream clients.
type Session struct {
	ID        string
	Input     media.Input
	StartedAt time.Time

	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	onClose func(*Session)

	cmd     *ffmpeg.Command
	diag    ffmpeg.Diagnostics
	fanout  net.Listener
	ingest  net.Listener
	packets *pubsub.Broadcaster[[]byte]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	refs       int
	gen        uint64
	idle       *time.Timer
	idleArms   int
	closed     bool
	closeErr   error
	conns      map[net.Conn]struct{}
	tracks     []container.Track
	ingestConn net.Conn

	packetCount atomic.Uint64
	byteCount   atomic.Uint64
}

// Start creates a session for in and spawns its transcoder. The idle timer
// is armed before anything else so a session nobody attaches to is still
// torn down. parent bounds the session's lifetime; onClose, if set, is
// called once after teardown.
func Start(parent context.Context, in media.Input, cfg Config, logger *slog.Logger, m *metrics.Metrics, onClose func(*Session)) (*Session, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:        ulid.Make().String(),
		Input:     in,
		StartedAt: time.Now(),
		cfg:       cfg,
		metrics:   m,
		onClose:   onClose,
		packets:   pubsub.New[[]byte](cfg.MaxPending),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	s.logger = logger.With(
		slog.String("component", "rebroadcast"),
		slog.String("session_id", s.ID),
		slog.String("source", in.Redacted()),
	)

	s.mu.Lock()
	s.armIdleLocked()
	s.mu.Unlock()

	if err := s.start(); err != nil {
		s.onClose = nil
		s.Close(err)
		return nil, err
	}

	s.logger.Info("rebroadcast session started",
		slog.String("url", s.URL()),
		slog.Int("transcoder_pid", s.cmd.PID()))
	return s, nil
}

func (s *Session) start() error {
	var err error
	s.fanout, err = net.Listen("tcp", net.JoinHostPort(s.cfg.Host, "0"))
	if err != nil {
		return fmt.Errorf("listening for clients: %w", err)
	}
	s.ingest, err = net.Listen("tcp", net.JoinHostPort(s.cfg.Host, "0"))
	if err != nil {
		return fmt.Errorf("listening for transcoder: %w", err)
	}

	s.cmd = ffmpeg.NewCommandBuilder(s.cfg.FFmpegPath).
		LogLevel(s.cfg.LogLevel).
		HideBanner().
		InputArgs(s.Input.InputArgs...).
		Input(s.Input.URL).
		OutputArgs(container.MPEGTSParser{}.OutputArgs()...).
		Output("tcp://" + s.ingest.Addr().String()).
		StderrHandler(s.observeStderr).
		Build()

	s.logger.Debug("spawning transcoder", slog.String("command", s.cmd.String()))
	if err := s.cmd.Start(s.ctx); err != nil {
		return err
	}
	s.metrics.SessionStarted()

	go s.watchTranscoder()
	go s.ingestLoop()
	go s.acceptLoop()
	go s.probe(s.packets.Subscribe())
	return nil
}

func (s *Session) observeStderr(line string) {
	s.diag.Observe(line)
	s.logger.Debug("transcoder", slog.String("line", line))
}

func (s *Session) watchTranscoder() {
	select {
	case <-s.done:
		return
	case <-s.cmd.Done():
	}
	err := s.cmd.Wait()
	if err == nil {
		err = io.EOF
	}
	s.Close(fmt.Errorf("%w: transcoder exited: %w", streamerr.ErrStreamEnded, err))
}

// ingestLoop accepts the single transcoder connection and publishes every
// 188-byte packet it sends.
func (s *Session) ingestLoop() {
	if tl, ok := s.ingest.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(s.cfg.AcceptTimeout))
	}
	conn, err := s.ingest.Accept()
	_ = s.ingest.Close()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			err = fmt.Errorf("%w: transcoder did not connect within %s", streamerr.ErrTimeout, s.cfg.AcceptTimeout)
		}
		s.Close(err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.ingestConn = conn
	s.mu.Unlock()

	s.logger.Debug("transcoder connected", slog.String("remote", conn.RemoteAddr().String()))

	br := bytereader.New(conn)
	for {
		pkt, err := br.ReadExact(container.TSPacketSize)
		if err != nil {
			s.Close(err)
			return
		}
		s.packetCount.Add(1)
		s.byteCount.Add(uint64(len(pkt)))
		s.cmd.AddBytesRead(len(pkt))
		s.metrics.PacketPublished(len(pkt))
		s.packets.Publish(pkt)
	}
}

func (s *Session) acceptLoop() {
	for {
		conn, err := s.fanout.Accept()
		if err != nil {
			return
		}
		s.attach(conn)
	}
}

// attach registers a downstream client. It takes a reference and disarms
// the idle timer.
func (s *Session) attach(conn net.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.refs++
	s.disarmIdleLocked()
	s.conns[conn] = struct{}{}
	sub := s.packets.Subscribe()
	refs := s.refs
	s.mu.Unlock()

	s.metrics.SubscriberAdded()
	s.logger.Info("client attached",
		slog.String("remote", conn.RemoteAddr().String()),
		slog.Int("clients", refs))

	var once sync.Once
	release := func(cause error) {
		once.Do(func() {
			sub.Close()
			conn.Close()
			if errors.Is(cause, streamerr.ErrLagging) {
				s.metrics.SubscriberEvicted()
			}
			s.detach(conn, cause)
		})
	}

	// A client never sends anything; reading only detects the close.
	go func() {
		_, err := io.Copy(io.Discard, conn)
		if err == nil {
			err = io.EOF
		}
		release(err)
	}()

	go func() {
		for {
			pkt, err := sub.Next(s.ctx)
			if err != nil {
				release(err)
				return
			}
			if _, err := conn.Write(pkt); err != nil {
				release(err)
				return
			}
		}
	}()
}

// detach drops a client's reference and restarts the idle timer when it was
// the last one.
func (s *Session) detach(conn net.Conn, cause error) {
	s.mu.Lock()
	if _, ok := s.conns[conn]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, conn)
	s.refs--
	refs := s.refs
	if refs == 0 && !s.closed {
		s.armIdleLocked()
	}
	s.mu.Unlock()

	s.metrics.SubscriberRemoved()
	s.logger.Info("client detached",
		slog.String("remote", conn.RemoteAddr().String()),
		slog.Int("clients", refs),
		slog.String("reason", errString(cause)))
}

func (s *Session) armIdleLocked() {
	s.disarmIdleLocked()
	gen := s.gen
	s.idleArms++
	s.idle = time.AfterFunc(s.cfg.IdleTimeout, func() {
		s.idleExpired(gen)
	})
}

func (s *Session) disarmIdleLocked() {
	s.gen++
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
}

// idleExpired tears the session down unless the timer was superseded or a
// client attached while it was firing.
func (s *Session) idleExpired(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen || s.refs > 0 {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.idle = nil
	s.mu.Unlock()

	s.release(fmt.Errorf("%w: no clients for %s", streamerr.ErrTimeout, s.cfg.IdleTimeout), true)
}

// Close tears the session down. Only the first call has an effect.
func (s *Session) Close(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.disarmIdleLocked()
	s.mu.Unlock()

	if cause == nil {
		cause = ErrSessionClosed
	}
	s.release(cause, false)
}

func (s *Session) release(cause error, idle bool) {
	s.mu.Lock()
	s.closeErr = cause
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	ingestConn := s.ingestConn
	s.mu.Unlock()

	s.cancel()
	if s.cmd != nil {
		if err := s.cmd.Kill(); err != nil {
			s.logger.Warn("killing transcoder", slog.String("error", err.Error()))
		}
	}
	if s.fanout != nil {
		s.fanout.Close()
	}
	if s.ingest != nil {
		s.ingest.Close()
	}
	if ingestConn != nil {
		ingestConn.Close()
	}
	s.packets.Close(cause)
	for _, c := range conns {
		c.Close()
	}
	close(s.done)

	if s.cmd != nil && s.cmd.PID() != 0 {
		s.metrics.SessionEnded(idle)
	}

	level := slog.LevelWarn
	if idle || streamerr.IsExpected(cause) || errors.Is(cause, ErrSessionClosed) {
		level = slog.LevelInfo
	}
	s.logger.Log(context.Background(), level, "rebroadcast session closed",
		slog.String("reason", errString(cause)),
		slog.Uint64("packets", s.packetCount.Load()),
		slog.Duration("uptime", time.Since(s.StartedAt)))

	if s.onClose != nil {
		s.onClose(s)
	}
}

// probe decodes the PAT/PMT from the start of the feed. It holds a
// subscription but no client reference.
func (s *Session) probe(sub *pubsub.Subscription[[]byte]) {
	pr, pw := io.Pipe()
	go func() {
		for {
			pkt, err := sub.Next(s.ctx)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := pw.Write(pkt); err != nil {
				sub.Close()
				return
			}
		}
	}()

	tracks, err := container.ProbeTSTracks(pr)
	pr.Close()
	sub.Close()
	if err != nil {
		s.logger.Debug("probing feed tracks", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	s.tracks = tracks
	s.mu.Unlock()
	for _, t := range tracks {
		s.logger.Info("feed track",
			slog.Int("pid", t.ID),
			slog.String("codec", t.Codec),
			slog.String("kind", t.Kind))
	}
}

// URL is the fan-out address clients connect to for MPEG-TS over TCP.
func (s *Session) URL() string {
	return "tcp://" + s.fanout.Addr().String()
}

// Addr is the fan-out listener address.
func (s *Session) Addr() net.Addr {
	return s.fanout.Addr()
}

// Done is closed after teardown.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the teardown cause, or nil while the session is live.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Closed reports whether the session was torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Clients returns the number of attached downstream clients.
func (s *Session) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// IdleTimerPending reports whether an idle teardown is scheduled.
func (s *Session) IdleTimerPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle != nil
}

// IdleTimersStarted counts how many times the idle timer was armed,
// including the initial arm at start.
func (s *Session) IdleTimersStarted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleArms
}

// Stats is a snapshot of a session for the API.
type Stats struct {
	ID        string               `json:"id"`
	Source    string               `json:"source"`
	URL       string               `json:"url"`
	Clients   int                  `json:"clients"`
	Idle      bool                 `json:"idle"`
	StartedAt time.Time            `json:"started_at"`
	Packets   uint64               `json:"packets"`
	Bytes     uint64               `json:"bytes"`
	Tracks    []container.Track    `json:"tracks,omitempty"`
	Stream    ffmpeg.StreamInfo    `json:"stream"`
	Process   *ffmpeg.ProcessStats `json:"process,omitempty"`
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	clients := s.refs
	idle := s.idle != nil
	tracks := append([]container.Track(nil), s.tracks...)
	s.mu.Unlock()

	return Stats{
		ID:        s.ID,
		Source:    s.Input.Redacted(),
		URL:       s.URL(),
		Clients:   clients,
		Idle:      idle,
		StartedAt: s.StartedAt,
		Packets:   s.packetCount.Load(),
		Bytes:     s.byteCount.Load(),
		Tracks:    tracks,
		Stream:    s.diag.Info(),
		Process:   s.cmd.ProcessStats(),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
