package rtsp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/headers"
	"github.com/bluenviron/gortsplib/v4/pkg/sdp"

	"github.com/jmylchreest/hubstream/internal/bytereader"
	"github.com/jmylchreest/hubstream/internal/streamerr"
)

// DefaultUDPHost is where UDP transport packets are sent.
const DefaultUDPHost = "127.0.0.1"

// ErrNotSetup is returned when sending on a media type that was never SETUP.
var ErrNotSetup = errors.New("rtsp: media not set up")

// handlerFunc handles one request and reports whether the request loop
// should keep parsing requests.
type handlerFunc func(c *ServerConn, req *Request, res *Response) (bool, error)

// handlers is built once and never mutated.
var handlers = map[Method]handlerFunc{
	MethodOptions:      (*ServerConn).handleOptions,
	MethodDescribe:     (*ServerConn).handleDescribe,
	MethodSetup:        (*ServerConn).handleSetup,
	MethodPlay:         (*ServerConn).handlePlay,
	MethodRecord:       (*ServerConn).handleRecord,
	MethodAnnounce:     (*ServerConn).handleAnnounce,
	MethodTeardown:     (*ServerConn).handleTeardown,
	MethodGetParameter: (*ServerConn).handleGetParameter,
}

func init() {
	for _, m := range Methods {
		if handlers[m] == nil {
			panic("rtsp: no handler for " + string(m))
		}
	}
	if len(handlers) != len(Methods) {
		panic("rtsp: handler table out of sync with Methods")
	}
}

// ServerHooks lets the owner of a connection supply content and veto
// requests.
type ServerHooks struct {
	// Describe returns the SDP for a DESCRIBE on url. When nil the
	// connection's SDP field is served.
	Describe func(url string) (string, error)
	// Announce is called with a validated SDP. Returning an error rejects
	// the request.
	Announce func(url string, desc *description.Session) error
	// Setup is called after the Transport header was applied.
	Setup func(url string, transport *headers.Transport) error
	// Handled observes every answered request, including rejected ones.
	Handled func(method string, status int)
}

// ServerConn is the server side of one RTSP connection.
type ServerConn struct {
	conn   net.Conn
	br     *bytereader.Reader
	logger *slog.Logger
	hooks  ServerHooks

	writeMu sync.Mutex

	mu           sync.Mutex
	sessionID    string
	sdp          string
	url          string
	videoChannel int
	audioChannel int
	videoPort    int
	audioPort    int
	udpHost      string
	udp          *net.UDPConn
}

// ServerConnOption configures a ServerConn.
type ServerConnOption func(*ServerConn)

// WithSDP sets the SDP served on DESCRIBE.
func WithSDP(sdp string) ServerConnOption {
	return func(c *ServerConn) { c.sdp = sdp }
}

// WithUDPHost overrides where UDP transport packets are sent.
func WithUDPHost(host string) ServerConnOption {
	return func(c *ServerConn) { c.udpHost = host }
}

// WithHooks installs request hooks.
func WithHooks(h ServerHooks) ServerConnOption {
	return func(c *ServerConn) { c.hooks = h }
}

// WithLogger sets the connection logger.
func WithLogger(l *slog.Logger) ServerConnOption {
	return func(c *ServerConn) { c.logger = l }
}

// SetHooks replaces the request hooks. It must be called before Handshake.
func (c *ServerConn) SetHooks(h ServerHooks) {
	c.hooks = h
}

// NewServerConn wraps an accepted connection.
func NewServerConn(conn net.Conn, opts ...ServerConnOption) *ServerConn {
	c := &ServerConn{
		conn:         conn,
		br:           bytereader.New(conn),
		logger:       slog.Default(),
		videoChannel: -1,
		audioChannel: -1,
		udpHost:      DefaultUDPHost,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("remote_addr", conn.RemoteAddr().String()))
	return c
}

// SessionID returns the 8 hex character session id, or "" before the first
// SETUP or ANNOUNCE.
func (c *ServerConn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SDP returns the held session description.
func (c *ServerConn) SDP() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sdp
}

// URL returns the URL of the most recent request.
func (c *ServerConn) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// Channels returns the video and audio interleaved channel bases, -1 when
// unset.
func (c *ServerConn) Channels() (video, audio int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoChannel, c.audioChannel
}

// Ports returns the video and audio UDP client RTP ports, 0 when unset.
func (c *ServerConn) Ports() (video, audio int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoPort, c.audioPort
}

// Handshake processes requests until a PLAY, RECORD or TEARDOWN hands the
// connection over, and returns that method.
func (c *ServerConn) Handshake(ctx context.Context) (Method, error) {
	stop := c.watch(ctx)
	defer stop()

	for {
		req, err := readRequest(c.br, nil)
		if err != nil {
			return "", c.ctxErr(ctx, err)
		}
		keep, err := c.dispatch(req)
		if err != nil {
			return req.Method, err
		}
		if !keep {
			return req.Method, nil
		}
	}
}

// watch unblocks pending reads when ctx is cancelled.
func (c *ServerConn) watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		c.br.End(fmt.Errorf("%w: %w", streamerr.ErrCancelled, context.Cause(ctx)))
		_ = c.conn.SetReadDeadline(time.Now())
	})
}

func (c *ServerConn) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", streamerr.ErrCancelled, context.Cause(ctx))
	}
	return err
}

// dispatch answers one request through the handler table.
func (c *ServerConn) dispatch(req *Request) (bool, error) {
	c.mu.Lock()
	c.url = req.URL
	c.mu.Unlock()

	res := &Response{StatusCode: base.StatusOK, Header: Header{}}
	if cseq := req.CSeq(); cseq != "" {
		res.Header.Set("CSeq", cseq)
	}

	h, ok := handlers[req.Method]
	if !ok {
		c.logger.Debug("unknown rtsp method", slog.String("method", req.RawMethod))
		res.StatusCode = base.StatusBadRequest
		c.observe(req.RawMethod, res)
		return true, c.respond(res)
	}

	keep, herr := h(c, req, res)
	if id := c.SessionID(); id != "" && res.Header.Get("Session") == "" {
		res.Header.Set("Session", id)
	}
	c.observe(string(req.Method), res)
	if err := c.respond(res); err != nil {
		return false, err
	}
	if herr != nil {
		return false, herr
	}

	c.logger.Debug("rtsp request handled",
		slog.String("method", string(req.Method)),
		slog.String("url", req.URL),
		slog.Int("status", int(res.StatusCode)),
	)
	return keep, nil
}

func (c *ServerConn) observe(method string, res *Response) {
	if c.hooks.Handled != nil {
		c.hooks.Handled(method, int(res.StatusCode))
	}
}

func (c *ServerConn) respond(res *Response) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeAll(c.conn, res.Marshal())
}

func (c *ServerConn) ensureSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == "" {
		var b [4]byte
		_, _ = rand.Read(b[:])
		c.sessionID = hex.EncodeToString(b[:])
	}
}

func (c *ServerConn) handleOptions(_ *Request, res *Response) (bool, error) {
	names := make([]string, len(Methods))
	for i, m := range Methods {
		names[i] = string(m)
	}
	res.Header.Set("Public", strings.Join(names, ", "))
	return true, nil
}

func (c *ServerConn) handleDescribe(req *Request, res *Response) (bool, error) {
	body := c.SDP()
	if c.hooks.Describe != nil {
		s, err := c.hooks.Describe(req.URL)
		if err != nil {
			res.StatusCode = base.StatusNotFound
			return true, nil
		}
		body = s
	}
	if body == "" {
		res.StatusCode = base.StatusNotFound
		return true, nil
	}
	res.Header.Set("Content-Type", "application/sdp")
	res.Header.Set("Content-Base", strings.TrimSuffix(req.URL, "/")+"/")
	res.Body = []byte(body)
	return true, nil
}

// handleSetup records the negotiated transport. The media type is picked by
// the request URL: anything mentioning "audio" is audio, everything else is
// video.
func (c *ServerConn) handleSetup(req *Request, res *Response) (bool, error) {
	raw := req.Header.Get("Transport")
	var ths headers.Transports
	if err := ths.Unmarshal(base.HeaderValue{raw}); err != nil || len(ths) == 0 {
		res.StatusCode = base.StatusUnsupportedTransport
		return true, nil
	}
	th := ths[0]
	audio := strings.Contains(req.URL, "audio")

	c.ensureSession()
	c.mu.Lock()
	switch th.Protocol {
	case headers.TransportProtocolUDP:
		if th.ClientPorts == nil {
			c.mu.Unlock()
			res.StatusCode = base.StatusUnsupportedTransport
			return true, nil
		}
		if audio {
			c.audioPort = th.ClientPorts[0]
		} else {
			c.videoPort = th.ClientPorts[0]
		}
	case headers.TransportProtocolTCP:
		if th.InterleavedIDs != nil {
			if audio {
				c.audioChannel = th.InterleavedIDs[0]
			} else {
				c.videoChannel = th.InterleavedIDs[0]
			}
		}
	}
	c.mu.Unlock()

	if c.hooks.Setup != nil {
		if err := c.hooks.Setup(req.URL, &th); err != nil {
			res.StatusCode = base.StatusNotFound
			return true, nil
		}
	}

	res.Header.Set("Transport", raw)
	return true, nil
}

func (c *ServerConn) handlePlay(_ *Request, res *Response) (bool, error) {
	res.Header.Set("Range", "npt=now-")
	return false, nil
}

func (c *ServerConn) handleRecord(*Request, *Response) (bool, error) {
	return false, nil
}

func (c *ServerConn) handleAnnounce(req *Request, res *Response) (bool, error) {
	desc, err := ParseSDP(req.Body)
	if err != nil {
		res.StatusCode = base.StatusBadRequest
		return false, err
	}
	if c.hooks.Announce != nil {
		if err := c.hooks.Announce(req.URL, desc); err != nil {
			res.StatusCode = base.StatusBadRequest
			return false, err
		}
	}
	c.ensureSession()
	c.mu.Lock()
	c.sdp = string(req.Body)
	c.mu.Unlock()
	return true, nil
}

// handleTeardown ends the session. The response still names it, then the
// session id and negotiated transports are cleared.
func (c *ServerConn) handleTeardown(_ *Request, res *Response) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != "" {
		res.Header.Set("Session", c.sessionID)
	}
	c.sessionID = ""
	c.videoChannel, c.audioChannel = -1, -1
	c.videoPort, c.audioPort = 0, 0
	if c.udp != nil {
		_ = c.udp.Close()
		c.udp = nil
	}
	return false, nil
}

func (c *ServerConn) handleGetParameter(*Request, *Response) (bool, error) {
	return true, nil
}

// ParseSDP validates an SDP body and returns its media description.
func ParseSDP(body []byte) (*description.Session, error) {
	var ssd sdp.SessionDescription
	if err := ssd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("%w: invalid sdp: %w", streamerr.ErrProtocolViolation, err)
	}
	var desc description.Session
	if err := desc.Unmarshal(&ssd); err != nil {
		return nil, fmt.Errorf("%w: invalid sdp: %w", streamerr.ErrProtocolViolation, err)
	}
	if len(desc.Medias) == 0 {
		return nil, fmt.Errorf("%w: sdp has no media", streamerr.ErrProtocolViolation)
	}
	return &desc, nil
}

// ReadInterleaved runs the binary frame loop after RECORD or PLAY. Requests
// arriving between frames (keep-alives, TEARDOWN) are answered in place; a
// TEARDOWN ends the loop with streamerr.ErrEnded. Any other exit is the
// connection ending.
func (c *ServerConn) ReadInterleaved(ctx context.Context, onPacket func(Packet) error) error {
	stop := c.watch(ctx)
	defer stop()

	err := c.br.ReadLoop(interleavedLoop,
		func(header []byte) (bool, error) {
			if header[0] == interleavedMagic {
				return false, nil
			}
			req, err := readRequest(c.br, header)
			if err != nil {
				return false, err
			}
			keep, err := c.dispatch(req)
			if err != nil {
				return false, err
			}
			if !keep && req.Method == MethodTeardown {
				return false, streamerr.ErrEnded
			}
			return true, nil
		},
		func(header, payload []byte) error {
			channel := int(header[1])
			video, audio := c.Channels()
			kind, isRTCP := classify(channel, video, audio)
			return onPacket(Packet{Channel: channel, Kind: kind, RTCP: isRTCP, Payload: payload})
		})
	return c.ctxErr(ctx, err)
}

// Send writes payload as an interleaved frame on channel.
func (c *ServerConn) Send(payload []byte, channel int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeAll(c.conn, EncodeFrame(channel, payload))
}

// SendVideo delivers a video RTP (or RTCP) payload over whichever transport
// the client set up.
func (c *ServerConn) SendVideo(payload []byte, isRTCP bool) error {
	c.mu.Lock()
	port, channel := c.videoPort, c.videoChannel
	c.mu.Unlock()
	return c.send(payload, isRTCP, port, channel)
}

// SendAudio is SendVideo for the audio media.
func (c *ServerConn) SendAudio(payload []byte, isRTCP bool) error {
	c.mu.Lock()
	port, channel := c.audioPort, c.audioChannel
	c.mu.Unlock()
	return c.send(payload, isRTCP, port, channel)
}

// SendKind dispatches to SendVideo or SendAudio.
func (c *ServerConn) SendKind(kind Kind, payload []byte, isRTCP bool) error {
	switch kind {
	case KindVideo:
		return c.SendVideo(payload, isRTCP)
	case KindAudio:
		return c.SendAudio(payload, isRTCP)
	default:
		return ErrNotSetup
	}
}

// SendTo delivers payload to an explicit UDP client port, or, when port is
// zero, on an interleaved channel.
func (c *ServerConn) SendTo(port, channel int, payload []byte, isRTCP bool) error {
	return c.send(payload, isRTCP, port, channel)
}

func (c *ServerConn) send(payload []byte, isRTCP bool, port, channel int) error {
	if port > 0 {
		if isRTCP {
			port++
		}
		return c.sendUDP(payload, port)
	}
	if channel < 0 {
		return ErrNotSetup
	}
	if isRTCP {
		channel++
	}
	return c.Send(payload, channel)
}

func (c *ServerConn) sendUDP(payload []byte, port int) error {
	c.mu.Lock()
	if c.udp == nil {
		udp, err := net.ListenUDP("udp", nil)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("opening udp socket: %w", err)
		}
		c.udp = udp
	}
	udp, host := c.udp, c.udpHost
	c.mu.Unlock()

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	_, err = udp.WriteToUDP(payload, addr)
	return err
}

// Close closes the connection and any UDP socket.
func (c *ServerConn) Close() error {
	c.br.End(nil)
	c.mu.Lock()
	if c.udp != nil {
		_ = c.udp.Close()
		c.udp = nil
	}
	c.mu.Unlock()
	return c.conn.Close()
}

// RemoteAddr returns the peer address.
func (c *ServerConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
