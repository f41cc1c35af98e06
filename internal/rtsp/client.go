package rtsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/headers"

	"github.com/jmylchreest/hubstream/internal/bytereader"
	"github.com/jmylchreest/hubstream/internal/streamerr"
)

// DefaultConnectTimeout bounds Dial.
const DefaultConnectTimeout = 30 * time.Second

const defaultPort = "554"

// StatusError is a non-2xx response.
type StatusError struct {
	Method     Method
	StatusCode base.StatusCode
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rtsp %s: %d %s", e.Method, e.StatusCode, e.Message)
}

// ClientConfig configures Dial.
type ClientConfig struct {
	ConnectTimeout time.Duration
	// Credentials override any user info in the URL.
	Credentials *Credentials
	UserAgent   string
	Logger      *slog.Logger
}

// Client is the active side of an RTSP connection to a camera or relay.
type Client struct {
	conn      net.Conn
	br        *bytereader.Reader
	logger    *slog.Logger
	url       *url.URL
	creds     *Credentials
	userAgent string

	// reqMu serialises request/response exchanges.
	reqMu   sync.Mutex
	writeMu sync.Mutex

	mu           sync.Mutex
	cseq         int
	session      string
	auth         *challenge
	streaming    bool
	videoChannel int
	audioChannel int
	stopKeep     context.CancelFunc
}

// Dial connects to the RTSP server named by rawURL.
func Dial(ctx context.Context, rawURL string, cfg ClientConfig) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing rtsp url: %w", err)
	}
	if u.Scheme != "rtsp" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	creds := cfg.Credentials
	if creds == nil && u.User != nil {
		pass, _ := u.User.Password()
		creds = &Credentials{Username: u.User.Username(), Password: pass}
	}
	u.User = nil

	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), defaultPort)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", host)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: connecting to %s: %w", streamerr.ErrTimeout, host, err)
		}
		return nil, fmt.Errorf("connecting to %s: %w", host, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		conn:         conn,
		br:           bytereader.New(conn),
		logger:       logger.With(slog.String("rtsp_host", host)),
		url:          u,
		creds:        creds,
		userAgent:    cfg.UserAgent,
		videoChannel: -1,
		audioChannel: -1,
	}, nil
}

// URL returns the server URL without credentials.
func (c *Client) URL() string {
	return c.url.String()
}

// Session returns the session id assigned by the server.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Request sends one request and returns its response. A digest or basic
// challenge is answered by retrying exactly once; a second 401 fails with
// streamerr.ErrAuthFailed. After PLAY or RECORD the response arrives among
// interleaved frames, so Request only writes and returns a nil response.
func (c *Client) Request(ctx context.Context, method Method, reqURL string, header Header, body []byte) (*Response, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	res, err := c.roundTrip(ctx, method, reqURL, header, body)
	if err != nil || res == nil {
		return res, err
	}

	if res.StatusCode == base.StatusUnauthorized {
		if err := c.answerChallenge(res); err != nil {
			return res, err
		}
		res, err = c.roundTrip(ctx, method, reqURL, header, body)
		if err != nil {
			return res, err
		}
		if res.StatusCode == base.StatusUnauthorized {
			return res, fmt.Errorf("%w: %s %s rejected twice", streamerr.ErrAuthFailed, method, reqURL)
		}
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return res, &StatusError{Method: method, StatusCode: res.StatusCode, Message: res.StatusMessage}
	}

	if v := res.Header.Get("Session"); v != "" {
		var sh headers.Session
		if err := sh.Unmarshal(base.HeaderValue{v}); err == nil {
			c.mu.Lock()
			c.session = sh.Session
			c.mu.Unlock()
		}
	}
	return res, nil
}

func (c *Client) answerChallenge(res *Response) error {
	if c.creds == nil {
		return fmt.Errorf("%w: server requires credentials", streamerr.ErrAuthFailed)
	}
	ch, err := pickChallenge(res.Authenticate)
	if err != nil {
		return fmt.Errorf("%w: %w", streamerr.ErrAuthFailed, err)
	}
	c.mu.Lock()
	c.auth = ch
	c.mu.Unlock()
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method Method, reqURL string, header Header, body []byte) (*Response, error) {
	req := &Request{Method: method, URL: reqURL, Header: Header{}, Body: body}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	c.mu.Lock()
	c.cseq++
	req.Header.Set("CSeq", strconv.Itoa(c.cseq))
	if c.session != "" {
		req.Header.Set("Session", c.session)
	}
	if c.auth != nil {
		req.Header.Set("Authorization", c.auth.authorization(*c.creds, method, digestURI(reqURL)))
	}
	streaming := c.streaming
	c.mu.Unlock()

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	if err := c.write(req.Marshal()); err != nil {
		return nil, fmt.Errorf("writing %s: %w", method, err)
	}
	if streaming {
		return nil, nil
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	res, err := readResponse(c.br, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", streamerr.ErrCancelled, context.Cause(ctx))
		}
		return nil, fmt.Errorf("reading %s response: %w", method, err)
	}
	return res, nil
}

// digestURI is the path component hashed into HA2.
func digestURI(reqURL string) string {
	if reqURL == "*" {
		return reqURL
	}
	u, err := url.Parse(reqURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (c *Client) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeAll(c.conn, b)
}

// Options sends OPTIONS for the server URL.
func (c *Client) Options(ctx context.Context) (*Response, error) {
	return c.Request(ctx, MethodOptions, c.URL(), nil, nil)
}

// Describe fetches and validates the server's SDP.
func (c *Client) Describe(ctx context.Context) (*description.Session, []byte, error) {
	res, err := c.Request(ctx, MethodDescribe, c.URL(), Header{"Accept": "application/sdp"}, nil)
	if err != nil {
		return nil, nil, err
	}
	desc, err := ParseSDP(res.Body)
	if err != nil {
		return nil, nil, err
	}
	return desc, res.Body, nil
}

// Setup negotiates transport for the media at reqURL. A session timeout in
// the response starts a GET_PARAMETER keep-alive.
func (c *Client) Setup(ctx context.Context, reqURL string, th headers.Transport) (*Response, error) {
	res, err := c.Request(ctx, MethodSetup, reqURL, Header{"Transport": th.Marshal()[0]}, nil)
	if err != nil {
		return res, err
	}

	if th.InterleavedIDs != nil {
		c.mu.Lock()
		if strings.Contains(reqURL, "audio") {
			c.audioChannel = th.InterleavedIDs[0]
		} else {
			c.videoChannel = th.InterleavedIDs[0]
		}
		c.mu.Unlock()
	}

	if v := res.Header.Get("Session"); v != "" {
		var sh headers.Session
		if err := sh.Unmarshal(base.HeaderValue{v}); err == nil && sh.Timeout != nil {
			c.startKeepAlive(time.Duration(*sh.Timeout) * time.Second)
		}
	}
	return res, nil
}

// SetupInterleaved requests TCP interleaved transport on channel and
// channel+1.
func (c *Client) SetupInterleaved(ctx context.Context, reqURL string, channel int) (*Response, error) {
	delivery := headers.TransportDeliveryUnicast
	return c.Setup(ctx, reqURL, headers.Transport{
		Protocol:       headers.TransportProtocolTCP,
		Delivery:       &delivery,
		InterleavedIDs: &[2]int{channel, channel + 1},
	})
}

// Play starts delivery. Afterwards the connection carries interleaved
// frames and must be drained with ReadInterleaved.
func (c *Client) Play(ctx context.Context) (*Response, error) {
	res, err := c.Request(ctx, MethodPlay, c.URL(), Header{"Range": "npt=0.000-"}, nil)
	if err != nil {
		return res, err
	}
	c.mu.Lock()
	c.streaming = true
	c.mu.Unlock()
	return res, nil
}

// Teardown ends the session.
func (c *Client) Teardown(ctx context.Context) error {
	_, err := c.Request(ctx, MethodTeardown, c.URL(), nil, nil)
	return err
}

// startKeepAlive sends GET_PARAMETER every timeout-5s until Close.
func (c *Client) startKeepAlive(timeout time.Duration) {
	interval := timeout - 5*time.Second
	if interval < time.Second {
		interval = time.Second
	}

	c.mu.Lock()
	if c.stopKeep != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.stopKeep = cancel
	c.mu.Unlock()

	c.logger.Debug("starting rtsp keep-alive", slog.Duration("interval", interval))

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Request(ctx, MethodGetParameter, c.URL(), nil, nil); err != nil {
					if ctx.Err() == nil {
						c.logger.Warn("rtsp keep-alive failed", slog.String("error", err.Error()))
					}
					return
				}
			}
		}
	}()
}

// ReadInterleaved reads frames after PLAY until the connection ends.
// Responses to requests sent while streaming are consumed and dropped.
func (c *Client) ReadInterleaved(ctx context.Context, onPacket func(Packet) error) error {
	stop := context.AfterFunc(ctx, func() {
		c.br.End(fmt.Errorf("%w: %w", streamerr.ErrCancelled, context.Cause(ctx)))
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	err := c.br.ReadLoop(interleavedLoop,
		func(header []byte) (bool, error) {
			if header[0] == interleavedMagic {
				return false, nil
			}
			res, err := readResponse(c.br, header)
			if err != nil {
				return false, err
			}
			c.logger.Debug("rtsp response while streaming",
				slog.String("cseq", res.Header.Get("CSeq")),
				slog.Int("status", int(res.StatusCode)),
			)
			return true, nil
		},
		func(header, payload []byte) error {
			channel := int(header[1])
			c.mu.Lock()
			kind, isRTCP := classify(channel, c.videoChannel, c.audioChannel)
			c.mu.Unlock()
			return onPacket(Packet{Channel: channel, Kind: kind, RTCP: isRTCP, Payload: payload})
		})
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", streamerr.ErrCancelled, context.Cause(ctx))
	}
	return err
}

// Close stops the keep-alive and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.stopKeep != nil {
		c.stopKeep()
	}
	c.mu.Unlock()
	c.br.End(nil)
	return c.conn.Close()
}
