// Package rtsp implements the RTSP/1.0 server and client roles used by the
// relay: request/response framing, session setup, interleaved and UDP RTP
// transport, and digest authentication.
package rtsp

import (
	"bytes"
	"fmt"
	"io"
	"net/textproto"
	"slices"
	"strconv"
	"strings"

	"github.com/bluenviron/gortsplib/v4/pkg/base"

	"github.com/jmylchreest/hubstream/internal/bytereader"
	"github.com/jmylchreest/hubstream/internal/streamerr"
)

const protocol = "RTSP/1.0"

// Method is an RTSP request method.
type Method string

// Supported methods.
const (
	MethodOptions      Method = "OPTIONS"
	MethodDescribe     Method = "DESCRIBE"
	MethodSetup        Method = "SETUP"
	MethodPlay         Method = "PLAY"
	MethodRecord       Method = "RECORD"
	MethodAnnounce     Method = "ANNOUNCE"
	MethodTeardown     Method = "TEARDOWN"
	MethodGetParameter Method = "GET_PARAMETER"
)

// Methods lists every method the server dispatches.
var Methods = []Method{
	MethodOptions,
	MethodDescribe,
	MethodSetup,
	MethodPlay,
	MethodRecord,
	MethodAnnounce,
	MethodTeardown,
	MethodGetParameter,
}

// ParseMethod normalises a request-line method token.
func ParseMethod(s string) Method {
	return Method(strings.ToUpper(s))
}

// Header holds RTSP headers under their canonical names.
type Header map[string]string

var specialKeys = map[string]string{
	"Cseq":             "CSeq",
	"Www-Authenticate": "WWW-Authenticate",
	"Rtp-Info":         "RTP-Info",
}

func canonicalKey(key string) string {
	k := textproto.CanonicalMIMEHeaderKey(key)
	if s, ok := specialKeys[k]; ok {
		return s
	}
	return k
}

// Get returns the value of key, case-insensitively.
func (h Header) Get(key string) string {
	return h[canonicalKey(key)]
}

// Set stores value under the canonical form of key.
func (h Header) Set(key, value string) {
	h[canonicalKey(key)] = value
}

// Del removes key.
func (h Header) Del(key string) {
	delete(h, canonicalKey(key))
}

func (h Header) write(buf *bytes.Buffer) {
	keys := make([]string, 0, len(h))
	for k := range h {
		if k != "CSeq" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	if v, ok := h["CSeq"]; ok {
		fmt.Fprintf(buf, "CSeq: %s\r\n", v)
	}
	for _, k := range keys {
		fmt.Fprintf(buf, "%s: %s\r\n", k, h[k])
	}
}

// Request is an RTSP request.
type Request struct {
	Method Method
	// RawMethod is the method token as sent, kept for unknown methods.
	RawMethod string
	URL       string
	Header    Header
	Body      []byte
}

// CSeq returns the request's sequence number header.
func (r *Request) CSeq() string {
	return r.Header.Get("CSeq")
}

// Marshal renders the request in wire format.
func (r *Request) Marshal() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", r.Method, r.URL, protocol)
	h := r.Header
	if h == nil {
		h = Header{}
	}
	if len(r.Body) > 0 {
		h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	}
	h.write(&buf)
	buf.WriteString("\r\n")
	buf.Write(r.Body)
	return buf.Bytes()
}

// Response is an RTSP response.
type Response struct {
	StatusCode    base.StatusCode
	StatusMessage string
	Header        Header
	// Authenticate holds every WWW-Authenticate value in arrival order.
	// Cameras commonly offer Basic and Digest side by side.
	Authenticate []string
	Body          []byte
}

// Marshal renders the response in wire format.
func (r *Response) Marshal() []byte {
	msg := r.StatusMessage
	if msg == "" {
		msg = base.StatusMessages[r.StatusCode]
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %d %s\r\n", protocol, r.StatusCode, msg)
	h := r.Header
	if h == nil {
		h = Header{}
	}
	if len(r.Body) > 0 {
		h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	}
	h.write(&buf)
	for _, v := range r.Authenticate {
		fmt.Fprintf(&buf, "WWW-Authenticate: %s\r\n", v)
	}
	buf.WriteString("\r\n")
	buf.Write(r.Body)
	return buf.Bytes()
}

// readHeaders accumulates header lines until the blank line. Repeated keys
// keep the last value, except WWW-Authenticate whose values are also
// returned in order.
func readHeaders(br *bytereader.Reader) (Header, []string, error) {
	h := Header{}
	var authenticate []string
	for {
		line, err := br.ReadLine()
		if err != nil {
			return nil, nil, err
		}
		if line == "" {
			return h, authenticate, nil
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, nil, fmt.Errorf("%w: malformed header line %q", streamerr.ErrProtocolViolation, line)
		}
		key, value = canonicalKey(strings.TrimSpace(key)), strings.TrimSpace(value)
		if key == "WWW-Authenticate" {
			authenticate = append(authenticate, value)
		}
		h.Set(key, value)
	}
}

// MaxBodySize bounds the Content-Length accepted on requests and responses.
// SDP bodies are a few kilobytes.
const MaxBodySize = 1 << 20

func readBody(br *bytereader.Reader, h Header) ([]byte, error) {
	cl := h.Get("Content-Length")
	if cl == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(cl)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: invalid Content-Length %q", streamerr.ErrProtocolViolation, cl)
	}
	if n > MaxBodySize {
		return nil, fmt.Errorf("%w: Content-Length %d exceeds %d", streamerr.ErrProtocolViolation, n, MaxBodySize)
	}
	return br.ReadExact(n)
}

// readRequest reads one request. prefix holds bytes of the request line that
// were already consumed by an interleaved frame reader.
func readRequest(br *bytereader.Reader, prefix []byte) (*Request, error) {
	line, err := br.ReadLine()
	if err != nil {
		return nil, err
	}
	line = string(prefix) + line

	parts := strings.Fields(line)
	if len(parts) != 3 || parts[2] != protocol {
		return nil, fmt.Errorf("%w: malformed request line %q", streamerr.ErrProtocolViolation, line)
	}

	req := &Request{
		Method:    ParseMethod(parts[0]),
		RawMethod: parts[0],
		URL:       parts[1],
	}
	if req.Header, _, err = readHeaders(br); err != nil {
		return nil, err
	}
	if req.Body, err = readBody(br, req.Header); err != nil {
		return nil, err
	}
	return req, nil
}

// readResponse reads one response. prefix is as for readRequest.
func readResponse(br *bytereader.Reader, prefix []byte) (*Response, error) {
	line, err := br.ReadLine()
	if err != nil {
		return nil, err
	}
	line = string(prefix) + line

	proto, rest, _ := strings.Cut(line, " ")
	if proto != protocol {
		return nil, fmt.Errorf("%w: malformed status line %q", streamerr.ErrProtocolViolation, line)
	}
	codeStr, msg, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed status line %q", streamerr.ErrProtocolViolation, line)
	}

	res := &Response{StatusCode: base.StatusCode(code), StatusMessage: msg}
	if res.Header, res.Authenticate, err = readHeaders(br); err != nil {
		return nil, err
	}
	if res.Body, err = readBody(br, res.Header); err != nil {
		return nil, err
	}
	return res, nil
}

func writeAll(w io.Writer, b []byte) error {
	_, err := w.Write(b)
	return err
}
