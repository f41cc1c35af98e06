package rtsp

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hubstream/internal/bytereader"
	"github.com/jmylchreest/hubstream/internal/streamerr"
)

const testSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=Stream\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"t=0 0\r\n" +
	"m=video 0 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=control:trackID=video\r\n" +
	"m=audio 0 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=control:trackID=audio\r\n"

// tcpPair returns a connected client socket and the server end wrapped in
// a ServerConn.
func tcpPair(t *testing.T, opts ...ServerConnOption) (net.Conn, *ServerConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-accepted

	sc := NewServerConn(server, opts...)
	t.Cleanup(func() {
		_ = client.Close()
		_ = sc.Close()
	})
	return client, sc
}

func request(method, url string, cseq int, extra ...string) string {
	var b strings.Builder
	b.WriteString(method + " " + url + " RTSP/1.0\r\n")
	b.WriteString("CSeq: " + strconv.Itoa(cseq) + "\r\n")
	for _, h := range extra {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

func TestServerConn_SetupInterleavedClassifiesFrames(t *testing.T) {
	client, sc := tcpPair(t)
	ctx := context.Background()

	go func() {
		_, _ = client.Write([]byte(request("SETUP", "rtsp://hub/cam/video", 1, "Transport: RTP/AVP/TCP;unicast;interleaved=4-5")))
		_, _ = client.Write([]byte(request("RECORD", "rtsp://hub/cam", 2)))
		_, _ = client.Write(EncodeFrame(5, []byte("sender report")))
		_, _ = client.Write(EncodeFrame(4, []byte("rtp")))
		_ = client.(*net.TCPConn).CloseWrite()
	}()

	method, err := sc.Handshake(ctx)
	require.NoError(t, err)
	assert.Equal(t, MethodRecord, method)

	video, audio := sc.Channels()
	assert.Equal(t, 4, video)
	assert.Equal(t, -1, audio)
	assert.Len(t, sc.SessionID(), 8)

	var packets []Packet
	err = sc.ReadInterleaved(ctx, func(p Packet) error {
		packets = append(packets, p)
		return nil
	})
	assert.ErrorIs(t, err, streamerr.ErrStreamEnded)

	require.Len(t, packets, 2)
	assert.Equal(t, Packet{Channel: 5, Kind: KindVideo, RTCP: true, Payload: []byte("sender report")}, packets[0])
	assert.Equal(t, Packet{Channel: 4, Kind: KindVideo, RTCP: false, Payload: []byte("rtp")}, packets[1])
}

func TestServerConn_UnknownMethodKeepsParsing(t *testing.T) {
	client, sc := tcpPair(t)

	go func() {
		_, _ = client.Write([]byte(request("FLY", "*", 1)))
		_, _ = client.Write([]byte(request("OPTIONS", "*", 2)))
		_, _ = client.Write([]byte(request("PLAY", "rtsp://hub/cam", 3)))
	}()

	method, err := sc.Handshake(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MethodPlay, method)

	br := bytereader.New(client)
	res, err := readResponse(br, nil)
	require.NoError(t, err)
	assert.Equal(t, base.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "1", res.Header.Get("cseq"))

	res, err = readResponse(br, nil)
	require.NoError(t, err)
	assert.Equal(t, base.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Public"), "GET_PARAMETER")

	res, err = readResponse(br, nil)
	require.NoError(t, err)
	assert.Equal(t, base.StatusOK, res.StatusCode)
	assert.Equal(t, "3", res.Header.Get("CSeq"))
}

func TestServerConn_Describe(t *testing.T) {
	client, sc := tcpPair(t, WithSDP(testSDP))

	go func() {
		_, _ = client.Write([]byte(request("DESCRIBE", "rtsp://hub/cam", 1, "Accept: application/sdp")))
		_, _ = client.Write([]byte(request("TEARDOWN", "rtsp://hub/cam", 2)))
	}()

	method, err := sc.Handshake(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MethodTeardown, method)

	res, err := readResponse(bytereader.New(client), nil)
	require.NoError(t, err)
	assert.Equal(t, base.StatusOK, res.StatusCode)
	assert.Equal(t, "application/sdp", res.Header.Get("Content-Type"))
	assert.Equal(t, testSDP, string(res.Body))
}

func TestServerConn_DescribeWithoutSDP(t *testing.T) {
	client, sc := tcpPair(t)

	go func() {
		_, _ = client.Write([]byte(request("DESCRIBE", "rtsp://hub/cam", 1)))
		_, _ = client.Write([]byte(request("TEARDOWN", "rtsp://hub/cam", 2)))
	}()

	_, err := sc.Handshake(context.Background())
	require.NoError(t, err)

	res, err := readResponse(bytereader.New(client), nil)
	require.NoError(t, err)
	assert.Equal(t, base.StatusNotFound, res.StatusCode)
}

func TestServerConn_AnnounceValidatesSDP(t *testing.T) {
	client, sc := tcpPair(t)

	go func() {
		body := "this is not sdp"
		_, _ = client.Write([]byte(request("ANNOUNCE", "rtsp://hub/cam", 1,
			"Content-Type: application/sdp",
			"Content-Length: "+strconv.Itoa(len(body))) + body))
	}()

	_, err := sc.Handshake(context.Background())
	assert.ErrorIs(t, err, streamerr.ErrProtocolViolation)

	res, err := readResponse(bytereader.New(client), nil)
	require.NoError(t, err)
	assert.Equal(t, base.StatusBadRequest, res.StatusCode)
}

func TestServerConn_RejectsOversizedBody(t *testing.T) {
	client, sc := tcpPair(t)

	go func() {
		_, _ = client.Write([]byte(request("ANNOUNCE", "rtsp://hub/cam", 1,
			"Content-Type: application/sdp",
			"Content-Length: 999999999999999")))
	}()

	_, err := sc.Handshake(context.Background())
	assert.ErrorIs(t, err, streamerr.ErrProtocolViolation)
}

func TestReadResponse_RejectsOversizedBody(t *testing.T) {
	raw := "RTSP/1.0 200 OK\r\nCSeq: 1\r\nContent-Length: " + strconv.Itoa(MaxBodySize+1) + "\r\n\r\n"
	_, err := readResponse(bytereader.New(strings.NewReader(raw)), nil)
	assert.ErrorIs(t, err, streamerr.ErrProtocolViolation)
}

func TestServerConn_AnnounceStoresSDP(t *testing.T) {
	client, sc := tcpPair(t)

	go func() {
		_, _ = client.Write([]byte(request("ANNOUNCE", "rtsp://hub/cam", 1,
			"Content-Type: application/sdp",
			"Content-Length: "+strconv.Itoa(len(testSDP))) + testSDP))
		_, _ = client.Write([]byte(request("RECORD", "rtsp://hub/cam", 2)))
	}()

	method, err := sc.Handshake(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MethodRecord, method)
	assert.Equal(t, testSDP, sc.SDP())
	assert.NotEmpty(t, sc.SessionID())

	br := bytereader.New(client)
	res, err := readResponse(br, nil)
	require.NoError(t, err)
	assert.Equal(t, sc.SessionID(), res.Header.Get("Session"))
}

func TestServerConn_UDPTransport(t *testing.T) {
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer udp.Close()
	rtcpSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: udp.LocalAddr().(*net.UDPAddr).Port + 1})
	if err != nil {
		t.Skipf("adjacent udp port unavailable: %v", err)
	}
	defer rtcpSock.Close()

	port := udp.LocalAddr().(*net.UDPAddr).Port
	client, sc := tcpPair(t)

	go func() {
		_, _ = client.Write([]byte(request("SETUP", "rtsp://hub/cam/audio", 1,
			"Transport: RTP/AVP;unicast;client_port="+strconv.Itoa(port)+"-"+strconv.Itoa(port+1))))
		_, _ = client.Write([]byte(request("PLAY", "rtsp://hub/cam", 2)))
	}()

	_, err = sc.Handshake(context.Background())
	require.NoError(t, err)

	_, audioPort := sc.Ports()
	assert.Equal(t, port, audioPort)

	require.NoError(t, sc.SendAudio([]byte("rtp"), false))
	require.NoError(t, sc.SendAudio([]byte("rtcp"), true))

	buf := make([]byte, 64)
	_ = udp.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := udp.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "rtp", string(buf[:n]))

	_ = rtcpSock.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err = rtcpSock.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "rtcp", string(buf[:n]))

	assert.ErrorIs(t, sc.SendVideo([]byte("x"), false), ErrNotSetup)
}

func TestServerConn_SendInterleaved(t *testing.T) {
	client, sc := tcpPair(t)

	go func() {
		_, _ = client.Write([]byte(request("SETUP", "rtsp://hub/cam/trackID=audio", 1, "Transport: RTP/AVP/TCP;unicast;interleaved=2-3")))
		_, _ = client.Write([]byte(request("PLAY", "rtsp://hub/cam", 2)))
	}()

	_, err := sc.Handshake(context.Background())
	require.NoError(t, err)
	require.NoError(t, sc.SendAudio([]byte("rtcp"), true))

	br := bytereader.New(client)
	for range 2 {
		_, err := readResponse(br, nil)
		require.NoError(t, err)
	}
	header, err := br.ReadExact(4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x24, 3, 0, 4}, header)
	payload, err := br.ReadExact(4)
	require.NoError(t, err)
	assert.Equal(t, "rtcp", string(payload))
}

func TestServerConn_TeardownResetsSession(t *testing.T) {
	client, sc := tcpPair(t)

	go func() {
		_, _ = client.Write([]byte(request("SETUP", "rtsp://hub/cam/video", 1, "Transport: RTP/AVP/TCP;unicast;interleaved=0-1")))
		_, _ = client.Write([]byte(request("SETUP", "rtsp://hub/cam/audio", 2, "Transport: RTP/AVP;unicast;client_port=5000-5001")))
		_, _ = client.Write([]byte(request("TEARDOWN", "rtsp://hub/cam", 3)))
	}()

	method, err := sc.Handshake(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MethodTeardown, method)

	br := bytereader.New(client)
	res, err := readResponse(br, nil)
	require.NoError(t, err)
	id := res.Header.Get("Session")
	require.Len(t, id, 8)
	_, err = readResponse(br, nil)
	require.NoError(t, err)
	res, err = readResponse(br, nil)
	require.NoError(t, err)
	assert.Equal(t, id, res.Header.Get("Session"))

	assert.Empty(t, sc.SessionID())
	video, audio := sc.Channels()
	assert.Equal(t, -1, video)
	assert.Equal(t, -1, audio)
	video, audio = sc.Ports()
	assert.Zero(t, video)
	assert.Zero(t, audio)
}

func TestServerConn_TeardownEndsInterleavedLoop(t *testing.T) {
	client, sc := tcpPair(t)

	go func() {
		_, _ = client.Write([]byte(request("RECORD", "rtsp://hub/cam", 1)))
		_, _ = client.Write(EncodeFrame(0, []byte("a")))
		_, _ = client.Write([]byte(request("GET_PARAMETER", "rtsp://hub/cam", 2)))
		_, _ = client.Write(EncodeFrame(0, []byte("b")))
		_, _ = client.Write([]byte(request("TEARDOWN", "rtsp://hub/cam", 3)))
	}()

	_, err := sc.Handshake(context.Background())
	require.NoError(t, err)

	var n int
	err = sc.ReadInterleaved(context.Background(), func(Packet) error {
		n++
		return nil
	})
	assert.ErrorIs(t, err, streamerr.ErrEnded)
	assert.Equal(t, 2, n)
}

func TestServerConn_HandshakeCancelled(t *testing.T) {
	_, sc := tcpPair(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := sc.Handshake(ctx)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, streamerr.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not observe cancellation")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		channel      int
		video, audio int
		kind         Kind
		rtcp         bool
	}{
		{4, 4, 0, KindVideo, false},
		{5, 4, 0, KindVideo, true},
		{0, 4, 0, KindAudio, false},
		{1, 4, 0, KindAudio, true},
		{7, 4, 0, KindUnknown, true},
		{0, -1, -1, KindUnknown, false},
	}
	for _, tt := range tests {
		kind, rtcp := classify(tt.channel, tt.video, tt.audio)
		assert.Equal(t, tt.kind, kind, "channel %d", tt.channel)
		assert.Equal(t, tt.rtcp, rtcp, "channel %d", tt.channel)
	}
}

func TestParseSDP(t *testing.T) {
	desc, err := ParseSDP([]byte(testSDP))
	require.NoError(t, err)
	require.Len(t, desc.Medias, 2)
	assert.Equal(t, "trackID=video", desc.Medias[0].Control)

	_, err = ParseSDP([]byte("v=0\r\n"))
	assert.ErrorIs(t, err, streamerr.ErrProtocolViolation)
}

func TestHeaderCanonicalKeys(t *testing.T) {
	h := Header{}
	h.Set("cseq", "1")
	h.Set("www-authenticate", "Digest")
	h.Set("content-length", "3")

	assert.Equal(t, "1", h["CSeq"])
	assert.Equal(t, "Digest", h["WWW-Authenticate"])
	assert.Equal(t, "3", h.Get("CONTENT-LENGTH"))

	req := &Request{Method: MethodOptions, URL: "*", Header: h}
	assert.True(t, strings.HasPrefix(string(req.Marshal()), "OPTIONS * RTSP/1.0\r\nCSeq: 1\r\n"))
}
