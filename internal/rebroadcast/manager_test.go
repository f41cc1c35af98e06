package rebroadcast

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hubstream/internal/container"
	"github.com/jmylchreest/hubstream/internal/media"
	"github.com/jmylchreest/hubstream/internal/streamerr"
)

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg, nil, nil)
	t.Cleanup(m.Close)
	return m
}

func TestManager_SharesSessionPerSource(t *testing.T) {
	binary, spawnLog := fakeTranscoder(t)
	m := newManager(t, testConfig(binary))
	ctx := context.Background()

	a, created, err := m.GetOrCreate(ctx, media.Input{URL: "rtsp://cam1/stream"})
	require.NoError(t, err)
	assert.True(t, created)

	b, created, err := m.GetOrCreate(ctx, media.Input{URL: "rtsp://cam1/stream", InputArgs: []string{"-re"}})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, a, b)

	c, created, err := m.GetOrCreate(ctx, media.Input{URL: "rtsp://cam2/stream"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, a.ID, c.ID)

	assert.Len(t, m.Sessions(), 2)
	require.Eventually(t, func() bool { return spawns(t, spawnLog) == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestManager_ValidatesBeforeSharing(t *testing.T) {
	binary, _ := fakeTranscoder(t)
	m := newManager(t, testConfig(binary))

	_, _, err := m.GetOrCreate(context.Background(), media.Input{URL: "rtsp://cam1/stream"})
	require.NoError(t, err)

	_, _, err = m.GetOrCreate(context.Background(), media.Input{URL: "rtsp://cam1/stream", InputArgs: []string{"-re", "/tmp/out.ts"}})
	assert.ErrorIs(t, err, media.ErrInvalidInput)
	assert.Len(t, m.Sessions(), 1)
}

func TestManager_TornDownSessionIsReplaced(t *testing.T) {
	binary, spawnLog := fakeTranscoder(t)
	cfg := testConfig(binary)
	cfg.IdleTimeout = 100 * time.Millisecond
	m := newManager(t, cfg)
	in := media.Input{URL: "rtsp://cam1/stream"}

	first, _, err := m.GetOrCreate(context.Background(), in)
	require.NoError(t, err)
	<-first.Done()

	require.Eventually(t, func() bool { return len(m.Sessions()) == 0 }, 5*time.Second, 5*time.Millisecond)

	second, created, err := m.GetOrCreate(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
	assert.False(t, second.Closed())
	require.Eventually(t, func() bool { return spawns(t, spawnLog) == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestManager_CloseSession(t *testing.T) {
	binary, _ := fakeTranscoder(t)
	m := newManager(t, testConfig(binary))

	s, _, err := m.GetOrCreate(context.Background(), media.Input{URL: "rtsp://cam1/stream"})
	require.NoError(t, err)

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	require.NoError(t, m.CloseSession(s.ID))
	assert.True(t, s.Closed())
	assert.ErrorIs(t, m.CloseSession(s.ID), ErrSessionNotFound)
}

func TestManager_StreamHandle(t *testing.T) {
	binary, _ := fakeTranscoder(t)
	m := newManager(t, testConfig(binary))

	stream, err := m.Stream(context.Background(), media.Input{URL: "rtsp://cam1/stream"})
	require.NoError(t, err)
	assert.Equal(t, container.FormatMPEGTS, stream.Container)
	assert.Nil(t, stream.Init)
	assert.Nil(t, stream.Units)

	s := m.Sessions()[0]
	assert.Equal(t, s.URL(), stream.URL)
}

func TestManager_CloseRefusesNewSessions(t *testing.T) {
	binary, _ := fakeTranscoder(t)
	m := NewManager(testConfig(binary), nil, nil)

	s, _, err := m.GetOrCreate(context.Background(), media.Input{URL: "rtsp://cam1/stream"})
	require.NoError(t, err)

	m.Close()
	assert.True(t, s.Closed())

	_, _, err = m.GetOrCreate(context.Background(), media.Input{URL: "rtsp://cam1/stream"})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestStartParser_MPEGTS(t *testing.T) {
	// Writes packets in 100-byte pieces so the parser has to realign them.
	binary := writeScript(t, `for last; do :; done
addr=${last#tcp://}
exec 3<>"/dev/tcp/${addr%:*}/${addr##*:}" || exit 1
pkt=$(printf 'G%187s' '')
while true; do
  data="$pkt$pkt$pkt"
  while [ -n "$data" ]; do
    printf '%s' "${data:0:100}" >&3 || exit 0
    data=${data:100}
  done
  sleep 0.01
done
`)

	stream, err := StartParser(context.Background(), media.Input{URL: "rtsp://cam1/stream"}, container.MPEGTSParser{}, testConfig(binary), nil)
	require.NoError(t, err)
	defer stream.Close()
	assert.Equal(t, container.FormatMPEGTS, stream.Container)

	total := 0
	for unit, err := range stream.Units.All() {
		require.NoError(t, err)
		block, ok := unit.(*container.TSPackets)
		require.True(t, ok)
		for i := range block.Count() {
			assert.Equal(t, byte(container.TSSyncByte), block.Packet(i)[0])
		}
		total += block.Count()
		if total >= 6 {
			break
		}
	}
	assert.GreaterOrEqual(t, total, 6)
}

func TestStartParser_RawVideo(t *testing.T) {
	// 4x2 yuv420p frames are 12 bytes.
	binary := writeScript(t, `for last; do :; done
addr=${last#tcp://}
exec 3<>"/dev/tcp/${addr%:*}/${addr##*:}" || exit 1
while printf 'YYYYYYYYUUVV' >&3; do sleep 0.01; done
`)

	parser := container.RawVideoParser{Width: 4, Height: 2}
	stream, err := StartParser(context.Background(), media.Input{URL: "rtsp://cam1/stream"}, parser, testConfig(binary), nil)
	require.NoError(t, err)
	defer stream.Close()

	unit, err := stream.Units.Next()
	require.NoError(t, err)
	frame, ok := unit.(*container.RawVideoFrame)
	require.True(t, ok)
	assert.Equal(t, "YYYYYYYYUUVV", string(frame.Data))
}

func TestStartParser_MP4InitForLateConsumer(t *testing.T) {
	binary := writeScript(t, `for last; do :; done
addr=${last#tcp://}
exec 3<>"/dev/tcp/${addr%:*}/${addr##*:}" || exit 1
printf '\x00\x00\x00\x10ftypisom\x00\x00\x00\x00\x00\x00\x00\x08moov' >&3
while printf '\x00\x00\x00\x08moof\x00\x00\x00\x0cmdat\xde\xad\xbe\xef' >&3; do sleep 0.01; done
`)

	stream, err := StartParser(context.Background(), media.Input{URL: "rtsp://cam1/stream"}, container.MP4Parser{}, testConfig(binary), nil)
	require.NoError(t, err)
	defer stream.Close()
	require.NotNil(t, stream.Init)
	assert.Nil(t, stream.Init.Bytes())

	// The first consumer reads through the first fragment header.
	var types []string
	for range 3 {
		unit, err := stream.Units.Next()
		require.NoError(t, err)
		types = append(types, unit.(*container.MP4Atom).Type)
	}
	assert.Equal(t, []string{"ftyp", "moov", "moof"}, types)

	// A consumer taking the handle over now still gets the init atoms.
	want := append(container.EncodeAtom("ftyp", []byte("isom\x00\x00\x00\x00")), container.EncodeAtom("moov", nil)...)
	assert.True(t, stream.Init.Complete())
	assert.Equal(t, want, stream.Init.Bytes())

	unit, err := stream.Units.Next()
	require.NoError(t, err)
	assert.Equal(t, "mdat", unit.(*container.MP4Atom).Type)
}

func TestStartParser_CloseEndsUnits(t *testing.T) {
	binary, _ := fakeTranscoder(t)
	stream, err := StartParser(context.Background(), media.Input{URL: "rtsp://cam1/stream"}, container.MPEGTSParser{}, testConfig(binary), nil)
	require.NoError(t, err)

	_, err = stream.Units.Next()
	require.NoError(t, err)

	require.NoError(t, stream.Close())

	var last error
	require.Eventually(t, func() bool {
		_, last = stream.Units.Next()
		return last != nil
	}, 5*time.Second, time.Millisecond)
	assert.ErrorIs(t, last, streamerr.ErrStreamEnded)
}

func TestStartParser_TranscoderNeverConnects(t *testing.T) {
	binary := writeScript(t, "exit 3\n")
	stream, err := StartParser(context.Background(), media.Input{URL: "rtsp://cam1/stream"}, container.MP4Parser{}, testConfig(binary), nil)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Units.Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, streamerr.ErrStreamEnded)
	assert.False(t, errors.Is(err, io.EOF))
}

func TestStartParser_Cancelled(t *testing.T) {
	binary := writeScript(t, "exec sleep 30\n")
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := StartParser(ctx, media.Input{URL: "rtsp://cam1/stream"}, container.MP4Parser{}, testConfig(binary), nil)
	require.NoError(t, err)
	defer stream.Close()

	cancel()
	_, err = stream.Units.Next()
	assert.ErrorIs(t, err, streamerr.ErrCancelled)
}
