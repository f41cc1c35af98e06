package ffmpeg

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBinary writes an executable shell script into a temp dir.
func fakeBinary(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestCommandBuilder_Build(t *testing.T) {
	cmd := NewCommandBuilder("/usr/bin/ffmpeg").
		LogLevel("warning").
		HideBanner().
		InputArgs("-rtsp_transport", "tcp", "-i", "rtsp://cam/stream").
		OutputArgs("-f", "mpegts").
		Output("tcp://127.0.0.1:9000").
		Build()

	assert.Equal(t, []string{
		"-loglevel", "warning",
		"-hide_banner",
		"-rtsp_transport", "tcp", "-i", "rtsp://cam/stream",
		"-f", "mpegts",
		"tcp://127.0.0.1:9000",
	}, cmd.Args)
	assert.Equal(t, "/usr/bin/ffmpeg -loglevel warning -hide_banner -rtsp_transport tcp -i rtsp://cam/stream -f mpegts tcp://127.0.0.1:9000", cmd.String())
}

func TestCommandBuilder_PlainInput(t *testing.T) {
	cmd := NewCommandBuilder("ffmpeg").Input("in.mp4").OutputArgs("-f", "null").Output("-").Build()
	assert.Equal(t, []string{"-loglevel", "error", "-i", "in.mp4", "-f", "null", "-"}, cmd.Args)
}

func TestCommand_StderrCapture(t *testing.T) {
	bin := fakeBinary(t, `echo "  Stream #0:0: Video: h264 (High), yuv420p, 1280x720, 25 fps" >&2
echo "  Stream #0:1: Audio: aac (LC), 44100 Hz, stereo" >&2
exit 0
`)
	var diag Diagnostics
	cmd := NewCommandBuilder(bin).StderrHandler(diag.Observe).Build()

	require.NoError(t, cmd.Start(context.Background()))
	assert.NotZero(t, cmd.PID())
	require.NoError(t, cmd.Wait())
	assert.False(t, cmd.IsRunning())

	assert.Len(t, cmd.StderrLines(), 2)
	assert.Equal(t, StreamInfo{VideoCodec: "h264", Width: 1280, Height: 720, AudioCodec: "aac", SampleRate: 44100}, diag.Info())
}

func TestCommand_Kill(t *testing.T) {
	bin := fakeBinary(t, "exec sleep 30\n")
	cmd := NewCommandBuilder(bin).Build()

	require.NoError(t, cmd.Start(context.Background()))
	require.True(t, cmd.IsRunning())
	require.NoError(t, cmd.Kill())

	select {
	case <-cmd.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process not killed")
	}
	assert.Error(t, cmd.Wait())
	assert.NoError(t, cmd.Kill(), "killing an exited process is a no-op")
	assert.NotNil(t, cmd.ProcessStats())
}

func TestCommand_ContextCancelKills(t *testing.T) {
	bin := fakeBinary(t, "exec sleep 30\n")
	ctx, cancel := context.WithCancel(context.Background())
	cmd := NewCommandBuilder(bin).Build()
	require.NoError(t, cmd.Start(ctx))

	cancel()
	select {
	case <-cmd.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process outlived its context")
	}
}

func TestCommand_WaitBeforeStart(t *testing.T) {
	cmd := NewCommandBuilder("ffmpeg").Build()
	assert.Error(t, cmd.Wait())
	assert.NoError(t, cmd.Kill())
	assert.Zero(t, cmd.PID())
}

func TestParseStreamInfo(t *testing.T) {
	lines := []string{
		"Input #0, rtsp, from 'rtsp://cam/stream':",
		"  Stream #0:0: Video: hevc (Main), yuvj420p(pc), 2560x1440, 15 fps, 15 tbr, 90k tbn",
		"  Stream #0:1: Audio: pcm_mulaw, 8000 Hz, 1 channels, s16, 64 kb/s",
		"Output #0, mpegts, to 'tcp://127.0.0.1:1234':",
		"  Stream #0:0: Video: hevc (Main), yuvj420p(pc), 640x360",
	}
	assert.Equal(t, StreamInfo{
		VideoCodec: "hevc", Width: 2560, Height: 1440,
		AudioCodec: "pcm_mulaw", SampleRate: 8000,
	}, ParseStreamInfo(lines))

	assert.Equal(t, StreamInfo{}, ParseStreamInfo([]string{"frame= 10 fps=0.0"}))
}

func TestParseVersion(t *testing.T) {
	info, err := parseVersion("ffmpeg version n7.1-3-gdeadbeef Copyright (c) 2000-2024\nbuilt with gcc 14\n")
	require.NoError(t, err)
	assert.Equal(t, 7, info.Major)
	assert.Equal(t, 1, info.Minor)
	assert.Equal(t, "gcc 14", info.BuildDate)

	_, err = parseVersion("garbage")
	assert.Error(t, err)
}

func TestResolveBinary(t *testing.T) {
	bin := fakeBinary(t, "exit 0\n")

	path, err := ResolveBinary(bin)
	require.NoError(t, err)
	assert.Equal(t, bin, path)

	t.Setenv(BinaryEnv, bin)
	path, err = ResolveBinary("")
	require.NoError(t, err)
	assert.Equal(t, bin, path)

	_, err = ResolveBinary(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
