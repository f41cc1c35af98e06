package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/hubstream/internal/container"
	"github.com/jmylchreest/hubstream/internal/ffmpeg"
	"github.com/jmylchreest/hubstream/internal/media"
	"github.com/jmylchreest/hubstream/internal/observability"
	"github.com/jmylchreest/hubstream/internal/rebroadcast"
)

var captureCmd = &cobra.Command{
	Use:   "capture <source-url>",
	Short: "Transcode a source and write the parsed container units",
	Long: `Spawn a transcoder for the source, parse its output as the selected
container and write every unit to a file (or stdout with "-").

Examples:
  hubstream capture --format mpegts -o garage.ts rtsp://192.168.1.50/stream1
  hubstream capture --format mp4 --limit 200 -o clip.mp4 rtsp://cam/stream
  hubstream capture --format rawvideo --width 640 --height 360 -o - rtsp://cam/stream`,
	Args: cobra.ExactArgs(1),
	RunE: runCapture,
}

func init() {
	rootCmd.AddCommand(captureCmd)

	captureCmd.Flags().String("format", container.FormatMPEGTS, "container to parse (mpegts, mp4, rawvideo)")
	captureCmd.Flags().Int("width", 0, "raw video frame width")
	captureCmd.Flags().Int("height", 0, "raw video frame height")
	captureCmd.Flags().StringP("output", "o", "-", "output file, - for stdout")
	captureCmd.Flags().StringSlice("input-arg", nil, "transcoder argument placed before -i (repeatable)")
	captureCmd.Flags().Int("limit", 0, "stop after this many units (0 = unlimited)")
	captureCmd.Flags().Duration("duration", 0, "stop after this long (0 = unlimited)")
}

// captureStats summarises a capture run.
type captureStats struct {
	Units  int
	Bytes  int64
	Tracks []container.Track
}

func runCapture(cmd *cobra.Command, args []string) (err error) {
	flags := cmd.Flags()
	format, _ := flags.GetString("format")
	width, _ := flags.GetInt("width")
	height, _ := flags.GetInt("height")
	output, _ := flags.GetString("output")
	inputArgs, _ := flags.GetStringSlice("input-arg")
	limit, _ := flags.GetInt("limit")
	duration, _ := flags.GetDuration("duration")

	parser, err := container.NewParser(format, width, height)
	if err != nil {
		return err
	}

	cfg := appConfig
	logger := slog.Default()
	ffmpegPath, err := ffmpeg.ResolveBinary(cfg.FFmpeg.BinaryPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	var w io.Writer = cmd.OutOrStdout()
	if output != "-" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		defer f.Close()
		w = f
	}
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	in := media.Input{URL: args[0], InputArgs: inputArgs}
	defer observability.TimedOperationWithError(ctx, logger, "capture", &err)()

	stream, err := rebroadcast.StartParser(ctx, in, parser, rebroadcast.Config{
		FFmpegPath:    ffmpegPath,
		LogLevel:      cfg.FFmpeg.LogLevel,
		AcceptTimeout: cfg.Rebroadcast.AcceptTimeout,
		Host:          cfg.Rebroadcast.Host,
	}, logger)
	if err != nil {
		return fmt.Errorf("starting transcoder: %w", err)
	}
	defer stream.Close()

	// Closing the stream unblocks a pending read once ctx ends.
	go func() {
		<-ctx.Done()
		stream.Close()
	}()

	stats, err := writeUnits(stream.Units, stream.Init, bw, limit)
	if ctx.Err() != nil {
		err = nil
	}

	logger.Info("capture finished",
		slog.String("container", parser.Name()),
		slog.Int("units", stats.Units),
		slog.Int64("bytes", stats.Bytes),
		slog.Any("tracks", stats.Tracks),
	)
	return err
}

// writeUnits copies units to w until the sequence ends or limit units were
// written. MP4 init atoms are collected in init, which may be the stream's
// own segment or nil, and decoded to report the stream's tracks.
func writeUnits(units *container.Units, init *container.InitSegment, w io.Writer, limit int) (captureStats, error) {
	var stats captureStats
	if init == nil {
		init = &container.InitSegment{}
	}

	for unit, err := range units.All() {
		if err != nil {
			return stats, err
		}

		if atom, ok := unit.(*container.MP4Atom); ok && stats.Tracks == nil {
			init.Observe(atom)
			if init.Complete() {
				if tracks, err := init.Tracks(); err == nil {
					stats.Tracks = tracks
				}
			}
		}

		n, err := w.Write(unit.Bytes())
		stats.Bytes += int64(n)
		if err != nil {
			return stats, fmt.Errorf("writing unit: %w", err)
		}
		stats.Units++

		if limit > 0 && stats.Units >= limit {
			return stats, nil
		}
	}
	return stats, nil
}

