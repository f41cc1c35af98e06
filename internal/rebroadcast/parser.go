package rebroadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jmylchreest/hubstream/internal/container"
	"github.com/jmylchreest/hubstream/internal/ffmpeg"
	"github.com/jmylchreest/hubstream/internal/media"
	"github.com/jmylchreest/hubstream/internal/streamerr"
)

// StartParser spawns a transcoder that writes parser's container to a
// private loopback listener, and returns the parsed units as a stream
// handle. Unlike a Session the feed has exactly one consumer. The
// transcoder connection is accepted on the first call to Next; closing the
// handle kills the transcoder.
func StartParser(ctx context.Context, in media.Input, parser container.Parser, cfg Config, logger *slog.Logger) (*media.Stream, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(
		slog.String("component", "parser_session"),
		slog.String("container", parser.Name()),
		slog.String("source", in.Redacted()),
	)

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, "0"))
	if err != nil {
		return nil, fmt.Errorf("listening for transcoder: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := ffmpeg.NewCommandBuilder(cfg.FFmpegPath).
		LogLevel(cfg.LogLevel).
		HideBanner().
		InputArgs(in.InputArgs...).
		Input(in.URL).
		OutputArgs(parser.OutputArgs()...).
		Output("tcp://" + ln.Addr().String()).
		StderrHandler(func(line string) {
			logger.Debug("transcoder", slog.String("line", line))
		}).
		Build()

	if err := cmd.Start(ctx); err != nil {
		cancel()
		ln.Close()
		return nil, err
	}
	logger.Debug("parser session started", slog.String("command", cmd.String()))

	ps := &parserSession{cmd: cmd, ln: ln, cancel: cancel, logger: logger}
	var inner *container.Units
	var init *container.InitSegment
	if parser.Name() == container.FormatMP4 {
		init = &container.InitSegment{}
	}

	units := container.NewUnits(func() (container.Unit, error) {
		if inner == nil {
			conn, err := ps.accept(ctx, cfg.AcceptTimeout)
			if err != nil {
				ps.close()
				return nil, err
			}
			inner, err = parser.Parse(conn)
			if err != nil {
				ps.close()
				return nil, err
			}
		}
		u, err := inner.Next()
		if err != nil {
			ps.close()
			return nil, err
		}
		if atom, ok := u.(*container.MP4Atom); ok && init != nil && init.Observe(atom) && init.Complete() {
			ps.logger.Debug("init segment complete", slog.Int("bytes", len(init.Bytes())))
		}
		return u, nil
	})

	stream := media.NewUnitStream(units, parser.Name(), func() error {
		ps.close()
		return nil
	})
	stream.Init = init
	return stream, nil
}

type parserSession struct {
	cmd    *ffmpeg.Command
	ln     net.Listener
	cancel context.CancelFunc
	logger *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	once sync.Once
}

// accept waits for the single transcoder connection. It gives up when the
// transcoder exits, the timeout passes or ctx is cancelled.
func (ps *parserSession) accept(ctx context.Context, timeout time.Duration) (net.Conn, error) {
	if tl, ok := ps.ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(timeout))
	}

	stop := context.AfterFunc(ctx, func() { ps.ln.Close() })
	defer stop()
	go func() {
		select {
		case <-ps.cmd.Done():
			ps.ln.Close()
		case <-ctx.Done():
		}
	}()

	conn, err := ps.ln.Accept()
	ps.ln.Close()
	if err != nil {
		var ne net.Error
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %w", streamerr.ErrCancelled, context.Cause(ctx))
		case errors.As(err, &ne) && ne.Timeout():
			return nil, fmt.Errorf("%w: transcoder did not connect within %s", streamerr.ErrTimeout, timeout)
		default:
			return nil, fmt.Errorf("%w: transcoder exited before connecting: %w", streamerr.ErrStreamEnded, err)
		}
	}

	ps.mu.Lock()
	ps.conn = conn
	ps.mu.Unlock()
	return conn, nil
}

func (ps *parserSession) close() {
	ps.once.Do(func() {
		ps.cancel()
		_ = ps.cmd.Kill()
		ps.ln.Close()
		ps.mu.Lock()
		if ps.conn != nil {
			ps.conn.Close()
		}
		ps.mu.Unlock()
		ps.logger.Debug("parser session closed")
	})
}
