package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/hubstream/internal/config"
	"github.com/jmylchreest/hubstream/internal/ffmpeg"
	internalhttp "github.com/jmylchreest/hubstream/internal/http"
	"github.com/jmylchreest/hubstream/internal/http/handlers"
	"github.com/jmylchreest/hubstream/internal/metrics"
	"github.com/jmylchreest/hubstream/internal/rebroadcast"
	"github.com/jmylchreest/hubstream/internal/rtsp"
	"github.com/jmylchreest/hubstream/internal/rtsprelay"
	"github.com/jmylchreest/hubstream/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hubstream server",
	Long: `Start the hubstream HTTP API and RTSP relay.

The server provides:
- REST API for creating and tearing down rebroadcast sessions
- RTSP relay for publishers (ANNOUNCE/RECORD) and readers (DESCRIBE/PLAY)
- Pulling configured camera sources onto relay paths
- Health check endpoint, Prometheus metrics at /metrics
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Host to bind the HTTP API to")
	serveCmd.Flags().Int("port", 0, "Port for the HTTP API")
	serveCmd.Flags().String("rtsp-listen", "", "RTSP relay listen address (host:port)")
	serveCmd.Flags().Bool("no-rtsp", false, "Disable the RTSP relay listener")
}

// applyServeFlags overrides cfg with the serve flags the user set.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("rtsp-listen") {
		cfg.RTSP.Listen, _ = flags.GetString("rtsp-listen")
	}
	if flags.Changed("no-rtsp") {
		disabled, _ := flags.GetBool("no-rtsp")
		cfg.RTSP.Enabled = !disabled
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating flags: %w", err)
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}
	logger := slog.Default()

	ffmpegPath, err := ffmpeg.ResolveBinary(cfg.FFmpeg.BinaryPath)
	if err != nil {
		// Relay paths still work without a transcoder; sessions will fail.
		logger.Warn("ffmpeg not available", slog.String("error", err.Error()))
		ffmpegPath = cfg.FFmpeg.BinaryPath
	}

	m := metrics.New()

	manager := rebroadcast.NewManager(rebroadcast.Config{
		FFmpegPath:    ffmpegPath,
		LogLevel:      cfg.FFmpeg.LogLevel,
		IdleTimeout:   cfg.Rebroadcast.IdleTimeout,
		AcceptTimeout: cfg.Rebroadcast.AcceptTimeout,
		MaxPending:    cfg.Rebroadcast.MaxPending,
		Host:          cfg.Rebroadcast.Host,
	}, logger, m)
	defer manager.Close()

	relay := rtsprelay.New(rtsprelay.Config{
		MaxPending:     cfg.Rebroadcast.MaxPending,
		ConnectTimeout: cfg.RTSP.ConnectTimeout,
		RetryInterval:  cfg.Relay.RetryInterval,
		UserAgent:      version.UserAgent(),
	}, logger, m)

	server := internalhttp.NewServer(internalhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     internalhttp.DefaultServerConfig().IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		CORSOrigins:     cfg.Server.CORSOrigins,
	}, logger, version.Version, m)

	handlers.NewHealthHandler(version.Version).
		WithFFmpegPath(cfg.FFmpeg.BinaryPath).
		WithSessions(manager).
		WithRelay(relay).
		Register(server.API())
	handlers.NewStreamHandler(manager).WithLogger(logger).Register(server.API())
	handlers.NewRelayHandler(relay).Register(server.API())
	server.MountMetrics(nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.RTSP.Enabled {
		rtspServer := &rtsp.Server{
			Addr:    cfg.RTSP.Listen,
			Handler: relay.Handle,
			Options: []rtsp.ServerConnOption{rtsp.WithUDPHost(cfg.RTSP.UDPHost)},
			Logger:  logger,
		}
		// Bind before serving so a busy port fails startup.
		if _, err := rtspServer.Listen(); err != nil {
			return fmt.Errorf("starting rtsp server: %w", err)
		}
		g.Go(func() error {
			return rtspServer.Serve(gctx)
		})

		for _, s := range cfg.Relay.Sources {
			src := rtsprelay.Source{Path: s.Path, URL: s.URL}
			g.Go(func() error {
				return relay.Pull(gctx, src)
			})
		}
	} else if len(cfg.Relay.Sources) > 0 {
		logger.Warn("rtsp relay disabled, ignoring configured sources",
			slog.Int("sources", len(cfg.Relay.Sources)))
	}

	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		return server.Shutdown(context.Background())
	})

	logger.Info("starting hubstream server",
		slog.String("address", cfg.Server.Address()),
		slog.Bool("rtsp", cfg.RTSP.Enabled),
		slog.String("version", version.Version),
	)

	err = g.Wait()
	logger.Info("hubstream server stopped")
	return err
}
