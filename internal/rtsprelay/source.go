package rtsprelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jmylchreest/hubstream/internal/rtsp"
	"github.com/jmylchreest/hubstream/internal/streamerr"
)

// Source is an upstream camera published on a relay path.
type Source struct {
	Path string `mapstructure:"path" json:"path"`
	URL  string `mapstructure:"url" json:"url"`
}

// Pull keeps src published until ctx is cancelled, reconnecting after every
// failure.
func (r *Relay) Pull(ctx context.Context, src Source) error {
	logger := r.logger.With(slog.String("path", src.Path), slog.String("upstream", redact(src.URL)))

	for {
		err := r.pullOnce(ctx, src)
		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, streamerr.ErrAuthFailed) {
			r.metrics.IncAuthFailures()
		}
		logger.Warn("upstream pull ended, retrying",
			slog.String("error", errString(err)),
			slog.Duration("retry_in", r.cfg.RetryInterval))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.cfg.RetryInterval):
		}
	}
}

// pullOnce runs one OPTIONS, DESCRIBE, SETUP, PLAY cycle and relays packets
// until the upstream connection ends.
func (r *Relay) pullOnce(ctx context.Context, src Source) error {
	client, err := rtsp.Dial(ctx, src.URL, rtsp.ClientConfig{
		ConnectTimeout: r.cfg.ConnectTimeout,
		UserAgent:      r.cfg.UserAgent,
		Logger:         r.logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.Options(ctx); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	desc, raw, err := client.Describe(ctx)
	if err != nil {
		return fmt.Errorf("describe: %w", err)
	}
	for i, m := range desc.Medias {
		if _, err := client.SetupInterleaved(ctx, mediaURL(client.URL(), m.Control), 2*i); err != nil {
			return fmt.Errorf("setup track %d: %w", i, err)
		}
	}
	if _, err := client.Play(ctx); err != nil {
		return fmt.Errorf("play: %w", err)
	}

	p, err := r.publish(src.Path, redact(src.URL), raw, desc)
	if err != nil {
		_ = client.Teardown(ctx)
		return err
	}

	err = client.ReadInterleaved(ctx, func(pkt rtsp.Packet) error {
		r.forward(p, pkt.Channel/2, pkt)
		return nil
	})
	r.unpublish(p, err)
	return err
}

// mediaURL resolves a media control attribute against the presentation URL.
func mediaURL(base, control string) string {
	switch {
	case control == "" || control == "*":
		return base
	case strings.HasPrefix(control, "rtsp://"):
		return control
	default:
		return strings.TrimSuffix(base, "/") + "/" + control
	}
}

func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Redacted()
}
