package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/hubstream/internal/rtsp"
	"github.com/jmylchreest/hubstream/internal/version"
)

var probeCmd = &cobra.Command{
	Use:   "probe <rtsp-url>",
	Short: "Describe an RTSP source and list its tracks",
	Long: `Connect to an RTSP camera or relay path, send OPTIONS and DESCRIBE,
and print the tracks announced in its session description.

Credentials may be given in the URL or with --username/--password.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().String("username", "", "RTSP username (overrides the URL)")
	probeCmd.Flags().String("password", "", "RTSP password (overrides the URL)")
	probeCmd.Flags().Bool("sdp", false, "print the raw session description")
	probeCmd.Flags().Bool("json", false, "output as JSON")
}

// probeTrack is one media section of a described session.
type probeTrack struct {
	Type      string `json:"type"`
	Control   string `json:"control"`
	Codec     string `json:"codec"`
	Payload   uint8  `json:"payload_type"`
	ClockRate int    `json:"clock_rate"`
}

// probeResult is what probe reports about a source.
type probeResult struct {
	URL     string       `json:"url"`
	Methods string       `json:"methods,omitempty"`
	Tracks  []probeTrack `json:"tracks"`
	Elapsed string       `json:"elapsed"`
	SDP     string       `json:"sdp,omitempty"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	username, _ := flags.GetString("username")
	password, _ := flags.GetString("password")
	showSDP, _ := flags.GetBool("sdp")
	asJSON, _ := flags.GetBool("json")

	clientCfg := rtsp.ClientConfig{
		ConnectTimeout: appConfig.RTSP.ConnectTimeout,
		UserAgent:      version.UserAgent(),
		Logger:         slog.Default(),
	}
	if flags.Changed("username") || flags.Changed("password") {
		clientCfg.Credentials = &rtsp.Credentials{Username: username, Password: password}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*appConfig.RTSP.ConnectTimeout)
	defer cancel()

	result, err := probe(ctx, args[0], clientCfg)
	if err != nil {
		return err
	}
	if !showSDP {
		result.SDP = ""
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintf(out, "URL:     %s\n", result.URL)
	if result.Methods != "" {
		fmt.Fprintf(out, "Methods: %s\n", result.Methods)
	}
	fmt.Fprintf(out, "Elapsed: %s\n\n", result.Elapsed)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tCONTROL\tCODEC\tPT\tCLOCK")
	for _, t := range result.Tracks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", t.Type, t.Control, t.Codec, t.Payload, t.ClockRate)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if result.SDP != "" {
		fmt.Fprintf(out, "\n%s", result.SDP)
	}
	return nil
}

// probe runs OPTIONS and DESCRIBE against rawURL and tears the connection
// down again.
func probe(ctx context.Context, rawURL string, cfg rtsp.ClientConfig) (*probeResult, error) {
	start := time.Now()

	client, err := rtsp.Dial(ctx, rawURL, cfg)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	res, err := client.Options(ctx)
	if err != nil {
		return nil, err
	}

	desc, raw, err := client.Describe(ctx)
	if err != nil {
		return nil, err
	}

	return &probeResult{
		URL:     client.URL(),
		Methods: res.Header.Get("Public"),
		Tracks:  describeTracks(desc),
		Elapsed: time.Since(start).Round(time.Millisecond).String(),
		SDP:     string(raw),
	}, nil
}

func describeTracks(desc *description.Session) []probeTrack {
	tracks := make([]probeTrack, 0, len(desc.Medias))
	for _, m := range desc.Medias {
		for _, f := range m.Formats {
			tracks = append(tracks, probeTrack{
				Type:      string(m.Type),
				Control:   m.Control,
				Codec:     f.Codec(),
				Payload:   f.PayloadType(),
				ClockRate: f.ClockRate(),
			})
		}
	}
	return tracks
}
