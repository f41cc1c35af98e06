package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/hubstream/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing hubstream configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the configuration hubstream would run with, in YAML format.

Values come from the config file, environment variables and built-in
defaults. You can redirect this output to a file to create a configuration
template:

  hubstream config dump > hubstream.yaml

Configuration can be set via:
  - Config file (hubstream.yaml in ., /etc/hubstream or $HOME/.hubstream)
  - Environment variables (HUBSTREAM_SERVER_PORT, HUBSTREAM_RTSP_LISTEN, etc.)
  - Command-line flags (for some options)

Environment variables use the HUBSTREAM_ prefix and underscores for nesting.
Example: rebroadcast.idle_timeout -> HUBSTREAM_REBROADCAST_IDLE_TIMEOUT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a struct to a map keyed by mapstructure tags, formatting
// durations for human readability.
func toMap(v any) map[string]any {
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	result := make(map[string]any, val.NumField())
	for i := 0; i < val.NumField(); i++ {
		key := typ.Field(i).Tag.Get("mapstructure")
		if key == "" {
			key = typ.Field(i).Name
		}
		result[key] = toValue(val.Field(i))
	}
	return result
}

func toValue(field reflect.Value) any {
	if d, ok := field.Interface().(time.Duration); ok {
		return d.String()
	}
	switch field.Kind() {
	case reflect.Struct:
		return toMap(field.Interface())
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.Struct {
			return field.Interface()
		}
		items := make([]any, 0, field.Len())
		for i := 0; i < field.Len(); i++ {
			items = append(items, toValue(field.Index(i)))
		}
		return items
	default:
		return field.Interface()
	}
}

func renderConfig(cfg *config.Config) ([]byte, error) {
	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return yamlData, nil
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	yamlData, err := renderConfig(appConfig)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# hubstream Configuration File")
	fmt.Fprintln(out, "# =============================")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Duration format: 500ms, 30s, 5m, 1h")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Environment variable overrides:")
	fmt.Fprintln(out, "#   HUBSTREAM_SERVER_HOST, HUBSTREAM_SERVER_PORT")
	fmt.Fprintln(out, "#   HUBSTREAM_RTSP_LISTEN, HUBSTREAM_RTSP_UDP_HOST")
	fmt.Fprintln(out, "#   HUBSTREAM_FFMPEG_BINARY_PATH, HUBSTREAM_FFMPEG_LOG_LEVEL")
	fmt.Fprintln(out, "#   HUBSTREAM_LOGGING_LEVEL, HUBSTREAM_LOGGING_FORMAT")
	fmt.Fprintln(out, "#   etc.")
	fmt.Fprintln(out, "")
	_, err = out.Write(yamlData)
	return err
}
