// Package config provides configuration management for hubstream using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultRTSPListen      = ":8554"
	defaultConnectTimeout  = 30 * time.Second
	defaultIdleTimeout     = 30 * time.Second
	defaultAcceptTimeout   = 30 * time.Second
	defaultMaxPending      = 4096
	defaultRetryInterval   = 5 * time.Second
	defaultFFmpegLogLevel  = "error"
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	RTSP        RTSPConfig        `mapstructure:"rtsp"`
	Rebroadcast RebroadcastConfig `mapstructure:"rebroadcast"`
	FFmpeg      FFmpegConfig      `mapstructure:"ffmpeg"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Relay       RelayConfig       `mapstructure:"relay"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	// RequestLogging logs successful API requests; failures are always logged.
	RequestLogging bool `mapstructure:"request_logging"`
}

// RTSPConfig holds the RTSP listener and client configuration.
type RTSPConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Listen         string        `mapstructure:"listen"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// UDPHost is where UDP RTP is sent for clients that SETUP with
	// client_port. It is not taken from the remote address.
	UDPHost string `mapstructure:"udp_host"`
}

// RebroadcastConfig holds the transcoder fan-out session configuration.
type RebroadcastConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	AcceptTimeout time.Duration `mapstructure:"accept_timeout"`
	MaxPending    int           `mapstructure:"max_pending"` // per-client packet backlog before eviction
	Host          string        `mapstructure:"host"`        // loopback address the session sockets bind to
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"` // Path to ffmpeg binary (empty = auto-detect)
	LogLevel   string `mapstructure:"log_level"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// RelayConfig holds the RTSP path relay configuration.
type RelayConfig struct {
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	Sources       []RelaySource `mapstructure:"sources"`
}

// RelaySource is an upstream camera pulled onto a relay path.
type RelaySource struct {
	Path string `mapstructure:"path"`
	URL  string `mapstructure:"url"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with HUBSTREAM_ and use underscores for nesting.
// Example: HUBSTREAM_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("hubstream")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hubstream")
		v.AddConfigPath("$HOME/.hubstream")
	}

	v.SetEnvPrefix("HUBSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file not found is OK: defaults and env vars still apply.
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.request_logging", true)

	// RTSP defaults
	v.SetDefault("rtsp.enabled", true)
	v.SetDefault("rtsp.listen", defaultRTSPListen)
	v.SetDefault("rtsp.connect_timeout", defaultConnectTimeout)
	v.SetDefault("rtsp.udp_host", "127.0.0.1")

	// Rebroadcast defaults
	v.SetDefault("rebroadcast.idle_timeout", defaultIdleTimeout)
	v.SetDefault("rebroadcast.accept_timeout", defaultAcceptTimeout)
	v.SetDefault("rebroadcast.max_pending", defaultMaxPending)
	v.SetDefault("rebroadcast.host", "127.0.0.1")

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.log_level", defaultFFmpegLogLevel)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Relay defaults
	v.SetDefault("relay.retry_interval", defaultRetryInterval)
	v.SetDefault("relay.sources", []RelaySource{})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	// RTSP validation
	if c.RTSP.Enabled {
		if _, _, err := net.SplitHostPort(c.RTSP.Listen); err != nil {
			return fmt.Errorf("rtsp.listen must be host:port: %w", err)
		}
	}
	if c.RTSP.UDPHost == "" {
		return fmt.Errorf("rtsp.udp_host is required")
	}

	// Rebroadcast validation
	if c.Rebroadcast.IdleTimeout <= 0 {
		return fmt.Errorf("rebroadcast.idle_timeout must be positive")
	}
	if c.Rebroadcast.AcceptTimeout <= 0 {
		return fmt.Errorf("rebroadcast.accept_timeout must be positive")
	}
	if c.Rebroadcast.MaxPending < 1 {
		return fmt.Errorf("rebroadcast.max_pending must be at least 1")
	}

	// FFmpeg validation
	validFFmpegLevels := map[string]bool{
		"quiet": true, "panic": true, "fatal": true, "error": true,
		"warning": true, "info": true, "verbose": true, "debug": true,
	}
	if !validFFmpegLevels[c.FFmpeg.LogLevel] {
		return fmt.Errorf("ffmpeg.log_level %q is not an ffmpeg log level", c.FFmpeg.LogLevel)
	}

	// Logging validation
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Relay validation
	seen := make(map[string]bool, len(c.Relay.Sources))
	for i, src := range c.Relay.Sources {
		path := strings.Trim(src.Path, "/")
		if path == "" {
			return fmt.Errorf("relay.sources[%d].path is required", i)
		}
		if !strings.HasPrefix(src.URL, "rtsp://") {
			return fmt.Errorf("relay.sources[%d].url must be an rtsp:// URL", i)
		}
		if seen[path] {
			return fmt.Errorf("relay.sources[%d].path %q is used twice", i, path)
		}
		seen[path] = true
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
