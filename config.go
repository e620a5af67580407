package wiremsg

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Config is the file form of the server, client and session options.
type Config struct {
	Listen          string
	Connect         string
	MaxFrameLength  int
	Heartbeat       time.Duration
	ShutdownTimeout time.Duration
	MaxSessions     int
	AcceptRate      float64 // connections per second, 0 disables the limit
	AcceptBurst     int
	LogLevel        slog.Level
}

type fileConfig struct {
	Listen          string  `toml:"listen"`
	Connect         string  `toml:"connect"`
	MaxFrameLength  int     `toml:"max_frame_length"`
	Heartbeat       string  `toml:"heartbeat"`
	ShutdownTimeout string  `toml:"shutdown_timeout"`
	MaxSessions     int     `toml:"max_sessions"`
	AcceptRate      float64 `toml:"accept_rate"`
	AcceptBurst     int     `toml:"accept_burst"`
	LogLevel        string  `toml:"log_level"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Listen:          ":9000",
		Connect:         "localhost:9000",
		MaxFrameLength:  1024 * 1024,
		ShutdownTimeout: 5 * time.Second,
		AcceptBurst:     1,
		LogLevel:        slog.LevelInfo,
	}
}

// LoadConfig reads a TOML file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "load config")
	}
	return fromFile(meta, raw)
}

// ParseConfig parses TOML text over DefaultConfig.
func ParseConfig(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	return fromFile(meta, raw)
}

func fromFile(meta toml.MetaData, raw fileConfig) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return Config{}, errors.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	cfg := DefaultConfig()

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}

	if meta.IsDefined("connect") {
		cfg.Connect = strings.TrimSpace(raw.Connect)
	}

	if meta.IsDefined("max_frame_length") {
		if raw.MaxFrameLength <= 0 {
			return Config{}, errors.Errorf("max_frame_length must be positive, got %d", raw.MaxFrameLength)
		}
		cfg.MaxFrameLength = raw.MaxFrameLength
	}

	if meta.IsDefined("heartbeat") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Heartbeat))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse heartbeat")
		}
		cfg.Heartbeat = d
	}

	if meta.IsDefined("shutdown_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ShutdownTimeout))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse shutdown_timeout")
		}
		cfg.ShutdownTimeout = d
	}

	if meta.IsDefined("max_sessions") {
		cfg.MaxSessions = raw.MaxSessions
	}

	if meta.IsDefined("accept_rate") {
		cfg.AcceptRate = raw.AcceptRate
	}

	if meta.IsDefined("accept_burst") {
		cfg.AcceptBurst = raw.AcceptBurst
	}

	if meta.IsDefined("log_level") {
		lvl, ok := ParseLevel(raw.LogLevel)
		if !ok {
			return Config{}, errors.Errorf("unknown log_level %q", raw.LogLevel)
		}
		cfg.LogLevel = lvl
	}

	return cfg, nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(raw string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// Options returns the session options described by c.
func (c Config) Options(logger Logger, m *Metrics) []Option {
	opts := []Option{
		MessageMaxSize(c.MaxFrameLength),
		HeartbeatOption(c.Heartbeat),
		MetricsOption(m),
	}
	if logger != nil {
		opts = append(opts, LoggerOption(logger))
	}
	return opts
}

// ServerOptions returns the server options described by c, including the
// session options for accepted connections.
func (c Config) ServerOptions(logger Logger, m *Metrics) []ServerOption {
	opts := []ServerOption{
		ServerShutdownTimeoutOption(c.ShutdownTimeout),
		ServerMaxSessionsOption(c.MaxSessions),
		ServerMetricsOption(m),
		SessionOptions(c.Options(logger, m)...),
	}
	if logger != nil {
		opts = append(opts, ServerLoggerOption(logger))
	}
	if c.AcceptRate > 0 {
		opts = append(opts, ServerAcceptRateOption(rate.Limit(c.AcceptRate), max(c.AcceptBurst, 1)))
	}
	return opts
}
