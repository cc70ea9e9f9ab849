package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.yaml.in/yaml/v3"
)

const (
	defaultTTL           = 1
	defaultRetryAttempts = 3
	defaultRetryDelay    = 500 * time.Millisecond
	maxRetryDelay        = 10 * time.Second
	defaultLogLevel      = "info"
	defaultLogFormat     = "console"
)

// settings is the merged runtime configuration.
// Flags seed it (with environment fallbacks baked into the flag defaults),
// then a config file fills whatever is still unset.
type settings struct {
	Hostname      string   `yaml:"hostname"`
	ZoneID        string   `yaml:"zone_id"`
	TokenFile     string   `yaml:"token_file"`
	TTL           int      `yaml:"ttl"`
	Proxied       bool     `yaml:"proxied"`
	EchoIPv4      string   `yaml:"echo_ipv4"`
	EchoIPv6      string   `yaml:"echo_ipv6"`
	Interval      duration `yaml:"interval"`
	Listen        string   `yaml:"listen"`
	RetryAttempts int      `yaml:"retry_attempts"`
	RetryDelay    duration `yaml:"retry_delay"`
	CheckServer   string   `yaml:"check_server"`
	LogLevel      string   `yaml:"log_level"`
	LogFormat     string   `yaml:"log_format"`
	LogDir        string   `yaml:"log_dir"`
}

// duration lets YAML carry Go duration strings like "90s" or "5m".
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

// loadConfigFile reads a YAML config file.
// ${VAR} references anywhere in the file are expanded from the environment
// before parsing, so values like zone_id can stay out of the file itself.
func loadConfigFile(path string) (settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return settings{}, fmt.Errorf("reading config file: %w", err)
	}
	var s settings
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &s); err != nil {
		return settings{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return s, nil
}

// merge fills fields still at their defaults from file values.
// Flags and environment populated s first, so they win.
func (s *settings) merge(file settings) {
	if s.Hostname == "" {
		s.Hostname = file.Hostname
	}
	if s.ZoneID == "" {
		s.ZoneID = file.ZoneID
	}
	if s.TokenFile == "" {
		s.TokenFile = file.TokenFile
	}
	if s.TTL == defaultTTL && file.TTL != 0 {
		s.TTL = file.TTL
	}
	if !s.Proxied {
		s.Proxied = file.Proxied
	}
	if s.EchoIPv4 == "" {
		s.EchoIPv4 = file.EchoIPv4
	}
	if s.EchoIPv6 == "" {
		s.EchoIPv6 = file.EchoIPv6
	}
	if s.Interval == 0 {
		s.Interval = file.Interval
	}
	if s.Listen == "" {
		s.Listen = file.Listen
	}
	if s.RetryAttempts == defaultRetryAttempts && file.RetryAttempts != 0 {
		s.RetryAttempts = file.RetryAttempts
	}
	if s.RetryDelay == duration(defaultRetryDelay) && file.RetryDelay != 0 {
		s.RetryDelay = file.RetryDelay
	}
	if s.CheckServer == "" {
		s.CheckServer = file.CheckServer
	}
	if s.LogLevel == defaultLogLevel && file.LogLevel != "" {
		s.LogLevel = file.LogLevel
	}
	if s.LogFormat == defaultLogFormat && file.LogFormat != "" {
		s.LogFormat = file.LogFormat
	}
	if s.LogDir == "" {
		s.LogDir = file.LogDir
	}
}

func (s *settings) validate() error {
	if s.Hostname == "" {
		return errors.New("hostname is required: pass -hostname, set TARGET_HOSTNAME, or set hostname in the config file")
	}
	if !strings.Contains(s.Hostname, ".") {
		return fmt.Errorf("hostname %q must contain at least one dot", s.Hostname)
	}
	if s.TTL < 1 {
		return fmt.Errorf("ttl %d is not valid, the minimum is 1", s.TTL)
	}
	if s.RetryAttempts < 1 {
		return errors.New("retry-attempts must be at least 1")
	}
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", s.LogLevel)
	}
	switch s.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q, expected console or json", s.LogFormat)
	}
	return nil
}

// loadDotenv applies a .env file from the working directory when present.
// Real environment variables take precedence over .env values.
func loadDotenv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

// buildLogger constructs the process logger: stderr always,
// plus a dated file under LogDir when one is configured.
// The returned func flushes and closes the sinks.
func buildLogger(s settings, now time.Time) (logr.Logger, func(), error) {
	var level zapcore.Level
	switch s.LogLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var enc zapcore.Encoder
	if s.LogFormat == "json" {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}

	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stderr)}
	closeFile := func() {}
	if s.LogDir != "" {
		if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
			return logr.Logger{}, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(datedLogPath(s.LogDir, now), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return logr.Logger{}, nil, fmt.Errorf("opening log file: %w", err)
		}
		sinks = append(sinks, zapcore.AddSync(f))
		closeFile = func() { _ = f.Close() }
	}

	zl := zap.New(zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(sinks...), level))
	closer := func() {
		_ = zl.Sync()
		closeFile()
	}
	return zapr.NewLogger(zl), closer, nil
}

// datedLogPath names one log file per calendar day,
// so old days can be cleaned up with a simple glob.
func datedLogPath(dir string, now time.Time) string {
	return filepath.Join(dir, "dnspin-"+now.Format("2006-01-02")+".log")
}

// envOr returns the value of the environment variable named key,
// or fallback if the variable is unset or empty.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envOrInt returns the environment variable named key parsed as int, or fallback.
func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envOrBool returns the environment variable named key parsed as bool, or fallback.
func envOrBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// envOrDuration returns the environment variable named key parsed as
// time.Duration, or fallback.
func envOrDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
