package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultDriver           = "miniaudio"
	DefaultSampleRate       = 48000
	DefaultChannels         = 2
	DefaultPeriodMS         = 10
	DefaultBufferMultiplier = 8
	DefaultReadMS           = 20
	DefaultQueueDepth       = 16
	DefaultRetryAttempts    = 3
	DefaultRetryDelay       = 100 * time.Millisecond
	DefaultSurrogateTimeout = 5 * time.Second
	DefaultWSPath           = "/stream"
	DefaultClientBuffer     = 64
	DefaultOpusBitrate      = 128000
	DefaultServiceName      = "audiocap"
	DefaultMetricsPath      = "/metrics"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	c := &cfg.Capture
	if c.Driver == "" {
		c.Driver = DefaultDriver
	}
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels == 0 {
		c.Channels = DefaultChannels
	}
	if c.PeriodMS == 0 {
		c.PeriodMS = DefaultPeriodMS
	}
	if c.BufferMultiplier == 0 {
		c.BufferMultiplier = DefaultBufferMultiplier
	}
	if c.ReadMS == 0 {
		c.ReadMS = DefaultReadMS
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = DefaultRetryAttempts
	}
	if c.Retry.Delay == 0 {
		c.Retry.Delay = DefaultRetryDelay
	}
	if c.ForegroundWorkaround == "" {
		c.ForegroundWorkaround = ForegroundAuto
	}
	if c.Surrogate.Timeout == 0 {
		c.Surrogate.Timeout = DefaultSurrogateTimeout
	}

	o := &cfg.Output
	if o.Kind == "" {
		o.Kind = OutputFile
	}
	if o.Codec == "" {
		o.Codec = CodecRaw
	}
	if o.Path == "" && o.Kind == OutputFile {
		o.Path = "-"
	}
	if o.WSPath == "" {
		o.WSPath = DefaultWSPath
	}
	if o.ClientBuffer == 0 {
		o.ClientBuffer = DefaultClientBuffer
	}
	if o.OpusBitrate == 0 {
		o.OpusBitrate = DefaultOpusBitrate
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = DefaultMetricsPath
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Capture
	c := cfg.Capture
	if c.Driver == "" {
		errs = append(errs, errors.New("capture.driver is required"))
	}
	if c.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must be positive", c.SampleRate))
	}
	if c.Channels < 0 || c.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d is out of range [1, 2]", c.Channels))
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"capture.period_ms", c.PeriodMS},
		{"capture.buffer_multiplier", c.BufferMultiplier},
		{"capture.read_ms", c.ReadMS},
		{"capture.queue_depth", c.QueueDepth},
		{"capture.retry.attempts", c.Retry.Attempts},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", f.name, f.v))
		}
	}
	if c.Retry.Delay < 0 {
		errs = append(errs, fmt.Errorf("capture.retry.delay %s must not be negative", c.Retry.Delay))
	}
	if c.ForegroundWorkaround != "" && !c.ForegroundWorkaround.IsValid() {
		errs = append(errs, fmt.Errorf("capture.foreground_workaround %q is invalid; valid values: auto, always, never", c.ForegroundWorkaround))
	}
	if c.ForegroundWorkaround == ForegroundNever && (len(c.Surrogate.Enter) > 0 || len(c.Surrogate.Exit) > 0) {
		slog.Warn("capture.surrogate commands are configured but foreground_workaround is never; they will not run")
	}

	// Output
	o := cfg.Output
	if o.Kind != "" && !o.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("output.kind %q is invalid; valid values: file, websocket", o.Kind))
	}
	if o.Codec != "" && !o.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("output.codec %q is invalid; valid values: raw, opus", o.Codec))
	}
	if o.Kind == OutputWebSocket && cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("output.kind websocket requires server.listen_addr"))
	}
	if o.Kind == OutputFile && o.Path == "" {
		errs = append(errs, errors.New("output.path is required when kind is file"))
	}
	if o.Codec == CodecOpus && o.Kind == OutputFile && !o.Framed {
		slog.Warn("output.codec opus without framing writes packets back to back; enable output.framed to keep boundaries")
	}
	if o.OpusBitrate < 0 {
		errs = append(errs, fmt.Errorf("output.opus_bitrate %d must not be negative", o.OpusBitrate))
	}

	return errors.Join(errs...)
}
