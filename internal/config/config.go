// Package config provides the configuration schema, loader, hot-reload watcher
// and capture driver registry for audiocap.
package config

import (
	"time"

	"github.com/MrWong99/audiocap/pkg/audio"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ForegroundMode decides whether the foreground workaround is used when
// starting capture.
type ForegroundMode string

const (
	// ForegroundAuto asks the capture driver whether it needs the workaround.
	ForegroundAuto ForegroundMode = "auto"

	// ForegroundAlways always wraps start in the workaround and retries.
	ForegroundAlways ForegroundMode = "always"

	// ForegroundNever starts capture directly with a single attempt.
	ForegroundNever ForegroundMode = "never"
)

// IsValid reports whether m is a recognised mode.
func (m ForegroundMode) IsValid() bool {
	switch m {
	case ForegroundAuto, ForegroundAlways, ForegroundNever:
		return true
	}
	return false
}

// OutputKind selects where frames are delivered.
type OutputKind string

const (
	// OutputFile writes to a file, or to stdout when the path is "-".
	OutputFile OutputKind = "file"

	// OutputWebSocket broadcasts framed packets to websocket clients.
	OutputWebSocket OutputKind = "websocket"
)

// IsValid reports whether k is a recognised output kind.
func (k OutputKind) IsValid() bool {
	return k == OutputFile || k == OutputWebSocket
}

// Codec selects the payload encoding at the output boundary.
type Codec string

const (
	// CodecRaw passes captured PCM through unchanged.
	CodecRaw Codec = "raw"

	// CodecOpus encodes 20ms Opus packets.
	CodecOpus Codec = "opus"
)

// IsValid reports whether c is a recognised codec.
func (c Codec) IsValid() bool {
	return c == CodecRaw || c == CodecOpus
}

// Config is the root configuration structure for audiocap.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Capture   CaptureConfig   `yaml:"capture"`
	Output    OutputConfig    `yaml:"output"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving health, metrics and the stream
	// endpoint (e.g., ":8080"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed without restart.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// CaptureConfig configures the capture device and the start protocol.
type CaptureConfig struct {
	// Driver selects a driver registered in the [Registry]. Default "miniaudio".
	Driver string `yaml:"driver"`

	// Device is the capture device name. Empty selects the system default.
	Device string `yaml:"device"`

	// Loopback captures the system output instead of an input device.
	Loopback bool `yaml:"loopback"`

	// SampleRate in Hz. Default 48000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is 1 or 2. Default 2.
	Channels int `yaml:"channels"`

	// PeriodMS is the device period, which is also its minimum buffer.
	PeriodMS int `yaml:"period_ms"`

	// BufferMultiplier sizes the device buffer as a multiple of the minimum.
	BufferMultiplier int `yaml:"buffer_multiplier"`

	// ReadMS is the maximum duration of audio returned by one read.
	ReadMS int `yaml:"read_ms"`

	// QueueDepth is the number of frames buffered between capture and output.
	QueueDepth int `yaml:"queue_depth"`

	// Retry bounds start attempts while the foreground workaround is active.
	Retry RetryConfig `yaml:"retry"`

	// ForegroundWorkaround is one of auto, always, never. Default auto.
	ForegroundWorkaround ForegroundMode `yaml:"foreground_workaround"`

	// Surrogate holds the commands run around a foreground start.
	Surrogate SurrogateConfig `yaml:"surrogate"`
}

// Format returns the PCM format described by c.
func (c CaptureConfig) Format() audio.Format {
	f := audio.DefaultFormat()
	f.SampleRate = c.SampleRate
	f.Channels = c.Channels
	if c.Channels == 1 {
		f.ChannelMask = audio.ChannelInMono
	}
	return f
}

// RetryConfig configures the bounded start retry.
type RetryConfig struct {
	// Attempts is the total number of start attempts. Default 3.
	Attempts int `yaml:"attempts"`

	// Delay is slept before every attempt. Default 100ms.
	Delay time.Duration `yaml:"delay"`
}

// SurrogateConfig describes the foreground workaround commands. When both
// are empty and the workaround is needed, the Android shell defaults apply.
type SurrogateConfig struct {
	// Enter is the argv run before starting capture.
	Enter []string `yaml:"enter"`

	// Exit is the argv run after the start attempts finish.
	Exit []string `yaml:"exit"`

	// Timeout bounds each command. Default 5s.
	Timeout time.Duration `yaml:"timeout"`
}

// OutputConfig configures the output boundary.
type OutputConfig struct {
	// Kind is file or websocket. Default file.
	Kind OutputKind `yaml:"kind"`

	// Codec is raw or opus. Default raw.
	Codec Codec `yaml:"codec"`

	// Framed prefixes every packet with its 12-byte header. Websocket output
	// is always framed.
	Framed bool `yaml:"framed"`

	// Path is the output file for the file kind. "-" writes to stdout.
	Path string `yaml:"path"`

	// WSPath is the HTTP path serving the websocket stream. Default "/stream".
	WSPath string `yaml:"ws_path"`

	// ClientBuffer is the per-client packet queue for websocket output.
	ClientBuffer int `yaml:"client_buffer"`

	// OpusBitrate in bits per second. Default 128000.
	OpusBitrate int `yaml:"opus_bitrate"`
}

// TelemetryConfig configures metrics and tracing identity.
type TelemetryConfig struct {
	// ServiceName is reported as the service.name resource attribute.
	ServiceName string `yaml:"service_name"`

	// MetricsPath is the HTTP path of the Prometheus endpoint. Default "/metrics".
	MetricsPath string `yaml:"metrics_path"`
}
