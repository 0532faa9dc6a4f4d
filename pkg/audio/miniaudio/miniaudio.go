// Package miniaudio implements [audio.Driver] on top of miniaudio through the
// malgo bindings. It captures from the default (or a named) input device, or
// from the system output when loopback is enabled on backends that support
// it.
//
// Streams implement [audio.Timestamper]: every read is stamped with the
// capture time of its first byte, derived from the device callback time on
// the process monotonic clock.
package miniaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/audiocap/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Driver           = (*Driver)(nil)
	_ audio.ForegroundProber = (*Driver)(nil)
	_ audio.Stream           = (*Stream)(nil)
	_ audio.Timestamper      = (*Stream)(nil)
)

const defaultPeriodMillis = 10

// epoch anchors stream timestamps on the monotonic clock.
var epoch = time.Now()

// Option configures a [Driver].
type Option func(*Driver)

// WithDevice selects the capture device by name. The empty name selects the
// system default.
func WithDevice(name string) Option {
	return func(d *Driver) { d.device = name }
}

// WithLoopback captures the system output instead of an input device. Only
// the WASAPI backend supports it.
func WithLoopback(on bool) Option {
	return func(d *Driver) { d.loopback = on }
}

// WithPeriod sets the device period in milliseconds. It is also the minimum
// buffer size reported to the capture controller. The default is 10ms.
func WithPeriod(ms int) Option {
	return func(d *Driver) {
		if ms > 0 {
			d.periodMillis = ms
		}
	}
}

// WithLogger sets the logger used for backend messages.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.log = l
		}
	}
}

// Driver opens capture streams on a miniaudio context.
type Driver struct {
	ctx          *malgo.AllocatedContext
	device       string
	loopback     bool
	periodMillis int
	log          *slog.Logger

	closeOnce sync.Once
}

// New initialises a miniaudio context with the platform's default backends.
// Call [Driver.Close] to release it.
func New(opts ...Option) (*Driver, error) {
	d := &Driver{
		periodMillis: defaultPeriodMillis,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		d.log.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	d.ctx = ctx
	return d, nil
}

// Close releases the miniaudio context. Streams must be released first.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.ctx.Uninit()
		d.ctx.Free()
	})
	if err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	return nil
}

// RequiresForeground implements [audio.ForegroundProber]. Desktop backends
// have no foreground restriction.
func (d *Driver) RequiresForeground() bool { return false }

// Devices lists the names of the available capture devices.
func (d *Driver) Devices() ([]string, error) {
	infos, err := d.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("miniaudio: list devices: %w", err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, nil
}

// MinBufferSize implements [audio.Driver]. It is one device period.
func (d *Driver) MinBufferSize(f audio.Format) (int, error) {
	if _, err := sampleFormat(f); err != nil {
		return 0, err
	}
	if err := f.Validate(); err != nil {
		return 0, fmt.Errorf("miniaudio: %w", err)
	}
	return f.MillisToBytes(d.periodMillis), nil
}

// Open implements [audio.Driver]. bufferBytes bounds the queue between the
// device callback and Read; when a reader stalls, the oldest audio is
// dropped.
func (d *Driver) Open(_ context.Context, f audio.Format, bufferBytes int) (audio.Stream, error) {
	sf, err := sampleFormat(f)
	if err != nil {
		return nil, err
	}
	if bufferBytes <= 0 {
		return nil, fmt.Errorf("miniaudio: invalid buffer size %d", bufferBytes)
	}

	kind := malgo.Capture
	if d.loopback {
		kind = malgo.Loopback
	}
	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.Capture.Format = sf
	cfg.Capture.Channels = uint32(f.Channels)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(d.periodMillis)
	cfg.Alsa.NoMMap = 1

	if d.device != "" && !d.loopback {
		infos, err := d.ctx.Devices(malgo.Capture)
		if err != nil {
			return nil, fmt.Errorf("miniaudio: list devices: %w", err)
		}
		found := false
		for _, info := range infos {
			if info.Name() == d.device {
				cfg.Capture.DeviceID = info.ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("miniaudio: capture device %q not found", d.device)
		}
	}

	s := &Stream{ring: newRing(bufferBytes, f), rate: int64(f.SampleRate), log: d.log}
	dev, err := malgo.InitDevice(d.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: s.onData,
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init device: %w", err)
	}
	s.dev = dev
	return s, nil
}

// Stream is a miniaudio capture device.
type Stream struct {
	dev  *malgo.Device
	ring *ring
	rate int64
	log  *slog.Logger

	releaseOnce sync.Once
}

// onData runs on the audio thread for every captured period.
func (s *Stream) onData(_, in []byte, frames uint32) {
	now := time.Since(epoch).Nanoseconds()
	span := int64(frames) * int64(time.Second) / s.rate
	s.ring.write(in, now-span)
}

// Start implements [audio.Stream].
func (s *Stream) Start() error {
	if err := s.dev.Start(); err != nil {
		return fmt.Errorf("miniaudio: start device: %w", err)
	}
	return nil
}

// Read implements [audio.Stream].
func (s *Stream) Read(p []byte) (int, error) {
	return s.ring.read(p)
}

// Timestamp implements [audio.Timestamper].
func (s *Stream) Timestamp() (int64, error) {
	ts, ok := s.ring.timestamp()
	if !ok {
		return 0, audio.ErrNoTimestamp
	}
	return ts, nil
}

// Release implements [audio.Stream].
func (s *Stream) Release() error {
	var err error
	s.releaseOnce.Do(func() {
		s.ring.close()
		if s.dev.IsStarted() {
			err = s.dev.Stop()
		}
		s.dev.Uninit()
		if n := s.ring.droppedBytes(); n > 0 {
			s.log.Warn("capture buffer overflowed, audio was dropped", "bytes", n)
		}
	})
	if err != nil {
		return fmt.Errorf("miniaudio: stop device: %w", err)
	}
	return nil
}

var errUnsupportedEncoding = errors.New("miniaudio: unsupported sample encoding")

func sampleFormat(f audio.Format) (malgo.FormatType, error) {
	switch f.Encoding {
	case audio.EncodingPCM16:
		return malgo.FormatS16, nil
	case audio.EncodingPCMFloat:
		return malgo.FormatF32, nil
	default:
		return malgo.FormatUnknown, fmt.Errorf("%w: %s", errUnsupportedEncoding, f.Encoding)
	}
}
