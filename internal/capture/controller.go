// Package capture manages the lifecycle of an audio capture session: opening
// the device with the right buffer size, the bounded-retry start protocol
// required by foreground-restricted platforms, timestamped reads, and
// idempotent teardown.
//
// A [Controller] opens at most one [Session] at a time. The session and its
// timestamp state are owned by the goroutine that reads from it; only
// [Session.Close] may be called from elsewhere, and doing so unblocks a
// pending read.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/audiocap/internal/observe"
	"github.com/MrWong99/audiocap/internal/timestamp"
	"github.com/MrWong99/audiocap/pkg/audio"
)

// Default start parameters.
const (
	defaultAttempts         = 3
	defaultDelay            = 100 * time.Millisecond
	defaultBufferMultiplier = 8
	defaultReadMillis       = 20
)

// RetryPolicy bounds the start retries performed while a foreground
// workaround is active.
type RetryPolicy struct {
	// Attempts is the total number of start attempts. Defaults to 3.
	Attempts int

	// Delay is slept before every attempt to let the foreground state
	// propagate. Defaults to 100ms.
	Delay time.Duration
}

// DefaultRetryPolicy returns 3 attempts spaced 100ms apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: defaultAttempts, Delay: defaultDelay}
}

// Capabilities are platform properties resolved once, when the controller is
// built, instead of on every call.
type Capabilities struct {
	// NeedsForeground is true when streams may only be started while the
	// process appears to be in the foreground.
	NeedsForeground bool
}

// Probe inspects d for optional capabilities.
func Probe(d audio.Driver) Capabilities {
	var caps Capabilities
	if p, ok := d.(audio.ForegroundProber); ok {
		caps.NeedsForeground = p.RequiresForeground()
	}
	return caps
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option configures a [Controller].
type Option func(*Controller)

// WithFormat overrides the capture format. The default is [audio.DefaultFormat].
func WithFormat(f audio.Format) Option {
	return func(c *Controller) { c.format = f }
}

// WithRetry sets the start retry policy. Non-positive fields keep their defaults.
func WithRetry(p RetryPolicy) Option {
	return func(c *Controller) {
		if p.Attempts > 0 {
			c.retry.Attempts = p.Attempts
		}
		if p.Delay > 0 {
			c.retry.Delay = p.Delay
		}
	}
}

// WithSurrogate sets the foreground workaround used when the platform needs it.
func WithSurrogate(s Surrogate) Option {
	return func(c *Controller) {
		if s != nil {
			c.surrogate = s
		}
	}
}

// WithCapabilities replaces the probed capabilities.
func WithCapabilities(caps Capabilities) Option {
	return func(c *Controller) { c.caps = caps }
}

// WithBufferMultiplier sets how many minimum buffers the device buffer holds.
// The default is 8.
func WithBufferMultiplier(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.multiplier = n
		}
	}
}

// WithReadSize sets the maximum number of bytes returned by one read. It is
// capped at the device buffer size. The default is 20ms of audio.
func WithReadSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.readBytes = n
		}
	}
}

// WithMetrics records capture metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithSleep replaces the retry delay implementation.
func WithSleep(fn SleepFunc) Option {
	return func(c *Controller) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// Controller opens capture sessions on an [audio.Driver].
//
// All methods are safe for concurrent use.
type Controller struct {
	driver     audio.Driver
	format     audio.Format
	retry      RetryPolicy
	surrogate  Surrogate
	caps       Capabilities
	multiplier int
	readBytes  int
	metrics    *observe.Metrics
	log        *slog.Logger
	sleep      SleepFunc

	mu      sync.Mutex
	session *Session
	opening bool // an Open call holds the session slot
	nextID  uint64
}

// New creates a Controller for driver. Capabilities are probed from driver
// unless [WithCapabilities] overrides them.
func New(driver audio.Driver, opts ...Option) *Controller {
	c := &Controller{
		driver:     driver,
		format:     audio.DefaultFormat(),
		retry:      DefaultRetryPolicy(),
		surrogate:  NopSurrogate{},
		caps:       Probe(driver),
		multiplier: defaultBufferMultiplier,
		log:        slog.Default(),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.readBytes == 0 {
		c.readBytes = c.format.MillisToBytes(defaultReadMillis)
	}
	return c
}

// Capabilities returns the capabilities the controller operates with.
func (c *Controller) Capabilities() Capabilities {
	return c.caps
}

// Session returns the current session, or nil if none was opened yet.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Open creates and starts a capture session.
//
// When the platform needs it, the foreground surrogate is held for the whole
// start sequence and released afterwards regardless of the outcome. In that
// mode start attempts refused with [audio.ErrForegroundDenied] are retried
// according to the [RetryPolicy]; when they are exhausted Open returns a
// [*ForegroundError]. Every other failure is returned immediately as a
// [*DeviceError].
func (c *Controller) Open(ctx context.Context) (_ *Session, err error) {
	c.mu.Lock()
	if c.opening || (c.session != nil && !c.session.Done()) {
		c.mu.Unlock()
		return nil, ErrSessionOpen
	}
	c.opening = true
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	var s *Session
	defer func() {
		c.mu.Lock()
		c.opening = false
		if s != nil {
			c.session = s
		}
		c.mu.Unlock()
	}()

	ctx, span := observe.StartSpan(ctx, "capture.open")
	defer func() { observe.EndSpan(span, err) }()
	start := time.Now()
	log := observe.SpanLogger(ctx, c.log).With("session", id)

	if err := c.format.Validate(); err != nil {
		return nil, &DeviceError{Op: "open", Err: err}
	}
	minSize, err := c.driver.MinBufferSize(c.format)
	if err != nil {
		return nil, &DeviceError{Op: "min_buffer", Err: err}
	}
	if minSize <= 0 {
		return nil, &DeviceError{Op: "min_buffer", Err: fmt.Errorf("invalid minimum buffer size %d", minSize)}
	}
	bufferBytes := c.multiplier * minSize

	var stream audio.Stream
	if c.caps.NeedsForeground {
		fg := EnterForeground(ctx, c.surrogate, log)
		stream, err = c.startWithRetry(ctx, log, bufferBytes)
		fg.Release(ctx)
	} else {
		stream, err = c.startOnce(ctx, log, bufferBytes)
		c.recordAttempt(ctx, err)
	}
	if err != nil {
		return nil, err
	}

	s = newSession(id, stream, c, bufferBytes, log)

	if c.metrics != nil {
		c.metrics.StartDuration.Record(ctx, time.Since(start).Seconds())
		c.metrics.ActiveSessions.Add(ctx, 1)
	}
	log.Info("audio capture started",
		"format", c.format.String(),
		"buffer_bytes", bufferBytes,
		"hardware_timestamps", s.ts != nil,
		"foreground_workaround", c.caps.NeedsForeground,
		"elapsed", time.Since(start),
	)
	return s, nil
}

// Close closes the current session, if any. It never fails.
func (c *Controller) Close() error {
	if s := c.Session(); s != nil {
		return s.Close()
	}
	return nil
}

// startWithRetry attempts to start a stream up to the configured number of
// times, sleeping the retry delay before each attempt.
func (c *Controller) startWithRetry(ctx context.Context, log *slog.Logger, bufferBytes int) (audio.Stream, error) {
	var last error
	for attempt := 1; attempt <= c.retry.Attempts; attempt++ {
		if err := c.sleep(ctx, c.retry.Delay); err != nil {
			return nil, fmt.Errorf("capture: open: %w", err)
		}

		stream, err := c.startOnce(ctx, log, bufferBytes)
		c.recordAttempt(ctx, err)
		if err == nil {
			return stream, nil
		}
		if !errors.Is(err, audio.ErrForegroundDenied) {
			return nil, err
		}
		last = err
		if attempt < c.retry.Attempts {
			log.Debug("failed to start audio capture, retrying",
				"attempt", attempt,
				"max_attempts", c.retry.Attempts,
				"err", err,
			)
		}
	}

	ferr := &ForegroundError{Attempts: c.retry.Attempts, Last: last}
	log.Error("failed to start audio capture", "attempts", c.retry.Attempts, "err", last)
	log.Error(ferr.Guidance())
	return nil, ferr
}

// startOnce opens a stream and starts it. A stream that opens but fails to
// start is released before returning.
func (c *Controller) startOnce(ctx context.Context, log *slog.Logger, bufferBytes int) (audio.Stream, error) {
	stream, err := c.driver.Open(ctx, c.format, bufferBytes)
	if err != nil {
		return nil, &DeviceError{Op: "open", Err: err}
	}
	if err := stream.Start(); err != nil {
		if rerr := stream.Release(); rerr != nil {
			log.Debug("release after failed start", "err", rerr)
		}
		return nil, &DeviceError{Op: "start", Err: err}
	}
	return stream, nil
}

func (c *Controller) recordAttempt(ctx context.Context, err error) {
	if c.metrics == nil {
		return
	}
	switch {
	case err == nil:
		c.metrics.RecordStartAttempt(ctx, observe.StartOK)
	case errors.Is(err, audio.ErrForegroundDenied):
		c.metrics.RecordStartAttempt(ctx, observe.StartDenied)
	default:
		c.metrics.RecordStartAttempt(ctx, observe.StartError)
	}
}

// newReconciler builds the per-session timestamp state.
func (c *Controller) newReconciler(log *slog.Logger) *timestamp.Reconciler {
	return timestamp.New(c.format).WithLogger(log)
}
