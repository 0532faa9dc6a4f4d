package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/audiocap/internal/observe"
	"github.com/MrWong99/audiocap/internal/timestamp"
	"github.com/MrWong99/audiocap/pkg/audio"
)

// Session is an open, started capture stream.
//
// Read and Pump must be called from a single goroutine. Close may be called
// from any goroutine, any number of times.
type Session struct {
	id          uint64
	stream      audio.Stream
	ts          audio.Timestamper
	rec         *timestamp.Reconciler
	bufferBytes int
	readBytes   int
	metrics     *observe.Metrics
	log         *slog.Logger

	frames    atomic.Uint64
	closeOnce sync.Once
	closed    atomic.Bool
	ended     atomic.Bool
}

func newSession(id uint64, stream audio.Stream, c *Controller, bufferBytes int, log *slog.Logger) *Session {
	s := &Session{
		id:          id,
		stream:      stream,
		rec:         c.newReconciler(log),
		bufferBytes: bufferBytes,
		readBytes:   min(c.readBytes, bufferBytes),
		metrics:     c.metrics,
		log:         log,
	}
	if ts, ok := stream.(audio.Timestamper); ok {
		s.ts = ts
	}
	return s
}

// ID returns the session's sequence number within its controller.
func (s *Session) ID() uint64 { return s.id }

// BufferBytes returns the device buffer size requested at open.
func (s *Session) BufferBytes() int { return s.bufferBytes }

// ReadSize returns the default maximum read size used by [Session.Pump].
func (s *Session) ReadSize() int { return s.readBytes }

// Timestamps returns a snapshot of the session's timestamp state. It must be
// called from the reading goroutine.
func (s *Session) Timestamps() timestamp.State { return s.rec.State() }

// Frames returns the number of frames read so far. It is safe to call from
// any goroutine.
func (s *Session) Frames() uint64 { return s.frames.Load() }

// Done reports whether the session was closed or the device ended the stream.
func (s *Session) Done() bool {
	return s.closed.Load() || s.ended.Load()
}

// Read blocks until the device delivers data and returns it as a timestamped
// frame of at most maxBytes bytes. A non-positive maxBytes, or one larger
// than the device buffer, reads up to the buffer size.
//
// An empty frame with a nil error means no data was available or the session
// ended cooperatively; check [Session.Done] to tell them apart. A non-nil
// error is always a [*DeviceError].
func (s *Session) Read(maxBytes int) (audio.Frame, error) {
	if s.Done() {
		return audio.Frame{}, nil
	}
	if maxBytes <= 0 || maxBytes > s.bufferBytes {
		maxBytes = s.bufferBytes
	}

	buf := make([]byte, maxBytes)
	n, err := s.stream.Read(buf)
	if err != nil {
		if s.closed.Load() || errors.Is(err, audio.ErrStreamClosed) {
			s.ended.Store(true)
			return audio.Frame{}, nil
		}
		if s.metrics != nil {
			s.metrics.ReadErrors.Add(context.Background(), 1)
		}
		return audio.Frame{}, &DeviceError{Op: "read", Err: err}
	}
	if n <= 0 {
		return audio.Frame{}, nil
	}

	a := s.rec.Assign(n, s.hardwareTime())
	s.frames.Add(1)
	if s.metrics != nil {
		ctx := context.Background()
		s.metrics.RecordFrame(ctx, n, a.Source.String())
		if a.Source == timestamp.SourceEstimate {
			s.metrics.TimestampFallbacks.Add(ctx, 1)
		}
		if a.Clamped {
			s.metrics.PTSClamps.Add(ctx, 1)
		}
	}
	return audio.Frame{Data: buf[:n], PTS: a.PTS}, nil
}

// hardwareTime asks the device for the capture time of the last read.
func (s *Session) hardwareTime() timestamp.HardwareTime {
	if s.ts == nil {
		return timestamp.HardwareTime{}
	}
	ns, err := s.ts.Timestamp()
	if err != nil {
		return timestamp.HardwareTime{}
	}
	return timestamp.Hardware(ns)
}

// Close releases the device. It is idempotent and never fails: release
// errors are logged. A Read blocked in another goroutine returns promptly.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if err := s.stream.Release(); err != nil {
			s.log.Warn("release audio device", "err", err)
		}
		if s.metrics != nil {
			s.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		s.log.Info("audio capture stopped", "frames", s.Frames())
	})
	return nil
}

// Pump reads frames and sends them on out until the session ends, ctx is
// cancelled, or the device fails. It is the single producer of out and closes
// it on return. Cancelling ctx closes the session.
//
// Sends block when out is full; that backpressure is what paces capture
// against a slow consumer.
func (s *Session) Pump(ctx context.Context, out chan<- audio.Frame) error {
	defer close(out)
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	defer func() {
		st := s.rec.State()
		s.log.Debug("capture pump finished",
			"frames", st.Frames,
			"pts_clamps", st.Clamps,
			"timestamp_fallbacks", st.Fallbacks,
			"last_pts", st.PreviousPTS,
		)
	}()

	for {
		f, err := s.Read(s.readBytes)
		if err != nil {
			return err
		}
		if f.Empty() {
			if s.Done() {
				return nil
			}
			continue
		}
		select {
		case out <- f:
		case <-ctx.Done():
			return nil
		}
	}
}
