// Package mock provides in-memory mock implementations of [audio.Driver],
// [audio.Stream], and the foreground surrogate contract for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream([]byte{1, 2, 3, 4})
//	drv := &mock.Driver{MinBufferSizeResult: 3840, Streams: []audio.Stream{stream}}
//	s, err := drv.Open(ctx, audio.DefaultFormat(), 8*3840)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/audiocap/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream].
//
// Reads are served from Chunks in order. A chunk larger than the read buffer is
// split across reads. When Chunks is exhausted, Read blocks until Release is
// called and then returns [audio.ErrStreamClosed].
type Stream struct {
	mu sync.Mutex

	// StartError is returned by [Stream.Start].
	StartError error

	// ReadError, when non-nil, is returned by every [Stream.Read].
	ReadError error

	// ReleaseError is returned by [Stream.Release].
	ReleaseError error

	// Chunks are the payloads returned by successive reads.
	Chunks [][]byte

	// OnStart, if set, is invoked by Start before StartError is returned.
	OnStart func()

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountRead records how many times Read was called.
	CallCountRead int

	// CallCountRelease records how many times Release was called.
	CallCountRelease int

	released chan struct{}
}

// NewStream returns a [Stream] that serves chunks in order.
func NewStream(chunks ...[]byte) *Stream {
	return &Stream{Chunks: chunks}
}

// releasedCh lazily creates the release signal channel. Callers hold s.mu.
func (s *Stream) releasedCh() chan struct{} {
	if s.released == nil {
		s.released = make(chan struct{})
	}
	return s.released
}

// Start implements [audio.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	s.CallCountStart++
	hook := s.OnStart
	err := s.StartError
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

// Read implements [audio.Stream].
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	s.CallCountRead++
	if s.ReadError != nil {
		err := s.ReadError
		s.mu.Unlock()
		return 0, err
	}
	released := s.releasedCh()
	select {
	case <-released:
		s.mu.Unlock()
		return 0, audio.ErrStreamClosed
	default:
	}
	if len(s.Chunks) > 0 {
		n := copy(p, s.Chunks[0])
		if n < len(s.Chunks[0]) {
			s.Chunks[0] = s.Chunks[0][n:]
		} else {
			s.Chunks = s.Chunks[1:]
		}
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	<-released
	return 0, audio.ErrStreamClosed
}

// Release implements [audio.Stream]. The first call unblocks pending reads;
// every call increments CallCountRelease and returns ReleaseError.
func (s *Stream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountRelease++
	ch := s.releasedCh()
	select {
	case <-ch:
	default:
		close(ch)
	}
	return s.ReleaseError
}

// Released reports whether Release has been called at least once.
func (s *Stream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.releasedCh():
		return true
	default:
		return false
	}
}

// Counts returns the Start, Read, and Release call counts.
func (s *Stream) Counts() (start, read, release int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountStart, s.CallCountRead, s.CallCountRelease
}

// TimestampedStream is a [Stream] that also implements [audio.Timestamper].
//
// Timestamps are consumed one per Timestamp call. A negative entry, or an
// exhausted list, yields [audio.ErrNoTimestamp].
type TimestampedStream struct {
	*Stream

	tsMu sync.Mutex

	// Timestamps are the nanosecond values returned by successive calls.
	Timestamps []int64

	// CallCountTimestamp records how many times Timestamp was called.
	CallCountTimestamp int
}

// Timestamp implements [audio.Timestamper].
func (s *TimestampedStream) Timestamp() (int64, error) {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()
	s.CallCountTimestamp++
	if len(s.Timestamps) == 0 {
		return 0, audio.ErrNoTimestamp
	}
	ts := s.Timestamps[0]
	s.Timestamps = s.Timestamps[1:]
	if ts < 0 {
		return 0, audio.ErrNoTimestamp
	}
	return ts, nil
}

// ─── Driver ───────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Driver.Open] invocation.
type OpenCall struct {
	// Format is the format passed to Open.
	Format audio.Format

	// BufferBytes is the buffer size passed to Open.
	BufferBytes int
}

// Driver is a mock implementation of [audio.Driver] and [audio.ForegroundProber].
type Driver struct {
	mu sync.Mutex

	// MinBufferSizeResult is returned by MinBufferSize.
	MinBufferSizeResult int

	// MinBufferSizeError is returned by MinBufferSize.
	MinBufferSizeError error

	// OpenErrors are returned by successive Open calls. A nil entry, or an
	// exhausted list, lets the call succeed.
	OpenErrors []error

	// Streams are returned by successive successful Open calls. When exhausted,
	// a fresh empty [Stream] is returned.
	Streams []audio.Stream

	// Foreground is returned by RequiresForeground.
	Foreground bool

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	// Opened records every stream handed out, in order.
	Opened []audio.Stream
}

// MinBufferSize implements [audio.Driver].
func (d *Driver) MinBufferSize(audio.Format) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.MinBufferSizeResult, d.MinBufferSizeError
}

// Open implements [audio.Driver].
func (d *Driver) Open(_ context.Context, f audio.Format, bufferBytes int) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	call := len(d.OpenCalls)
	d.OpenCalls = append(d.OpenCalls, OpenCall{Format: f, BufferBytes: bufferBytes})
	if call < len(d.OpenErrors) && d.OpenErrors[call] != nil {
		return nil, d.OpenErrors[call]
	}
	var s audio.Stream
	if len(d.Streams) > 0 {
		s = d.Streams[0]
		d.Streams = d.Streams[1:]
	} else {
		s = &Stream{}
	}
	d.Opened = append(d.Opened, s)
	return s, nil
}

// RequiresForeground implements [audio.ForegroundProber].
func (d *Driver) RequiresForeground() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Foreground
}

// CallCountOpen returns how many times Open was called.
func (d *Driver) CallCountOpen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// ─── Surrogate ────────────────────────────────────────────────────────────────

// Surrogate is a mock foreground workaround. It satisfies the surrogate
// contract consumed by the capture controller (Enter/Exit with a context).
type Surrogate struct {
	mu sync.Mutex

	// EnterError is returned by Enter.
	EnterError error

	// ExitError is returned by Exit.
	ExitError error

	// CallCountEnter records how many times Enter was called.
	CallCountEnter int

	// CallCountExit records how many times Exit was called.
	CallCountExit int

	active bool
}

// Enter marks the surrogate active and returns EnterError.
func (s *Surrogate) Enter(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountEnter++
	s.active = true
	return s.EnterError
}

// Exit marks the surrogate inactive and returns ExitError.
func (s *Surrogate) Exit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountExit++
	s.active = false
	return s.ExitError
}

// Active reports whether Enter has been called without a matching Exit.
func (s *Surrogate) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Counts returns the Enter and Exit call counts.
func (s *Surrogate) Counts() (enter, exit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountEnter, s.CallCountExit
}
