// Package audio defines the device contracts and PCM types used by audiocap.
//
// The two primary abstractions are:
//
//   - [Driver] knows the buffer requirements of a capture backend and opens
//     [Stream] values for a given [Format].
//   - [Stream] is a single capture stream that is started, read from in a
//     blocking loop, and released exactly once.
//
// Optional capabilities are expressed as separate single-method interfaces
// ([Timestamper], [ForegroundProber]) that callers discover with a type
// assertion once, when the driver or stream is first obtained.
//
// This package lives under pkg/ because capture backends outside this module
// are expected to implement [Driver] and [Stream].
package audio

import (
	"context"
	"errors"
)

// ErrForegroundDenied is returned (possibly wrapped) by [Driver.Open] or
// [Stream.Start] when the platform refuses capture because the calling
// process is not considered to be in the foreground. The condition is
// transient: the same call may succeed once the foreground state has
// propagated.
var ErrForegroundDenied = errors.New("audio: capture not permitted while in background")

// ErrStreamClosed is returned by [Stream.Read] once the stream has been
// released. It marks a cooperative end, not a device failure.
var ErrStreamClosed = errors.New("audio: stream closed")

// ErrNoTimestamp is returned by [Timestamper.Timestamp] when the device
// cannot report a capture time for the most recent read.
var ErrNoTimestamp = errors.New("audio: timestamp unavailable")

// Driver opens capture streams on a platform audio backend.
//
// Implementations must be safe for concurrent use.
type Driver interface {
	// MinBufferSize returns the smallest internal buffer, in bytes, the backend
	// accepts for format f.
	MinBufferSize(f Format) (int, error)

	// Open creates a capture stream with an internal buffer of bufferBytes.
	// The stream is not capturing until [Stream.Start] is called.
	Open(ctx context.Context, f Format, bufferBytes int) (Stream, error)
}

// Stream is an open capture stream.
//
// Read is called from a single goroutine. Release may be called from any
// goroutine and must unblock a Read that is waiting for data; that Read then
// returns [ErrStreamClosed].
type Stream interface {
	// Start begins capturing into the internal buffer.
	Start() error

	// Read blocks until at least one byte is available and copies up to
	// len(p) bytes into p.
	Read(p []byte) (int, error)

	// Release stops capture and frees the device. It is safe to call on a
	// stream that was never started and to call more than once.
	Release() error
}

// Timestamper is implemented by streams that can report when the data
// returned by the most recent [Stream.Read] was captured.
type Timestamper interface {
	// Timestamp returns the capture time of the first byte of the most recent
	// read, in nanoseconds on a monotonic clock. It returns [ErrNoTimestamp]
	// (or another error) when no time is available.
	Timestamp() (int64, error)
}

// ForegroundProber is implemented by drivers whose platform only allows
// capture from a foreground process.
type ForegroundProber interface {
	// RequiresForeground reports whether streams must be started while a
	// foreground workaround is active.
	RequiresForeground() bool
}
