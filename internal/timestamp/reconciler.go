// Package timestamp assigns presentation timestamps to captured audio frames.
//
// Two clocks feed a [Reconciler]: the capture time reported by the device
// (when the platform supports it) and a prediction extrapolated from the
// duration of the previous frame. Either may be missing or jump backwards, so
// the reconciler folds them into a single non-decreasing PTS stream.
//
// A Reconciler is confined to the goroutine that reads from the capture
// stream; it is not safe for concurrent use.
package timestamp

import (
	"log/slog"

	"github.com/MrWong99/audiocap/pkg/audio"
)

// Source identifies which clock produced a PTS candidate.
type Source int

const (
	// SourceHardware means the device reported the capture time.
	SourceHardware Source = iota

	// SourceEstimate means the PTS was extrapolated from the previous frame.
	SourceEstimate
)

// String returns the human-readable name of the source.
func (s Source) String() string {
	switch s {
	case SourceHardware:
		return "hardware"
	case SourceEstimate:
		return "estimate"
	default:
		return "unknown"
	}
}

// HardwareTime is the optional device-reported capture time of a frame.
type HardwareTime struct {
	// Nanos is the capture time on the device's monotonic clock.
	Nanos int64

	// OK is false when the device could not report a time for this read.
	OK bool
}

// Hardware returns a valid [HardwareTime] for ns nanoseconds.
func Hardware(ns int64) HardwareTime {
	return HardwareTime{Nanos: ns, OK: true}
}

// Assignment describes the PTS chosen for one frame.
type Assignment struct {
	// PTS is the timestamp to attach to the frame, in microseconds.
	PTS int64

	// Duration is the playback duration of the frame, in microseconds.
	Duration int64

	// Source is the clock the candidate PTS came from.
	Source Source

	// Clamped is true when the candidate went backwards and was replaced by
	// the previous PTS plus one microsecond.
	Clamped bool
}

// State is a snapshot of a [Reconciler]'s carried state.
type State struct {
	// PreviousPTS is the last emitted PTS.
	PreviousPTS int64

	// NextPTS is the predicted PTS of the following frame.
	NextPTS int64

	// Frames is the number of frames assigned since the last reset.
	Frames uint64

	// Clamps counts frames whose PTS was corrected for monotonicity.
	Clamps uint64

	// Fallbacks counts frames that had no hardware timestamp.
	Fallbacks uint64
}

// Reconciler derives monotonic PTS values for consecutive frames of one
// capture session.
type Reconciler struct {
	format audio.Format
	log    *slog.Logger

	previous int64
	next     int64
	started  bool

	frames    uint64
	clamps    uint64
	fallbacks uint64
	warned    bool
}

// New creates a Reconciler for frames in format f.
func New(f audio.Format) *Reconciler {
	return &Reconciler{format: f, log: slog.Default()}
}

// WithLogger returns r after replacing its logger. A nil logger is ignored.
func (r *Reconciler) WithLogger(l *slog.Logger) *Reconciler {
	if l != nil {
		r.log = l
	}
	return r
}

// Assign returns the PTS for a frame of frameBytes bytes whose device capture
// time is hw.
//
// The device time is preferred when present. Otherwise the PTS predicted from
// the previous frame is used, which is 0 for the very first frame. A candidate
// below the previously emitted PTS is clamped to previous+1, and the prediction
// for the next frame is computed from the value actually emitted.
func (r *Reconciler) Assign(frameBytes int, hw HardwareTime) Assignment {
	a := Assignment{Duration: r.format.Duration(frameBytes)}

	if hw.OK {
		a.PTS = hw.Nanos / 1000
		a.Source = SourceHardware
	} else {
		if r.next == 0 && !r.warned {
			r.log.Warn("could not get audio timestamp, extrapolating from frame sizes",
				"frame", r.frames,
				"next_pts", r.next,
			)
			r.warned = true
		}
		a.PTS = r.next
		a.Source = SourceEstimate
		r.fallbacks++
	}

	if r.started && a.PTS < r.previous {
		r.log.Debug("non-monotonic audio pts, clamping",
			"candidate", a.PTS,
			"previous", r.previous,
			"source", a.Source,
		)
		a.PTS = r.previous + 1
		a.Clamped = true
		r.clamps++
	}

	r.next = a.PTS + a.Duration
	r.previous = a.PTS
	r.started = true
	r.frames++
	return a
}

// State returns a snapshot of the carried state.
func (r *Reconciler) State() State {
	return State{
		PreviousPTS: r.previous,
		NextPTS:     r.next,
		Frames:      r.frames,
		Clamps:      r.clamps,
		Fallbacks:   r.fallbacks,
	}
}
