package audio

import (
	"errors"
	"fmt"
)

// Encoding identifies the PCM sample encoding requested from a device.
type Encoding int

const (
	// EncodingPCM16 is signed 16-bit little-endian PCM.
	EncodingPCM16 Encoding = iota + 1

	// EncodingPCMFloat is 32-bit IEEE float PCM.
	EncodingPCMFloat
)

// String returns the human-readable name of the encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingPCM16:
		return "pcm_s16le"
	case EncodingPCMFloat:
		return "pcm_f32le"
	default:
		return "unknown"
	}
}

// ChannelMask is the platform channel layout requested from a device.
type ChannelMask int

const (
	// ChannelInMono captures a single channel.
	ChannelInMono ChannelMask = 1 << iota

	// ChannelInStereo captures interleaved left/right channels.
	ChannelInStereo
)

// Fixed capture parameters. They are constants of the system, not user-tunable.
const (
	SampleRate     = 48000
	Channels       = 2
	BytesPerSample = 2
)

// Format describes the PCM layout of a capture stream.
type Format struct {
	// SampleRate in Hz.
	SampleRate int

	// Channels is the number of interleaved channels.
	Channels int

	// BytesPerSample is the size of one sample of one channel.
	BytesPerSample int

	// ChannelMask is the platform channel layout matching Channels.
	ChannelMask ChannelMask

	// Encoding is the sample encoding matching BytesPerSample.
	Encoding Encoding
}

// DefaultFormat returns the capture format used throughout audiocap:
// 48 kHz, stereo, signed 16-bit PCM.
func DefaultFormat() Format {
	return Format{
		SampleRate:     SampleRate,
		Channels:       Channels,
		BytesPerSample: BytesPerSample,
		ChannelMask:    ChannelInStereo,
		Encoding:       EncodingPCM16,
	}
}

// FrameSize returns the number of bytes in one sample frame (one sample for
// every channel).
func (f Format) FrameSize() int {
	return f.Channels * f.BytesPerSample
}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.FrameSize() * f.SampleRate
}

// Duration returns the playback duration of n bytes, in microseconds.
// The division truncates, matching how frame durations are accumulated into
// PTS predictions.
func (f Format) Duration(n int) int64 {
	bps := int64(f.BytesPerSecond())
	if bps == 0 {
		return 0
	}
	return int64(n) * 1_000_000 / bps
}

// MillisToBytes returns the number of bytes holding ms milliseconds of audio.
func (f Format) MillisToBytes(ms int) int {
	return f.BytesPerSecond() * ms / 1000
}

// Validate reports whether f describes a usable PCM layout.
func (f Format) Validate() error {
	var errs []error
	if f.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", f.SampleRate))
	}
	if f.Channels <= 0 {
		errs = append(errs, fmt.Errorf("channel count %d must be positive", f.Channels))
	}
	if f.BytesPerSample <= 0 {
		errs = append(errs, fmt.Errorf("bytes per sample %d must be positive", f.BytesPerSample))
	}
	return errors.Join(errs...)
}

// String implements [fmt.Stringer].
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%s", f.SampleRate, f.Channels, f.Encoding)
}

// Flags annotate a packet handed to the output boundary.
type Flags uint8

const (
	// FlagConfig marks a codec configuration packet rather than media.
	FlagConfig Flags = 1 << iota

	// FlagKeyFrame marks a packet that can be decoded independently.
	FlagKeyFrame
)

// Frame is a span of captured audio with its presentation timestamp.
// Ownership of Data passes to whoever receives the frame; producers never
// reuse a slice after handing it over.
type Frame struct {
	// Data holds interleaved PCM samples (or an encoded packet once past the
	// encoder boundary).
	Data []byte

	// PTS is the presentation timestamp in microseconds.
	PTS int64

	// Flags are always zero for frames produced by capture.
	Flags Flags
}

// Len returns the number of payload bytes.
func (f Frame) Len() int { return len(f.Data) }

// Empty reports whether the frame carries no payload.
func (f Frame) Empty() bool { return len(f.Data) == 0 }
