package audio

import (
	"encoding/binary"
	"fmt"
)

// ConvertPCM16 converts interleaved signed 16-bit PCM from one format to
// another: it resamples first, then converts between mono and stereo. When
// the formats already match, pcm is returned unchanged.
//
// pcm must hold whole sample frames of from.
func ConvertPCM16(pcm []byte, from, to Format) ([]byte, error) {
	for _, f := range []Format{from, to} {
		if f.Encoding != EncodingPCM16 {
			return nil, fmt.Errorf("audio: convert: unsupported encoding %s", f.Encoding)
		}
		if f.Channels != 1 && f.Channels != 2 {
			return nil, fmt.Errorf("audio: convert: unsupported channel count %d", f.Channels)
		}
	}
	if n := from.FrameSize(); len(pcm)%n != 0 {
		return nil, fmt.Errorf("audio: convert: %d bytes is not a multiple of the %d byte frame", len(pcm), n)
	}

	out := ResamplePCM16(pcm, from.Channels, from.SampleRate, to.SampleRate)
	switch {
	case from.Channels == 1 && to.Channels == 2:
		out = MonoToStereo(out)
	case from.Channels == 2 && to.Channels == 1:
		out = StereoToMono(out)
	}
	return out, nil
}

// ResamplePCM16 resamples interleaved little-endian 16-bit PCM with the given
// number of channels from srcRate to dstRate using linear interpolation.
// Equal or non-positive rates return pcm unchanged.
func ResamplePCM16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || channels <= 0 {
		return pcm
	}
	frameSize := 2 * channels
	srcFrames := len(pcm) / frameSize
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	sample := func(frame, ch int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[frame*frameSize+2*ch:])))
	}

	out := make([]byte, dstFrames*frameSize)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			v := sample(idx, ch)*(1-frac) + sample(next, ch)*frac
			binary.LittleEndian.PutUint16(out[i*frameSize+2*ch:], uint16(int16(v)))
		}
	}
	return out
}

// MonoToStereo duplicates every 16-bit mono sample into both channels.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		copy(out[2*i:], pcm[i:i+2])
		copy(out[2*i+2:], pcm[i:i+2])
	}
	return out
}

// StereoToMono averages the two channels of every 16-bit stereo frame.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((l+r)/2)))
	}
	return out
}
