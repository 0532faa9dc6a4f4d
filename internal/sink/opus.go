package sink

import (
	"context"
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/audiocap/pkg/audio"
)

const (
	// opusFrameMillis is the duration of one encoded packet.
	opusFrameMillis = 20

	// opusMaxPacket bounds the size of one encoded packet.
	opusMaxPacket = 4000

	// opusPreSkip is the encoder lookahead at 48 kHz advertised in the
	// identification header.
	opusPreSkip = 312

	// DefaultOpusBitrate is used when no bitrate is configured.
	DefaultOpusBitrate = 128000
)

// Opus encodes PCM frames to 20ms Opus packets and writes them to the next
// sink. The first packet written downstream is an OpusHead identification
// header flagged as [audio.FlagConfig].
//
// A packet's PTS is taken from the frame that supplies its first byte,
// advanced by that byte's offset within the frame.
type Opus struct {
	next   Sink
	enc    *gopus.Encoder
	format audio.Format

	frameBytes   int
	frameSamples int
	pending      []byte
	pendingPTS   int64
	headSent     bool
	closed       bool
}

// NewOpus creates an Opus encoding stage in front of next. The format must be
// 16-bit PCM at a rate Opus supports with one or two channels. A non-positive
// bitrate selects [DefaultOpusBitrate].
func NewOpus(next Sink, f audio.Format, bitrate int) (*Opus, error) {
	if f.Encoding != audio.EncodingPCM16 {
		return nil, fmt.Errorf("sink: opus: unsupported encoding %s", f.Encoding)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return nil, fmt.Errorf("sink: opus: unsupported channel count %d", f.Channels)
	}
	if !OpusSupportsRate(f.SampleRate) {
		return nil, fmt.Errorf("sink: opus: unsupported sample rate %d", f.SampleRate)
	}

	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("sink: create opus encoder: %w", err)
	}
	if bitrate <= 0 {
		bitrate = DefaultOpusBitrate
	}
	enc.SetBitrate(bitrate)

	frameBytes := f.MillisToBytes(opusFrameMillis)
	return &Opus{
		next:         next,
		enc:          enc,
		format:       f,
		frameBytes:   frameBytes,
		frameSamples: frameBytes / f.FrameSize(),
		pending:      make([]byte, 0, 2*frameBytes),
	}, nil
}

// OpusSupportsRate reports whether Opus can encode audio sampled at rate Hz.
func OpusSupportsRate(rate int) bool {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}

// WriteFrame implements [Sink].
func (o *Opus) WriteFrame(ctx context.Context, f audio.Frame) error {
	if o.closed {
		return ErrClosed
	}
	if !o.headSent {
		head := audio.Frame{Data: opusHead(o.format), Flags: audio.FlagConfig}
		if err := o.next.WriteFrame(ctx, head); err != nil {
			return err
		}
		o.headSent = true
	}

	carry := len(o.pending)
	o.pending = append(o.pending, f.Data...)

	off := 0
	for len(o.pending)-off >= o.frameBytes {
		if off >= carry {
			o.pendingPTS = f.PTS + o.format.Duration(off-carry)
		}
		if err := o.encode(ctx, o.pending[off:off+o.frameBytes]); err != nil {
			o.pending = append(o.pending[:0], o.pending[off:]...)
			return err
		}
		off += o.frameBytes
	}
	if off >= carry {
		o.pendingPTS = f.PTS + o.format.Duration(off-carry)
	}
	o.pending = append(o.pending[:0], o.pending[off:]...)
	return nil
}

// encode emits one packet for exactly one frame of PCM.
func (o *Opus) encode(ctx context.Context, pcm []byte) error {
	pkt, err := o.enc.Encode(bytesToInt16s(pcm), o.frameSamples, opusMaxPacket)
	if err != nil {
		return fmt.Errorf("sink: opus encode: %w", err)
	}
	pts := o.pendingPTS
	o.pendingPTS += o.format.Duration(len(pcm))
	return o.next.WriteFrame(ctx, audio.Frame{Data: pkt, PTS: pts})
}

// Close pads and encodes any partial frame, then closes the next sink.
func (o *Opus) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true

	var err error
	if len(o.pending) > 0 && o.headSent {
		pcm := make([]byte, o.frameBytes)
		copy(pcm, o.pending)
		o.pending = o.pending[:0]
		err = o.encode(context.Background(), pcm)
	}
	if cerr := o.next.Close(); err == nil {
		err = cerr
	}
	return err
}

// opusHead builds the RFC 7845 identification header for f.
func opusHead(f audio.Format) []byte {
	b := make([]byte, 19)
	copy(b, "OpusHead")
	b[8] = 1 // version
	b[9] = byte(f.Channels)
	binary.LittleEndian.PutUint16(b[10:12], opusPreSkip)
	binary.LittleEndian.PutUint32(b[12:16], uint32(f.SampleRate))
	// output gain (16..18) and mapping family (18) stay zero.
	return b
}

// bytesToInt16s converts little-endian bytes to PCM int16 samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
