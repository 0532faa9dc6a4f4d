package sink

import (
	"context"
	"fmt"

	"github.com/MrWong99/audiocap/pkg/audio"
)

// Converter resamples and remixes PCM frames into the format expected by the
// next sink. Timestamps pass through unchanged: a frame still starts at the
// same instant after conversion.
type Converter struct {
	next     Sink
	from, to audio.Format
}

// NewConverter returns a conversion stage from one 16-bit PCM format to
// another, in front of next.
func NewConverter(next Sink, from, to audio.Format) (*Converter, error) {
	if _, err := audio.ConvertPCM16(nil, from, to); err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}
	return &Converter{next: next, from: from, to: to}, nil
}

// WriteFrame implements [Sink].
func (c *Converter) WriteFrame(ctx context.Context, f audio.Frame) error {
	data, err := audio.ConvertPCM16(f.Data, c.from, c.to)
	if err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	f.Data = data
	return c.next.WriteFrame(ctx, f)
}

// Close closes the next sink.
func (c *Converter) Close() error {
	return c.next.Close()
}
