// Package sink is the output boundary of the capture pipeline. A [Sink]
// receives timestamped frames in order from a single goroutine and delivers
// them somewhere: a file or pipe ([Writer]), connected websocket clients
// ([WebSocket]), or another sink after Opus encoding ([Opus]).
//
// Framed outputs prefix every packet with a 12-byte header carrying the
// presentation timestamp, packet flags, and payload size; see [HeaderSize].
package sink

import (
	"context"
	"errors"

	"github.com/MrWong99/audiocap/pkg/audio"
)

// ErrClosed is returned by WriteFrame after Close.
var ErrClosed = errors.New("sink: closed")

// Sink consumes captured frames.
//
// WriteFrame is called from a single goroutine. Close may be called once the
// producer is done; it flushes buffered output and releases resources.
type Sink interface {
	WriteFrame(ctx context.Context, f audio.Frame) error
	Close() error
}

// Drain writes every frame received on in to s until in is closed or ctx is
// cancelled. It does not close s.
func Drain(ctx context.Context, in <-chan audio.Frame, s Sink) error {
	for {
		select {
		case f, ok := <-in:
			if !ok {
				return nil
			}
			if err := s.WriteFrame(ctx, f); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
