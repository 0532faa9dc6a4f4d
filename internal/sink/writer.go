package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/audiocap/pkg/audio"
)

// Writer writes frames to an [io.Writer]. In framed mode every payload is
// preceded by its packet header; otherwise only the raw bytes are written.
type Writer struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	dst    io.Writer
	framed bool
	closed bool
	hdr    [HeaderSize]byte
}

// NewWriter returns a Writer on w. If w is an [io.Closer] it is closed by
// [Writer.Close].
func NewWriter(w io.Writer, framed bool) *Writer {
	return &Writer{bw: bufio.NewWriter(w), dst: w, framed: framed}
}

// WriteFrame implements [Sink]. Output is flushed after every frame so that
// readers on a pipe see packets without delay.
func (w *Writer) WriteFrame(_ context.Context, f audio.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.framed {
		PutHeader(w.hdr[:], f)
		if _, err := w.bw.Write(w.hdr[:]); err != nil {
			return fmt.Errorf("sink: write header: %w", err)
		}
	}
	if _, err := w.bw.Write(f.Data); err != nil {
		return fmt.Errorf("sink: write payload: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("sink: flush: %w", err)
	}
	return nil
}

// Close flushes pending output and closes the destination if it is closable.
// Subsequent calls return nil.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.bw.Flush()
	if c, ok := w.dst.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("sink: close: %w", err)
	}
	return nil
}
