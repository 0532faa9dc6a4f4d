package sink

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/audiocap/pkg/audio"
)

type closeBuffer struct {
	bytes.Buffer
	closed int
}

func (b *closeBuffer) Close() error {
	b.closed++
	return nil
}

func TestWriter_Raw(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, false)
	ctx := context.Background()

	_ = w.WriteFrame(ctx, audio.Frame{Data: []byte{1, 2}, PTS: 0})
	_ = w.WriteFrame(ctx, audio.Frame{Data: []byte{3, 4}, PTS: 10})

	if !bytes.Equal(buf.Bytes(), []byte{1, 2, 3, 4}) {
		t.Errorf("output = %v, want raw payloads", buf.Bytes())
	}
}

func TestWriter_Framed(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, true)
	frames := []audio.Frame{
		{Data: []byte{1, 2, 3}, PTS: 100},
		{Data: []byte{4}, PTS: 200},
	}
	for _, f := range frames {
		if err := w.WriteFrame(context.Background(), f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	out := buf.Bytes()
	for i, f := range frames {
		h, err := ParseHeader(out)
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		if h.PTS != f.PTS || h.Length != len(f.Data) {
			t.Errorf("packet %d header = %+v", i, h)
		}
		out = out[HeaderSize:]
		if !bytes.Equal(out[:h.Length], f.Data) {
			t.Errorf("packet %d payload = %v, want %v", i, out[:h.Length], f.Data)
		}
		out = out[h.Length:]
	}
	if len(out) != 0 {
		t.Errorf("%d trailing bytes", len(out))
	}
}

func TestWriter_Close(t *testing.T) {
	dst := &closeBuffer{}
	w := NewWriter(dst, false)

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if dst.closed != 1 {
		t.Errorf("destination closed %d times, want 1", dst.closed)
	}
	if err := w.WriteFrame(context.Background(), audio.Frame{Data: []byte{1}}); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteFrame after Close = %v, want ErrClosed", err)
	}
}
